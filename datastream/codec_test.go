package datastream

import (
	"bytes"
	"io"
	"testing"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/wire"
)

func TestSubgroupStreamRoundTrip(t *testing.T) {
	t.Parallel()

	header := SubgroupHeader{
		SubscribeID:       0,
		TrackAlias:        1,
		GroupID:           0,
		SubgroupID:        0,
		PublisherPriority: 128,
	}
	objects := []SubgroupObject{
		{ObjectIDDelta: 0, Payload: []byte{0xAA, 0xBB}},
		{ObjectIDDelta: 1, Payload: []byte{0xCC}},
	}

	var buf bytes.Buffer
	if err := WriteSubgroupHeader(&buf, header); err != nil {
		t.Fatal(err)
	}
	for _, o := range objects {
		if err := WriteSubgroupObject(&buf, o); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(&buf)
	typ, err := r.ReadType()
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeSubgroupHeader {
		t.Fatalf("type = %#x, want %#x", typ, TypeSubgroupHeader)
	}
	gotHeader, err := r.ReadSubgroupHeader()
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader != header {
		t.Fatalf("header = %+v, want %+v", gotHeader, header)
	}

	for i, want := range objects {
		got, err := r.ReadObject()
		if err != nil {
			t.Fatalf("object %d: %v", i, err)
		}
		if got.ObjectIDDelta != want.ObjectIDDelta || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("object %d = %+v, want %+v", i, got, want)
		}
	}

	if _, err := r.ReadObject(); err != io.EOF {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestSubgroupObjectWithExtensions(t *testing.T) {
	t.Parallel()

	o := SubgroupObject{
		ObjectIDDelta: 0,
		Extensions: []control.ExtensionHeader{
			{Type: 2, Bytes: []byte("capture")},
			{Type: 3, Varint: 42},
		},
		Payload: []byte("frame"),
	}
	var buf bytes.Buffer
	if err := WriteSubgroupObject(&buf, o); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	got, err := r.ReadObject()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Extensions) != 2 {
		t.Fatalf("Extensions = %+v", got.Extensions)
	}
	if got.Extensions[0].Type != 2 || string(got.Extensions[0].Bytes) != "capture" {
		t.Fatalf("extension 0 = %+v", got.Extensions[0])
	}
	if got.Extensions[1].Type != 3 || got.Extensions[1].Varint != 42 {
		t.Fatalf("extension 1 = %+v", got.Extensions[1])
	}
	if !bytes.Equal(got.Payload, o.Payload) {
		t.Fatalf("Payload = %q", got.Payload)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	t.Parallel()

	want := DatagramObject{
		TrackAlias:        1,
		GroupID:           2,
		ObjectID:          3,
		PublisherPriority: 64,
		Extensions:        []control.ExtensionHeader{{Type: 5, Varint: 7}},
		Payload:           []byte("datagram payload"),
	}
	got, err := DecodeDatagram(EncodeDatagram(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.TrackAlias != want.TrackAlias || got.GroupID != want.GroupID || got.ObjectID != want.ObjectID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("Payload = %q", got.Payload)
	}
	if len(got.Extensions) != 1 || got.Extensions[0].Varint != 7 {
		t.Fatalf("Extensions = %+v", got.Extensions)
	}
}

func TestExtensionHeaderParityRoundTrip(t *testing.T) {
	t.Parallel()

	headers := []control.ExtensionHeader{
		{Type: 0, Bytes: []byte("even-bytes")},
		{Type: 1, Varint: 99},
	}
	var buf []byte
	buf = AppendExtensionHeaders(buf, headers)

	r := wire.NewReader(buf)
	length, err := r.ReadVarint()
	if err != nil {
		t.Fatal(err)
	}
	body, err := r.ReadFixed(int(length))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseExtensionHeaders(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d headers, want 2", len(got))
	}
	if !bytes.Equal(got[0].Bytes, headers[0].Bytes) {
		t.Fatalf("header 0 = %+v", got[0])
	}
	if got[1].Varint != headers[1].Varint {
		t.Fatalf("header 1 = %+v", got[1])
	}
}
