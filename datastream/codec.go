package datastream

import (
	"bufio"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqrelay/wire"
)

// Reader sequentially decodes a subgroup stream: one header followed by
// zero or more objects until the peer closes the stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps a unidirectional stream for sequential decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadType reads the leading data-stream type varint.
func (r *Reader) ReadType() (uint64, error) {
	v, err := quicvarint.Read(r.br)
	if err != nil {
		return 0, errors.Wrap(err, "read data stream type")
	}
	return v, nil
}

// ReadSubgroupHeader reads the fields that follow a TypeSubgroupHeader
// type varint.
func (r *Reader) ReadSubgroupHeader() (SubgroupHeader, error) {
	var h SubgroupHeader
	var err error
	if h.SubscribeID, err = quicvarint.Read(r.br); err != nil {
		return h, errors.Wrap(err, "read subscribe_id")
	}
	if h.TrackAlias, err = quicvarint.Read(r.br); err != nil {
		return h, errors.Wrap(err, "read track_alias")
	}
	if h.GroupID, err = quicvarint.Read(r.br); err != nil {
		return h, errors.Wrap(err, "read group_id")
	}
	if h.SubgroupID, err = quicvarint.Read(r.br); err != nil {
		return h, errors.Wrap(err, "read subgroup_id")
	}
	priority, err := r.br.ReadByte()
	if err != nil {
		return h, errors.Wrap(err, "read publisher_priority")
	}
	h.PublisherPriority = priority
	return h, nil
}

// ReadObject reads one object from the stream. It returns io.EOF (possibly
// wrapped) when the stream ends cleanly at an object boundary, which is
// the normal way a subgroup stream terminates.
func (r *Reader) ReadObject() (SubgroupObject, error) {
	var o SubgroupObject

	delta, err := quicvarint.Read(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return o, io.EOF
		}
		return o, errors.Wrap(err, "read object_id_delta")
	}
	o.ObjectIDDelta = delta

	extLen, err := quicvarint.Read(r.br)
	if err != nil {
		return o, errors.Wrap(err, "read extension_headers_length")
	}
	if extLen > 0 {
		extBytes := make([]byte, extLen)
		if _, err := io.ReadFull(r.br, extBytes); err != nil {
			return o, errors.Wrap(err, "read extension_headers")
		}
		o.Extensions, err = ParseExtensionHeaders(extBytes)
		if err != nil {
			return o, err
		}
	}

	payloadLen, err := quicvarint.Read(r.br)
	if err != nil {
		return o, errors.Wrap(err, "read payload_length")
	}
	if payloadLen > 0 {
		o.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r.br, o.Payload); err != nil {
			return o, errors.Wrap(err, "read payload")
		}
	}
	return o, nil
}

// AppendSubgroupHeader appends TypeSubgroupHeader and its fields to buf.
func AppendSubgroupHeader(buf []byte, h SubgroupHeader) []byte {
	buf = wire.AppendVarint(buf, TypeSubgroupHeader)
	buf = wire.AppendVarint(buf, h.SubscribeID)
	buf = wire.AppendVarint(buf, h.TrackAlias)
	buf = wire.AppendVarint(buf, h.GroupID)
	buf = wire.AppendVarint(buf, h.SubgroupID)
	return append(buf, h.PublisherPriority)
}

// AppendSubgroupObject appends one object's framing to buf: object ID
// delta, extension-header vector, payload.
func AppendSubgroupObject(buf []byte, o SubgroupObject) []byte {
	buf = wire.AppendVarint(buf, o.ObjectIDDelta)
	buf = AppendExtensionHeaders(buf, o.Extensions)
	buf = wire.AppendVarint(buf, uint64(len(o.Payload)))
	return append(buf, o.Payload...)
}

// WriteSubgroupHeader writes a subgroup header as a single Write call.
func WriteSubgroupHeader(w io.Writer, h SubgroupHeader) error {
	_, err := w.Write(AppendSubgroupHeader(nil, h))
	return err
}

// WriteSubgroupObject writes one object as a single Write call.
func WriteSubgroupObject(w io.Writer, o SubgroupObject) error {
	_, err := w.Write(AppendSubgroupObject(nil, o))
	return err
}

// EncodeDatagram serializes a complete object-datagram message.
func EncodeDatagram(o DatagramObject) []byte {
	buf := wire.AppendVarint(nil, TypeObjectDatagram)
	buf = wire.AppendVarint(buf, o.TrackAlias)
	buf = wire.AppendVarint(buf, o.GroupID)
	buf = wire.AppendVarint(buf, o.ObjectID)
	buf = append(buf, o.PublisherPriority)
	buf = AppendExtensionHeaders(buf, o.Extensions)
	buf = wire.AppendVarint(buf, uint64(len(o.Payload)))
	return append(buf, o.Payload...)
}

// DecodeDatagram parses a complete object-datagram message, including its
// leading type varint.
func DecodeDatagram(data []byte) (DatagramObject, error) {
	var o DatagramObject
	r := wire.NewReader(data)

	typ, err := r.ReadVarint()
	if err != nil {
		return o, errors.Wrap(err, "read data stream type")
	}
	if typ != TypeObjectDatagram {
		return o, errors.Newf("datastream: unexpected datagram type %#x", typ)
	}

	if o.TrackAlias, err = r.ReadVarint(); err != nil {
		return o, errors.Wrap(err, "read track_alias")
	}
	if o.GroupID, err = r.ReadVarint(); err != nil {
		return o, errors.Wrap(err, "read group_id")
	}
	if o.ObjectID, err = r.ReadVarint(); err != nil {
		return o, errors.Wrap(err, "read object_id")
	}
	priority, err := r.ReadByte()
	if err != nil {
		return o, errors.Wrap(err, "read publisher_priority")
	}
	o.PublisherPriority = priority

	extBytes, err := r.ReadBytes()
	if err != nil {
		return o, errors.Wrap(err, "read extension_headers")
	}
	if len(extBytes) > 0 {
		o.Extensions, err = ParseExtensionHeaders(extBytes)
		if err != nil {
			return o, err
		}
	}

	o.Payload, err = r.ReadBytes()
	if err != nil {
		return o, errors.Wrap(err, "read payload")
	}
	return o, nil
}
