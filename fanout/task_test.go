package fanout

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/datastream"
	"github.com/zsiec/moqrelay/transport"
)

type fakeSendStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *fakeSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}
func (s *fakeSendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeSendStream) CancelWrite(uint64) {}

func (s *fakeSendStream) bytesCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// fakeConn implements transport.Connection, recording every uni stream
// opened and datagram sent so tests can inspect what Task wrote. The
// bidirectional-stream and receive-side methods are never exercised by
// fanout and simply fail loudly if called.
type fakeConn struct {
	mu         sync.Mutex
	uniStreams []*fakeSendStream
	datagrams  [][]byte
	ctx        context.Context
}

func newFakeConn() *fakeConn {
	return &fakeConn{ctx: context.Background()}
}

func (c *fakeConn) AcceptStream(context.Context) (transport.Stream, error) {
	panic("fanout: AcceptStream not used")
}
func (c *fakeConn) OpenStream(context.Context) (transport.Stream, error) {
	panic("fanout: OpenStream not used")
}
func (c *fakeConn) OpenUniStream(context.Context) (transport.SendStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSendStream{}
	c.uniStreams = append(c.uniStreams, s)
	return s, nil
}
func (c *fakeConn) AcceptUniStream(context.Context) (transport.ReceiveStream, error) {
	panic("fanout: AcceptUniStream not used")
}
func (c *fakeConn) SendDatagram(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datagrams = append(c.datagrams, append([]byte(nil), data...))
	return nil
}
func (c *fakeConn) ReceiveDatagram(context.Context) ([]byte, error) {
	panic("fanout: ReceiveDatagram not used")
}
func (c *fakeConn) Context() context.Context { return c.ctx }
func (c *fakeConn) CloseWithError(uint64, string) error { return nil }

type sentMessage struct {
	msgType uint64
	payload []byte
}

type fakeControlSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (s *fakeControlSender) Send(msgType uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, sentMessage{msgType, payload})
	return nil
}

func (s *fakeControlSender) last() (sentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return sentMessage{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func TestTaskDeliversSubgroupAndReusesStream(t *testing.T) {
	t.Parallel()

	track := cache.New().GetOrCreate(1)
	if err := track.RecordHeader(control.ForwardingSubgroup); err != nil {
		t.Fatalf("RecordHeader: %v", err)
	}
	track.RecordObject(cache.Object{GroupID: 0, ObjectID: 0, Payload: []byte{0xAA}}, time.Hour)
	track.RecordObject(cache.Object{GroupID: 0, ObjectID: 1, Payload: []byte{0xBB}}, time.Hour)

	reader, err := cache.NewReader(track, control.FilterLatestGroup, control.GroupOrderAscending, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	conn := newFakeConn()
	ctrl := &fakeControlSender{}
	task := NewTask(zerolog.Nop(), conn, ctrl, reader, track, Params{SubscribeID: 7, TrackAlias: 42})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	task.Run(ctx)

	conn.mu.Lock()
	n := len(conn.uniStreams)
	conn.mu.Unlock()
	if n != 1 {
		t.Fatalf("opened %d uni streams, want 1 (same group/subgroup reused)", n)
	}

	r := datastream.NewReader(bytes.NewReader(conn.uniStreams[0].bytesCopy()))
	typ, err := r.ReadType()
	if err != nil || typ != datastream.TypeSubgroupHeader {
		t.Fatalf("ReadType: typ=%v err=%v", typ, err)
	}
	header, err := r.ReadSubgroupHeader()
	if err != nil {
		t.Fatalf("ReadSubgroupHeader: %v", err)
	}
	if header.SubscribeID != 7 || header.TrackAlias != 42 {
		t.Fatalf("header = %+v", header)
	}

	obj0, err := r.ReadObject()
	if err != nil || obj0.ObjectIDDelta != 0 || !bytes.Equal(obj0.Payload, []byte{0xAA}) {
		t.Fatalf("object 0 = %+v, err=%v", obj0, err)
	}
	obj1, err := r.ReadObject()
	if err != nil || obj1.ObjectIDDelta != 1 || !bytes.Equal(obj1.Payload, []byte{0xBB}) {
		t.Fatalf("object 1 = %+v, err=%v", obj1, err)
	}
}

func TestTaskSendsSubscribeDoneOnRangeCompletion(t *testing.T) {
	t.Parallel()

	track := cache.New().GetOrCreate(1)
	if err := track.RecordHeader(control.ForwardingDatagram); err != nil {
		t.Fatalf("RecordHeader: %v", err)
	}
	for g := 0; g < 2; g++ {
		for o := 0; o < 2; o++ {
			track.RecordObject(cache.Object{GroupID: uint64(g), ObjectID: uint64(o)}, time.Hour)
		}
	}

	start := uint64(0)
	end := uint64(1)
	reader, err := cache.NewReader(track, control.FilterAbsoluteRange, control.GroupOrderAscending, &start, &start, &end)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	conn := newFakeConn()
	ctrl := &fakeControlSender{}
	task := NewTask(zerolog.Nop(), conn, ctrl, reader, track, Params{SubscribeID: 3, TrackAlias: 9})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	task.Run(ctx)

	conn.mu.Lock()
	n := len(conn.datagrams)
	conn.mu.Unlock()
	if n != 4 {
		t.Fatalf("sent %d datagrams, want 4", n)
	}

	msg, ok := ctrl.last()
	if !ok || msg.msgType != control.MsgSubscribeDone {
		t.Fatalf("last control message = %+v, ok=%v", msg, ok)
	}
	done, err := control.ParseSubscribeDone(msg.payload)
	if err != nil {
		t.Fatalf("ParseSubscribeDone: %v", err)
	}
	if done.StatusCode != control.StatusSubscriptionEnded {
		t.Fatalf("status = %v, want StatusSubscriptionEnded", done.StatusCode)
	}
	if !done.ContentExists || done.FinalGroup != 1 || done.FinalObject != 1 {
		t.Fatalf("done = %+v, want final (1,1)", done)
	}
}

func TestTaskSendsGoingAwayOnLag(t *testing.T) {
	t.Parallel()

	track := cache.New().GetOrCreate(1)
	if err := track.RecordHeader(control.ForwardingDatagram); err != nil {
		t.Fatalf("RecordHeader: %v", err)
	}
	track.RecordObject(cache.Object{GroupID: 0, ObjectID: 0}, time.Millisecond)

	reader, err := cache.NewReader(track, control.FilterLatestGroup, control.GroupOrderAscending, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	// Deliver the first object synchronously so the reader's cursor is
	// pinned at group 0 before it is evicted, making the lag
	// deterministic rather than racing a live Task goroutine.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), time.Second)
	if _, ok, err := reader.Next(warmCtx); !ok || err != nil {
		t.Fatalf("warm-up Next: ok=%v err=%v", ok, err)
	}
	warmCancel()

	track.RecordObject(cache.Object{GroupID: 1, ObjectID: 0}, time.Millisecond)
	track.RecordObject(cache.Object{GroupID: 2, ObjectID: 0}, time.Millisecond)
	track.Evict(time.Now().Add(time.Hour))

	conn := newFakeConn()
	ctrl := &fakeControlSender{}
	task := NewTask(zerolog.Nop(), conn, ctrl, reader, track, Params{SubscribeID: 1, TrackAlias: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task.Run(ctx)

	msg, ok := ctrl.last()
	if !ok || msg.msgType != control.MsgSubscribeDone {
		t.Fatalf("last control message = %+v, ok=%v", msg, ok)
	}
	sd, err := control.ParseSubscribeDone(msg.payload)
	if err != nil {
		t.Fatalf("ParseSubscribeDone: %v", err)
	}
	if sd.StatusCode != control.StatusGoingAway {
		t.Fatalf("status = %v, want StatusGoingAway", sd.StatusCode)
	}
}
