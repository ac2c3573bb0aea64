package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/fanout"
	"github.com/zsiec/moqrelay/internal/registry"
	"github.com/zsiec/moqrelay/relation"
	"github.com/zsiec/moqrelay/session"
	"github.com/zsiec/moqrelay/transport"
)

type fakeStream struct {
	net.Conn
}

func (fakeStream) CancelWrite(uint64) {}
func (fakeStream) CancelRead(uint64)  {}

type fakeConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream transport.Stream
}

func newFakePair() (client, server *fakeConn) {
	a, b := net.Pipe()
	cctx, ccancel := context.WithCancel(context.Background())
	sctx, scancel := context.WithCancel(context.Background())
	client = &fakeConn{ctx: cctx, cancel: ccancel, stream: fakeStream{a}}
	server = &fakeConn{ctx: sctx, cancel: scancel, stream: fakeStream{b}}
	return client, server
}

func (c *fakeConn) AcceptStream(context.Context) (transport.Stream, error) { return c.stream, nil }
func (c *fakeConn) OpenStream(context.Context) (transport.Stream, error)   { return c.stream, nil }
func (c *fakeConn) OpenUniStream(context.Context) (transport.SendStream, error) {
	<-c.ctx.Done()
	return nil, c.ctx.Err()
}
func (c *fakeConn) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConn) SendDatagram([]byte) error { return nil }
func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConn) Context() context.Context { return c.ctx }
func (c *fakeConn) CloseWithError(code uint64, reason string) error {
	c.cancel()
	return c.stream.Close()
}

// peerPair builds one relay-side *session.Session (as Server would via
// Accept+ServerSetup) and one independent peer-side *session.Session (as a
// publisher or subscriber client would via Connect+ClientSetup), joined by
// an in-memory pipe, already past SETUP.
func peerPair(t *testing.T) (relaySide, peerSide *session.Session) {
	t.Helper()
	peerConn, relayConn := newFakePair()

	peerSess, err := session.Connect(context.Background(), peerConn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	relaySess, err := session.Accept(context.Background(), relayConn)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		errs <- peerSess.ClientSetup(context.Background(), []uint64{control.VersionCurrent}, nil)
	}()
	go func() {
		_, err := relaySess.ServerSetup(context.Background(), func(offered []uint64) (uint64, bool) {
			for _, v := range offered {
				if v == control.VersionCurrent {
					return v, true
				}
			}
			return 0, false
		}, nil)
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	return relaySess, peerSess
}

func newTestServer() *Server {
	return &Server{
		cfg:      Config{}.withDefaults(),
		log:      zerolog.Nop(),
		registry: registry.New(),
		manager:  relation.NewManager(),
		cache:    cache.New(),
		fanout:   fanout.NewEngine(zerolog.Nop()),
	}
}

func TestHandleAnnounceRepliesOkAndFansOutToSubscribedPrefix(t *testing.T) {
	t.Parallel()

	s := newTestServer()

	pubRelay, pubPeer := peerPair(t)
	defer pubRelay.Close(nil)
	defer pubPeer.Close(nil)
	subRelay, subPeer := peerPair(t)
	defer subRelay.Close(nil)
	defer subPeer.Close(nil)

	pubID := relation.SessionID(pubRelay.ID())
	subID := relation.SessionID(subRelay.ID())
	s.manager.SetupPublisher(pubID, 1000)
	s.manager.SetupSubscriber(subID, 1000)
	s.registry.Add(pubRelay)
	s.registry.Add(subRelay)

	s.manager.SubscribePrefix(subID, tuple("room"))

	go pubRelay.Run(context.Background())
	go subRelay.Run(context.Background())
	go pubPeer.Run(context.Background())
	go subPeer.Run(context.Background())

	subEvents := make(chan session.RoutedMessage, 1)
	go func() {
		msg := <-subPeer.Events()
		subEvents <- msg
	}()

	reqID := pubPeer.NextRequestID()
	respCh := make(chan struct {
		typ     uint64
		payload []byte
		err     error
	}, 1)
	go func() {
		typ, payload, err := pubPeer.SendRequest(context.Background(), control.MsgAnnounce,
			control.EncodeAnnounce(control.Announce{RequestID: reqID, Namespace: tuple("room", "member")}), reqID)
		respCh <- struct {
			typ     uint64
			payload []byte
			err     error
		}{typ, payload, err}
	}()

	select {
	case msg := <-pubRelay.Events():
		if msg.Type != control.MsgAnnounce {
			t.Fatalf("relay received type %#x, want MsgAnnounce", msg.Type)
		}
		if err := s.handleAnnounce(pubRelay, pubID, msg.Payload); err != nil {
			t.Fatalf("handleAnnounce: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay to receive ANNOUNCE")
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			t.Fatalf("SendRequest: %v", resp.err)
		}
		if resp.typ != control.MsgAnnounceOk {
			t.Fatalf("response type = %#x, want MsgAnnounceOk", resp.typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AnnounceOk")
	}

	select {
	case msg := <-subEvents:
		if msg.Type != control.MsgAnnounce {
			t.Fatalf("subscriber received type %#x, want MsgAnnounce", msg.Type)
		}
		a, err := control.ParseAnnounce(msg.Payload)
		if err != nil {
			t.Fatalf("ParseAnnounce: %v", err)
		}
		if len(a.Namespace) != 2 || string(a.Namespace[1]) != "member" {
			t.Fatalf("namespace = %v", a.Namespace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanned-out ANNOUNCE")
	}
}

func TestHandleSubscribeNamespaceReplaysAnnounced(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	pubID := relation.SessionID("pub")
	s.manager.SetupPublisher(pubID, 1000)
	if err := s.manager.Announce(pubID, tuple("room", "member")); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	subRelay, subPeer := peerPair(t)
	defer subRelay.Close(nil)
	defer subPeer.Close(nil)
	subID := relation.SessionID(subRelay.ID())
	s.manager.SetupSubscriber(subID, 1000)

	go subRelay.Run(context.Background())
	go subPeer.Run(context.Background())

	reqID := subPeer.NextRequestID()
	respCh := make(chan struct {
		typ     uint64
		payload []byte
		err     error
	}, 1)
	go func() {
		typ, payload, err := subPeer.SendRequest(context.Background(), control.MsgSubscribeNamespace,
			control.EncodeSubscribeNamespace(control.SubscribeNamespace{RequestID: reqID, Prefix: tuple("room")}), reqID)
		respCh <- struct {
			typ     uint64
			payload []byte
			err     error
		}{typ, payload, err}
	}()

	replayed := make(chan session.RoutedMessage, 1)
	go func() {
		replayed <- (<-subPeer.Events())
	}()

	select {
	case msg := <-subRelay.Events():
		if err := s.handleSubscribeNamespace(subRelay, subID, msg.Payload); err != nil {
			t.Fatalf("handleSubscribeNamespace: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SUBSCRIBE_NAMESPACE")
	}

	select {
	case resp := <-respCh:
		if resp.err != nil || resp.typ != control.MsgSubscribeNamespaceOk {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SubscribeNamespaceOk")
	}

	select {
	case msg := <-replayed:
		if msg.Type != control.MsgAnnounce {
			t.Fatalf("replayed type = %#x, want MsgAnnounce", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed ANNOUNCE")
	}
}

func TestSelectVersionAcceptsOnlyCurrent(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	if _, ok := s.selectVersion([]uint64{control.VersionLegacy}); ok {
		t.Fatal("accepted legacy-only offer")
	}
	v, ok := s.selectVersion([]uint64{control.VersionLegacy, control.VersionCurrent})
	if !ok || v != control.VersionCurrent {
		t.Fatalf("selectVersion = %#x, %v", v, ok)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Addr: ":4443"}.withDefaults()
	if cfg.Path != "/moq" {
		t.Fatalf("Path = %q, want /moq", cfg.Path)
	}
	if cfg.MaxSubscribeID != defaultMaxSubscribeID {
		t.Fatalf("MaxSubscribeID = %d", cfg.MaxSubscribeID)
	}
	if cfg.ObjectLifetime != defaultObjectLifetime {
		t.Fatalf("ObjectLifetime = %v", cfg.ObjectLifetime)
	}
}

func tuple(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestRangeFromSubscribeAbsoluteRange(t *testing.T) {
	t.Parallel()
	sub := control.Subscribe{
		FilterType:  control.FilterAbsoluteRange,
		StartGroup:  3,
		StartObject: 1,
		EndGroup:    10,
	}
	rng := rangeFromSubscribe(sub)
	if rng.StartGroup == nil || *rng.StartGroup != 3 {
		t.Fatalf("StartGroup = %v", rng.StartGroup)
	}
	if rng.StartObject == nil || *rng.StartObject != 1 {
		t.Fatalf("StartObject = %v", rng.StartObject)
	}
	if rng.EndGroup == nil || *rng.EndGroup != 10 {
		t.Fatalf("EndGroup = %v", rng.EndGroup)
	}
}

func TestRangeFromSubscribeLatestGroupHasNoBounds(t *testing.T) {
	t.Parallel()
	rng := rangeFromSubscribe(control.Subscribe{FilterType: control.FilterLatestGroup})
	if rng.StartGroup != nil || rng.StartObject != nil || rng.EndGroup != nil {
		t.Fatalf("rng = %+v, want all nil", rng)
	}
}
