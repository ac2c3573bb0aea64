package transport

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// wtConnection adapts *webtransport.Session to Connection.
type wtConnection struct {
	session *webtransport.Session
}

var _ Connection = (*wtConnection)(nil)

// WrapWebTransport adapts an upgraded WebTransport session to Connection.
func WrapWebTransport(session *webtransport.Session) Connection {
	return &wtConnection{session: session}
}

func (c *wtConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.session.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return wtStream{s}, nil
}

func (c *wtConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.session.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return wtStream{s}, nil
}

func (c *wtConnection) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.session.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return wtSendStream{s}, nil
}

func (c *wtConnection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.session.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return wtReceiveStream{s}, nil
}

// wtStream adapts *webtransport.Stream's uint8 stream-error codes to the
// uint64 codes Stream expects, so it satisfies the common interface.
type wtStream struct{ *webtransport.Stream }

func (s wtStream) CancelWrite(code uint64) {
	s.Stream.CancelWrite(webtransport.StreamErrorCode(code))
}
func (s wtStream) CancelRead(code uint64) {
	s.Stream.CancelRead(webtransport.StreamErrorCode(code))
}

type wtSendStream struct{ *webtransport.SendStream }

func (s wtSendStream) CancelWrite(code uint64) {
	s.SendStream.CancelWrite(webtransport.StreamErrorCode(code))
}

type wtReceiveStream struct{ *webtransport.ReceiveStream }

func (s wtReceiveStream) CancelRead(code uint64) {
	s.ReceiveStream.CancelRead(webtransport.StreamErrorCode(code))
}

func (c *wtConnection) SendDatagram(data []byte) error {
	return c.session.SendDatagram(data)
}

func (c *wtConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.session.ReceiveDatagram(ctx)
}

func (c *wtConnection) Context() context.Context { return c.session.Context() }

func (c *wtConnection) CloseWithError(code uint64, reason string) error {
	return c.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

// Server serves MoQT-over-WebTransport on a single HTTP/3 listener. It is
// a thin wrapper around webtransport.Server, grounded on the teacher's own
// internal wrapper of the same name and call shape (Upgrade, AcceptStream)
// — here backed by the real ecosystem library instead of a hand-rolled
// reimplementation, since that library IS what the teacher's internal
// package modeled its API on.
type Server struct {
	wt        *webtransport.Server
	mux       *http.ServeMux
	onSession func(conn Connection, r *http.Request)
}

// NewServer builds a WebTransport server listening on addr, serving MoQT
// upgrade requests at path. checkOrigin decides whether to accept a
// browser's WebTransport handshake; pass nil to accept every origin
// (development only — production deployments should enforce this at a
// reverse proxy).
func NewServer(addr, path string, tlsConf *tls.Config, checkOrigin func(*http.Request) bool) *Server {
	mux := http.NewServeMux()
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{mux: mux}
	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			Handler:   mux,
			TLSConfig: tlsConf,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: moqIdleTimeout,
				Allow0RTT:      true,
			},
		},
		CheckOrigin: checkOrigin,
	}
	mux.HandleFunc(path, s.handleUpgrade)
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.onSession == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	session, err := s.wt.Upgrade(w, r)
	if err != nil {
		return
	}
	s.onSession(WrapWebTransport(session), r)
}

// ListenAndServe blocks serving HTTP/3 WebTransport until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.wt.Close() })
	defer stop()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return errors.Wrap(err, "webtransport listen and serve")
}

// OnSession registers the callback invoked for every successfully
// upgraded WebTransport session.
func (s *Server) OnSession(fn func(conn Connection, r *http.Request)) {
	s.onSession = fn
}
