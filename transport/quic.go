package transport

import (
	"context"
	"crypto/tls"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"
)

// ALPNMoQT is the ALPN protocol ID raw-QUIC MoQT sessions negotiate.
const ALPNMoQT = "moq-00"

var _ Connection = (*quicConnection)(nil)

// quicConnection adapts *quic.Conn to Connection.
type quicConnection struct {
	conn *quic.Conn
}

// WrapQUIC adapts an established QUIC connection to Connection.
func WrapQUIC(conn *quic.Conn) Connection {
	return &quicConnection{conn: conn}
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConnection) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicSendStream{s}, nil
}

func (c *quicConnection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicReceiveStream{s}, nil
}

func (c *quicConnection) SendDatagram(data []byte) error {
	return c.conn.SendDatagram(data)
}

func (c *quicConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConnection) Context() context.Context { return c.conn.Context() }

func (c *quicConnection) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicStream struct{ *quic.Stream }

func (s quicStream) CancelWrite(code uint64) { s.Stream.CancelWrite(quic.StreamErrorCode(code)) }
func (s quicStream) CancelRead(code uint64)  { s.Stream.CancelRead(quic.StreamErrorCode(code)) }

type quicSendStream struct{ *quic.SendStream }

func (s quicSendStream) CancelWrite(code uint64) { s.SendStream.CancelWrite(quic.StreamErrorCode(code)) }

type quicReceiveStream struct{ *quic.ReceiveStream }

func (s quicReceiveStream) CancelRead(code uint64) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}

// ListenQUIC opens a raw-QUIC listener on addr for ALPN moq-00 and returns
// it. It accepts no connections itself; accepting them and adapting each
// with WrapQUIC is left to the caller.
func ListenQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{ALPNMoQT}

	ln, err := quic.ListenAddr(addr, conf, &quic.Config{
		MaxIdleTimeout: moqIdleTimeout,
		Allow0RTT:      true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "listen quic")
	}
	return ln, nil
}

// DialQUIC opens a raw-QUIC connection to addr for ALPN moq-00.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Connection, error) {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{ALPNMoQT}

	conn, err := quic.DialAddr(ctx, addr, conf, &quic.Config{
		MaxIdleTimeout: moqIdleTimeout,
		Allow0RTT:      true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial quic")
	}
	return WrapQUIC(conn), nil
}
