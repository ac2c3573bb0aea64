package transport

import (
	"context"
	"io"
)

// SendStream is a unidirectional stream this side writes to.
type SendStream interface {
	io.Writer
	io.Closer
	CancelWrite(errorCode uint64)
}

// ReceiveStream is a unidirectional stream the peer writes to.
type ReceiveStream interface {
	io.Reader
	CancelRead(errorCode uint64)
}

// Stream is a bidirectional stream: the control stream is one of these.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CancelWrite(errorCode uint64)
	CancelRead(errorCode uint64)
}

// Connection is the common surface raw QUIC and WebTransport sessions
// both present to the session layer: one bidirectional control stream,
// many unidirectional data streams, and datagrams.
type Connection interface {
	// AcceptStream blocks until the peer opens the bidirectional control
	// stream, or ctx is cancelled.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenStream opens the bidirectional control stream. Only the side
	// that did not accept calls this.
	OpenStream(ctx context.Context) (Stream, error)
	// OpenUniStream opens one unidirectional data stream (one per
	// subgroup).
	OpenUniStream(ctx context.Context) (SendStream, error)
	// AcceptUniStream blocks until the peer opens a unidirectional data
	// stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	// SendDatagram sends one unreliable datagram (one object).
	SendDatagram(data []byte) error
	// ReceiveDatagram blocks until a datagram arrives or ctx is
	// cancelled.
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	// Context is cancelled when the connection closes.
	Context() context.Context
	// CloseWithError closes the connection, signalling a MoQT
	// termination error code to the peer.
	CloseWithError(code uint64, reason string) error
}
