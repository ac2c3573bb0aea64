package relay

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Config configures a Server. Only Addr and TLSConfig are required; the
// rest have defaults matching spec.md's recommended values.
type Config struct {
	// Addr is the UDP address to listen on for HTTP/3 WebTransport.
	Addr string
	// Path is the HTTP path WebTransport upgrade requests must hit.
	// Defaults to "/moq".
	Path string
	// TLSConfig carries the server's certificate. Required.
	TLSConfig *tls.Config
	// CheckOrigin decides whether to accept a browser's WebTransport
	// handshake. Defaults to accepting every origin (development only).
	CheckOrigin func(r *http.Request) bool
	// MaxSubscribeID is the per-session concurrent-subscription ceiling
	// advertised in ServerSetup.
	MaxSubscribeID uint64
	// ObjectLifetime is the advisory per-group retention hint passed to
	// cache.Track.RecordObject for every ingested object.
	ObjectLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/moq"
	}
	if c.MaxSubscribeID == 0 {
		c.MaxSubscribeID = defaultMaxSubscribeID
	}
	if c.ObjectLifetime == 0 {
		c.ObjectLifetime = defaultObjectLifetime
	}
	return c
}

const (
	defaultMaxSubscribeID = 1000
	defaultObjectLifetime = 10 * time.Second
)
