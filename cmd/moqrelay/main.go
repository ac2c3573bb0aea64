// Command moqrelay runs a standalone MoQT relay: it accepts WebTransport
// sessions, negotiates SETUP, and fans published tracks out to subscribers
// per namespace and prefix matching.
package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zsiec/moqrelay/certs"
	"github.com/zsiec/moqrelay/relay"
)

var version = "dev"

func main() {
	level := zerolog.InfoLevel
	if os.Getenv("DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	log.Info().Msg("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate cert")
	}
	log.Info().
		Str("fingerprint", cert.FingerprintBase64()).
		Str("expires", cert.NotAfter.Format(time.RFC3339)).
		Msg("certificate generated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	addr := envOr("MOQ_ADDR", ":4443")
	path := envOr("MOQ_PATH", "/moq")
	maxSubscribeID := envOrUint64("MOQ_MAX_SUBSCRIBE_ID", 1000)
	objectLifetime := envOrDuration("MOQ_OBJECT_LIFETIME", 10*time.Second)

	srv, err := relay.NewServer(relay.Config{
		Addr: addr,
		Path: path,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
		MaxSubscribeID: maxSubscribeID,
		ObjectLifetime: objectLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build relay server")
	}

	log.Info().
		Str("version", version).
		Str("addr", addr).
		Str("path", path).
		Str("cert_hash", cert.FingerprintBase64()).
		Msg("moqrelay starting")

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("relay server error")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrUint64(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
