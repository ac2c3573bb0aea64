package relay

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/fanout"
	"github.com/zsiec/moqrelay/internal/registry"
	"github.com/zsiec/moqrelay/relation"
	"github.com/zsiec/moqrelay/session"
	"github.com/zsiec/moqrelay/transport"
)

// Server is the top-level MoQT relay: one WebTransport listener, a shared
// relation manager, object cache, and fan-out engine serving every
// accepted session. Grounded on distribution.Server's accept-and-dispatch
// shape, generalized from one relay-per-stream-key to the full
// namespace/subscription-matching relay of spec.md §4.3-§4.5.
type Server struct {
	cfg Config
	log zerolog.Logger

	wt *transport.Server

	registry *registry.Registry
	manager  *relation.Manager
	cache    *cache.Cache
	fanout   *fanout.Engine
}

// NewServer builds a Server from cfg. It does not start listening until
// Start is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay: Addr is required")
	}
	if cfg.TLSConfig == nil {
		return nil, errors.New("relay: TLSConfig is required")
	}
	cfg = cfg.withDefaults()

	l := log.With().Str("component", "relay").Logger()
	return &Server{
		cfg:      cfg,
		log:      l,
		registry: registry.New(),
		manager:  relation.NewManager(),
		cache:    cache.New(),
		fanout:   fanout.NewEngine(l),
	}, nil
}

// Start launches the HTTP/3 WebTransport listener and blocks until ctx is
// cancelled or a fatal error occurs. Every accepted session is handled in
// its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.wt = transport.NewServer(s.cfg.Addr, s.cfg.Path, s.cfg.TLSConfig, s.cfg.CheckOrigin)
	s.wt.OnSession(s.handleConnection)

	s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("relay listening")
	return s.wt.ListenAndServe(ctx)
}

// SessionCount reports the number of currently registered sessions, for
// diagnostics and tests.
func (s *Server) SessionCount() int { return s.registry.Count() }

// handleConnection runs the full lifecycle of one accepted WebTransport
// session: SETUP, registration, data-plane ingestion, and control-message
// dispatch, until the connection closes.
func (s *Server) handleConnection(conn transport.Connection, r *http.Request) {
	ctx := conn.Context()

	sess, err := session.Accept(ctx, conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to accept control stream")
		return
	}

	cs, err := sess.ServerSetup(ctx, s.selectVersion, s.setupParameters())
	if err != nil {
		s.log.Warn().Err(err).Msg("setup failed")
		conn.CloseWithError(control.CodeProtocolViolation, "setup failed")
		return
	}
	for _, p := range cs.Parameters {
		if p.Key == control.ParamPath {
			s.log.Warn().Msg("Path setup parameter on a WebTransport session")
			conn.CloseWithError(control.CodeProtocolViolation, "path parameter on webtransport")
			return
		}
	}
	if err := sess.Send(control.MsgMaxRequestID, control.EncodeMaxRequestID(control.MaxRequestID{RequestID: s.cfg.MaxSubscribeID})); err != nil {
		s.log.Warn().Err(err).Msg("failed to send MAX_REQUEST_ID")
		conn.CloseWithError(control.CodeProtocolViolation, "setup failed")
		return
	}

	sessionID := relation.SessionID(sess.ID())
	s.manager.SetupPublisher(sessionID, s.cfg.MaxSubscribeID)
	s.registry.Add(sess)
	s.log.Info().Str("session", sess.ID()).Str("remote", r.RemoteAddr).Msg("session established")

	sess.RegisterCloseHook(func(sess *session.Session, closeErr error) {
		s.teardownSession(sess, closeErr)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx, sess) })
	g.Go(func() error { return s.ingestUniStreams(gctx, conn) })
	g.Go(func() error { return s.ingestDatagrams(gctx, conn) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("session ended")
	}
}

func (s *Server) selectVersion(offered []uint64) (uint64, bool) {
	for _, v := range offered {
		if v == control.VersionCurrent {
			return v, true
		}
	}
	return 0, false
}

func (s *Server) setupParameters() []control.SetupParameter {
	return []control.SetupParameter{
		control.VarintParam(control.ParamMaxSubscribeID, s.cfg.MaxSubscribeID),
	}
}

// teardownSession cascades a closed session's state out of the relation
// manager, terminating every dependent subscription and notifying
// affected peers, per spec.md §5's cleanup-hook cascade.
func (s *Server) teardownSession(sess *session.Session, closeErr error) {
	sessionID := relation.SessionID(sess.ID())
	s.registry.Remove(sess.ID())

	result, err := s.manager.DeleteSession(sessionID)
	if err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("delete session")
		return
	}

	for _, key := range result.TerminatedDownstream {
		s.fanout.Stop(key, control.StatusTrackEnded, "upstream session closed")
	}

	for _, notice := range result.NotifyOfUnannounce {
		s.sendToSession(notice.Session, control.MsgUnannounce, control.EncodeUnannounce(control.Unannounce{Namespace: notice.Namespace}))
	}

	s.log.Debug().Err(closeErr).Str("session", sess.ID()).Msg("session torn down")
}

// sendToSession looks up a live session by relation.SessionID and sends it
// a fire-and-forget control message, logging (not failing) if the peer is
// already gone.
func (s *Server) sendToSession(id relation.SessionID, msgType uint64, payload []byte) {
	peer, ok := s.registry.Get(string(id))
	if !ok {
		return
	}
	if err := peer.Send(msgType, payload); err != nil {
		s.log.Debug().Err(err).Str("session", string(id)).Msg("send to peer failed")
	}
}
