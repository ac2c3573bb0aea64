package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/transport"
	"github.com/zsiec/moqrelay/wire"
)

const (
	setupTimeout     = 5 * time.Second
	requestTimeout   = 10 * time.Second
	eventBacklog     = 256
	defaultMaxSubIDs = 1000
)

// responseTypes are the control messages that carry a request_id as their
// first field and resolve an outstanding awaiter rather than being
// delivered to the application event channel.
var responseTypes = map[uint64]bool{
	control.MsgSubscribeOk:           true,
	control.MsgSubscribeError:        true,
	control.MsgAnnounceOk:            true,
	control.MsgAnnounceError:         true,
	control.MsgSubscribeNamespaceOk:  true,
	control.MsgSubscribeNamespaceErr: true,
}

// RoutedMessage is a request-direction control message, decoded only as
// far as its type and raw payload — the application layer decodes the
// payload with the matching control.ParseXxx.
type RoutedMessage struct {
	Type    uint64
	Payload []byte
}

type response struct {
	msgType uint64
	payload []byte
	err     error
}

// CloseHook is invoked once when a session closes, so owners (the
// relation manager, cache readers) can cascade their own cleanup.
type CloseHook func(s *Session, err error)

// Session owns one MoQT control stream for the lifetime of one transport
// connection.
type Session struct {
	id      string
	log     zerolog.Logger
	conn    transport.Connection
	control transport.Stream
	role    Role

	controlMu sync.Mutex

	state   atomic.Int32
	version uint64
	dialect control.Dialect

	nextRequestID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan response

	events chan RoutedMessage

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	hooksMu sync.Mutex
	hooks   []CloseHook
}

func newSession(role Role, conn transport.Connection, control transport.Stream) *Session {
	id := xid.New().String()
	s := &Session{
		id:      id,
		log:     log.With().Str("session", id).Str("role", role.String()).Logger(),
		conn:    conn,
		control: control,
		role:    role,
		pending: make(map[uint64]chan response),
		events:  make(chan RoutedMessage, eventBacklog),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateFresh))
	if role == RoleServer {
		s.nextRequestID.Store(1)
	}
	return s
}

// Accept waits for the peer to open the control stream on an already
// established transport connection.
func Accept(ctx context.Context, conn transport.Connection) (*Session, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept control stream")
	}
	s := newSession(RoleServer, conn, stream)
	s.state.Store(int32(StateAwaitingSetup))
	return s, nil
}

// Connect opens the control stream on an already established transport
// connection.
func Connect(ctx context.Context, conn transport.Connection) (*Session, error) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open control stream")
	}
	s := newSession(RoleClient, conn, stream)
	s.state.Store(int32(StateAwaitingSetup))
	return s, nil
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Role reports whether this session played client or server at SETUP.
func (s *Session) Role() Role { return s.role }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Version is the negotiated protocol version, valid once Established.
func (s *Session) Version() uint64 { return s.version }

// Dialect is the wire dialect the negotiated version selected.
func (s *Session) Dialect() control.Dialect { return s.dialect }

// Context is cancelled when the underlying transport connection closes.
func (s *Session) Context() context.Context { return s.conn.Context() }

// Conn returns the underlying transport connection, for opening data-plane
// streams and datagrams alongside this session's control stream.
func (s *Session) Conn() transport.Connection { return s.conn }

// NextRequestID atomically allocates the next request ID in this
// session's disjoint half of the ID space (clients: 0, 2, 4, ...;
// servers: 1, 3, 5, ...).
func (s *Session) NextRequestID() uint64 {
	return s.nextRequestID.Add(2) - 2
}

// RegisterCloseHook adds fn to the set invoked once, in registration
// order, when the session closes.
func (s *Session) RegisterCloseHook(fn CloseHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// ClientSetup performs the client side of the SETUP handshake: send
// ClientSetup, await ServerSetup within a bounded timeout.
func (s *Session) ClientSetup(ctx context.Context, versions []uint64, params []control.SetupParameter) error {
	if s.role != RoleClient {
		return errors.New("session: ClientSetup called on a server-role session")
	}
	if s.State() != StateAwaitingSetup {
		return errors.Wrap(ErrWrongState, "ClientSetup")
	}

	payload := control.EncodeClientSetup(control.ClientSetup{SupportedVersions: versions, Parameters: params})
	if err := s.writeMessage(control.MsgClientSetup, payload); err != nil {
		return errors.Wrap(err, "write ClientSetup")
	}

	msgType, respPayload, err := s.readHandshakeMessage(ctx)
	if err != nil {
		return err
	}
	if msgType != control.MsgServerSetup {
		return errors.Wrapf(control.ErrProtocolViolation, "expected ServerSetup, got %#x", msgType)
	}
	ss, err := control.ParseServerSetup(respPayload)
	if err != nil {
		return errors.Wrap(err, "parse ServerSetup")
	}

	offered := false
	for _, v := range versions {
		if v == ss.SelectedVersion {
			offered = true
			break
		}
	}
	if !offered {
		return errors.Wrapf(control.ErrVersionMismatch, "server selected %#x, not offered", ss.SelectedVersion)
	}

	s.version = ss.SelectedVersion
	s.dialect = control.DialectForVersion(s.version)
	s.state.Store(int32(StateEstablished))
	s.log.Info().Uint64("version", s.version).Msg("session established")
	return nil
}

// SelectVersion picks a version the server supports from the client's
// offered list. It returns false if none match.
type SelectVersion func(offered []uint64) (uint64, bool)

// ServerSetup performs the server side of the SETUP handshake: read
// ClientSetup, select a version, send ServerSetup (or close on mismatch).
func (s *Session) ServerSetup(ctx context.Context, selectVersion SelectVersion, params []control.SetupParameter) (control.ClientSetup, error) {
	var cs control.ClientSetup
	if s.role != RoleServer {
		return cs, errors.New("session: ServerSetup called on a client-role session")
	}
	if s.State() != StateAwaitingSetup {
		return cs, errors.Wrap(ErrWrongState, "ServerSetup")
	}

	msgType, payload, err := s.readHandshakeMessage(ctx)
	if err != nil {
		return cs, err
	}
	if msgType != control.MsgClientSetup {
		return cs, errors.Wrapf(control.ErrProtocolViolation, "expected ClientSetup, got %#x", msgType)
	}
	cs, err = control.ParseClientSetup(payload)
	if err != nil {
		return cs, errors.Wrap(err, "parse ClientSetup")
	}

	selected, ok := selectVersion(cs.SupportedVersions)
	if !ok {
		s.Close(control.ErrVersionMismatch)
		return cs, errors.Wrapf(control.ErrVersionMismatch, "no compatible version in %v", cs.SupportedVersions)
	}

	s.version = selected
	s.dialect = control.DialectForVersion(selected)
	ss := control.ServerSetup{SelectedVersion: selected, Parameters: params}
	if err := s.writeMessage(control.MsgServerSetup, control.EncodeServerSetup(ss)); err != nil {
		return cs, errors.Wrap(err, "write ServerSetup")
	}
	s.state.Store(int32(StateEstablished))
	s.log.Info().Uint64("version", s.version).Msg("session established")
	return cs, nil
}

// readHandshakeMessage reads exactly one control message with a bounded
// timeout, for use only during SETUP before the dispatcher loop starts.
func (s *Session) readHandshakeMessage(ctx context.Context) (uint64, []byte, error) {
	type result struct {
		msgType uint64
		payload []byte
		err     error
	}
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		msgType, payload, err := control.ReadMessage(s.control)
		ch <- result{msgType, payload, err}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, ErrSetupTimeout
	case r := <-ch:
		if r.err != nil {
			return 0, nil, errors.Wrap(r.err, "read setup message")
		}
		return r.msgType, r.payload, nil
	}
}

// Events returns the channel of inbound request-direction messages. The
// caller must drain it; Run stops making progress if it fills.
func (s *Session) Events() <-chan RoutedMessage { return s.events }

// Run starts the control-stream dispatcher and blocks until the session
// closes. Must be called only after SETUP completes.
func (s *Session) Run(ctx context.Context) error {
	var runErr error
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		msgType, payload, err := control.ReadMessage(s.control)
		if err != nil {
			runErr = err
			break
		}

		switch {
		case msgType == control.MsgGoAway:
			s.state.Store(int32(StateGoAwayRequested))
			s.deliverEvent(RoutedMessage{Type: msgType, Payload: payload})
		case responseTypes[msgType]:
			s.routeResponse(msgType, payload)
		default:
			s.deliverEvent(RoutedMessage{Type: msgType, Payload: payload})
		}
	}

	s.Close(runErr)
	return runErr
}

func (s *Session) deliverEvent(msg RoutedMessage) {
	select {
	case s.events <- msg:
	case <-s.done:
	}
}

func (s *Session) routeResponse(msgType uint64, payload []byte) {
	requestID, err := wire.NewReader(payload).ReadVarint()
	if err != nil {
		s.log.Warn().Err(err).Msg("response message missing request_id")
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.log.Warn().Uint64("request_id", requestID).Msg("response with no outstanding awaiter")
		return
	}
	ch <- response{msgType: msgType, payload: payload}
}

// SendRequest writes a request-direction message and blocks until the
// matching response arrives, the session closes, or requestTimeout
// elapses.
func (s *Session) SendRequest(ctx context.Context, msgType uint64, payload []byte, requestID uint64) (uint64, []byte, error) {
	ch := make(chan response, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = ch
	s.pendingMu.Unlock()

	if err := s.writeMessage(msgType, payload); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
		return 0, nil, errors.Wrap(err, "write request")
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, nil, r.err
		}
		return r.msgType, r.payload, nil
	case <-ctx.Done():
		s.dropPending(requestID)
		return 0, nil, ctx.Err()
	case <-s.done:
		return 0, nil, ErrSessionClosed
	case <-timer.C:
		s.dropPending(requestID)
		return 0, nil, ErrRequestTimeout
	}
}

func (s *Session) dropPending(requestID uint64) {
	s.pendingMu.Lock()
	delete(s.pending, requestID)
	s.pendingMu.Unlock()
}

// Send writes a message with no expected response (Unsubscribe,
// SubscribeDone, MaxRequestID, GoAway).
func (s *Session) Send(msgType uint64, payload []byte) error {
	return s.writeMessage(msgType, payload)
}

func (s *Session) writeMessage(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return control.WriteMessage(s.control, msgType, payload)
}

// Close marks the session Closed, resolves every outstanding awaiter with
// ErrSessionClosed, records err for Err, and runs every registered close
// hook exactly once.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.state.Store(int32(StateClosed))
		close(s.done)

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			ch <- response{err: ErrSessionClosed}
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()

		s.hooksMu.Lock()
		hooks := s.hooks
		s.hooksMu.Unlock()
		for _, h := range hooks {
			h(s, err)
		}

		s.log.Debug().Err(err).Msg("session closed")
	})
}

// Err returns the error Close was called with, if any.
func (s *Session) Err() error { return s.closeErr }
