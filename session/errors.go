package session

import "github.com/cockroachdb/errors"

var (
	// ErrSessionClosed is returned to every outstanding awaiter when the
	// session closes, by an explicit Close or by Run ending on a
	// control-stream read error or context cancellation. A GoAway alone
	// does not close the session.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSetupTimeout is returned when SETUP does not complete within its
	// bounded wait.
	ErrSetupTimeout = errors.New("session: setup timed out")
	// ErrRequestTimeout is returned when a request's response does not
	// arrive within its bounded wait.
	ErrRequestTimeout = errors.New("session: request timed out")
	// ErrWrongState is returned when ClientSetup or ServerSetup is called
	// on a session that is not AwaitingSetup. A non-SETUP message arriving
	// during the handshake is reported as control.ErrProtocolViolation.
	ErrWrongState = errors.New("session: message not valid in current state")
)
