package control

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors for control-message handling. Callers distinguish
// failure modes with errors.Is, same as the pattern this package is
// grounded on.
var (
	ErrVersionMismatch      = errors.New("control: no compatible version")
	ErrUnknownTrack         = errors.New("control: unknown track")
	ErrUnsupportedFilter    = errors.New("control: unsupported filter type")
	ErrUnknownNamespace     = errors.New("control: unknown namespace")
	ErrProtocolViolation    = errors.New("control: protocol violation")
	ErrUnsupportedDialect   = errors.New("control: message not valid in the negotiated dialect")
)

// ParseError indicates a failure to parse a control-message field. It
// wraps the underlying wire error and records which field was being
// parsed when the failure occurred.
type ParseError struct {
	Message string
	Field   string
	Err     error
}

func (e *ParseError) Error() string {
	return "control: parse " + e.Message + "." + e.Field + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(message, field string, err error) error {
	return &ParseError{Message: message, Field: field, Err: err}
}
