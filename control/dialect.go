package control

import "github.com/zsiec/moqrelay/wire"

// Role is the legacy dialect's setup parameter for declaring a session's
// direction of travel. The current dialect has no equivalent — a session's
// role is inferred from which messages it sends.
type Role uint64

const (
	RolePublisher  Role = 0
	RoleSubscriber Role = 1
	RoleBoth       Role = 2
)

// ParseClientSetupLegacy parses a legacy-dialect CLIENT_SETUP payload. The
// legacy dialect carries the same version list but expects a ROLE
// parameter rather than the current dialect's richer typed-parameter set;
// structurally it reuses ClientSetup, since ROLE is just another
// even-keyed SetupParameter under ParamRole.
func ParseClientSetupLegacy(data []byte) (ClientSetup, error) {
	return ParseClientSetup(data)
}

// EncodeClientSetupLegacy serializes a legacy-dialect CLIENT_SETUP
// payload, same framing as the current dialect's version-list-then-
// parameters shape.
func EncodeClientSetupLegacy(cs ClientSetup) []byte {
	return EncodeClientSetup(cs)
}

// LegacyRole extracts the ROLE parameter from a legacy ClientSetup/
// ServerSetup parameter list.
func LegacyRole(params []SetupParameter) (Role, bool) {
	v, ok := setupUint64(params, ParamRole)
	return Role(v), ok
}

// The legacy helpers in this file mirror the source repo's older draft
// where ANNOUNCE and ROLE were separate exchanges rather than a namespace
// announce folded into SETUP parameters; the current dialect has
// superseded this with a single PublishNamespace exchange. The relay never
// speaks the legacy dialect: its SETUP selects only VersionCurrent, so a
// legacy-only ClientSetup fails version selection and the connection is
// closed with CodeProtocolViolation. There is no downgrade option.

// ParseAnnounceLegacy parses a legacy ANNOUNCE payload, which carries no
// SetupParameters (the role was already negotiated at SETUP time).
func ParseAnnounceLegacy(data []byte) (Announce, error) {
	r := wire.NewReader(data)
	var a Announce
	var err error
	a.RequestID, err = r.ReadVarint()
	if err != nil {
		return a, parseErr("AnnounceLegacy", "request_id", err)
	}
	a.Namespace, err = r.ReadTuple()
	if err != nil {
		return a, parseErr("AnnounceLegacy", "namespace", err)
	}
	return a, nil
}

// EncodeAnnounceLegacy serializes a legacy ANNOUNCE payload.
func EncodeAnnounceLegacy(a Announce) []byte {
	buf := wire.AppendVarint(nil, a.RequestID)
	return wire.AppendTuple(buf, a.Namespace)
}
