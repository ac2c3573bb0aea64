package control

// Dialect distinguishes the two wire encodings the negotiated version can
// select: a legacy role-parameter-based ANNOUNCE/ROLE path, and the current
// typed-SetupParameter/PublishNamespace path. Per the design note, these
// are alternative dialects, not a version ladder — there is no attempt to
// guess which one is canonical.
type Dialect int

const (
	// DialectCurrent is the typed-SetupParameter / PublishNamespace wire
	// encoding, selected for VersionCurrent and above.
	DialectCurrent Dialect = iota
	// DialectLegacy is the role-parameter-based ANNOUNCE/ROLE encoding,
	// selected for versions below VersionCurrent.
	DialectLegacy
)

// Protocol versions. VersionCurrent is the only version this relay
// negotiates to; VersionLegacy selects DialectLegacy through
// DialectForVersion for the legacy codec helpers in dialect.go. The relay's
// version selection does not accept VersionLegacy, so a legacy-only peer
// fails SETUP with ErrVersionMismatch and its connection is closed.
const (
	VersionCurrent uint64 = 0xff00000f
	VersionLegacy  uint64 = 0xff00000a
)

// DialectForVersion returns the wire dialect a negotiated version selects.
func DialectForVersion(version uint64) Dialect {
	if version < VersionCurrent {
		return DialectLegacy
	}
	return DialectCurrent
}

// Message type IDs, as varints on the control stream.
const (
	MsgSubscribe              uint64 = 0x03
	MsgSubscribeOk            uint64 = 0x04
	MsgSubscribeError         uint64 = 0x05
	MsgAnnounce               uint64 = 0x06
	MsgAnnounceOk             uint64 = 0x07
	MsgAnnounceError          uint64 = 0x08
	MsgUnannounce             uint64 = 0x09
	MsgUnsubscribe            uint64 = 0x0a
	MsgSubscribeDone          uint64 = 0x0b
	MsgGoAway                 uint64 = 0x10
	MsgSubscribeNamespace     uint64 = 0x11
	MsgSubscribeNamespaceOk   uint64 = 0x12
	MsgSubscribeNamespaceErr  uint64 = 0x13
	MsgUnsubscribeNamespace   uint64 = 0x14
	MsgMaxRequestID           uint64 = 0x15
	MsgClientSetup            uint64 = 0x20
	MsgServerSetup            uint64 = 0x21
)

// Setup parameter keys. Parity is the inverse of the extension-header
// rule: odd keys carry a length-prefixed byte string, even keys carry a
// single varint.
const (
	ParamPath                  uint64 = 0x01
	ParamMaxSubscribeID        uint64 = 0x02
	ParamAuthorizationToken    uint64 = 0x03
	ParamMaxAuthTokenCacheSize uint64 = 0x04
	ParamDeliveryTimeout       uint64 = 0x06
	ParamMOQImplementation     uint64 = 0x07
	// ParamRole is legacy-dialect only: 0=publisher, 1=subscriber, 2=both.
	ParamRole uint64 = 0x00
)

// FilterType selects how a SUBSCRIBE's delivery range is determined.
type FilterType uint64

const (
	FilterLatestGroup    FilterType = 1
	FilterLatestObject   FilterType = 2
	FilterAbsoluteStart  FilterType = 3
	FilterAbsoluteRange  FilterType = 4
)

// Valid reports whether f is one of the four defined filter types.
func (f FilterType) Valid() bool {
	return f >= FilterLatestGroup && f <= FilterAbsoluteRange
}

// GroupOrder selects the order in which groups (not objects within a
// group) are delivered during replay.
type GroupOrder uint8

const (
	GroupOrderPublisher  GroupOrder = 0
	GroupOrderAscending  GroupOrder = 1
	GroupOrderDescending GroupOrder = 2
)

// Valid reports whether g is one of the three defined group orders.
func (g GroupOrder) Valid() bool {
	return g <= GroupOrderDescending
}

// ForwardingPreference is observed from the first data message for a
// track and then fixed for the track's lifetime.
type ForwardingPreference uint8

const (
	ForwardingUnset     ForwardingPreference = 0
	ForwardingSubgroup  ForwardingPreference = 1
	ForwardingDatagram  ForwardingPreference = 2
)

// SubscribeDoneStatus is carried on SubscribeDone.
type SubscribeDoneStatus uint64

const (
	StatusUnsubscribed     SubscribeDoneStatus = 0
	StatusInternalError    SubscribeDoneStatus = 1
	StatusUnauthorized     SubscribeDoneStatus = 2
	StatusTrackEnded       SubscribeDoneStatus = 3
	StatusSubscriptionEnded SubscribeDoneStatus = 4
	StatusGoingAway        SubscribeDoneStatus = 5
	StatusExpired          SubscribeDoneStatus = 6
)

// SubscribeError error codes (distinct namespace from the termination
// codes below — these ride on SUBSCRIBE_ERROR's ErrorCode field, not a
// transport close code).
const (
	SubscribeErrorInternal         uint64 = 0
	SubscribeErrorInvalidRange     uint64 = 1
	SubscribeErrorRetryTrackAlias  uint64 = 2
)

// Termination error codes, sent as the transport close code. Named Code*
// rather than Err* so they don't collide with the sentinel error values
// of the same concern in errors.go.
const (
	CodeNoError              uint64 = 0
	CodeInternalError        uint64 = 1
	CodeUnauthorized         uint64 = 2
	CodeProtocolViolation    uint64 = 3
	CodeGoAway               uint64 = 16
	CodeControlMessageTimeout uint64 = 17
	CodeDataStreamTimeout    uint64 = 18
)

// SetupParameter is a single `(key, value)` pair as seen in ClientSetup,
// ServerSetup, Announce, and SubscribeNamespace payloads. Exactly one of
// Bytes or Varint is meaningful, selected by key parity.
type SetupParameter struct {
	Key    uint64
	Bytes  []byte
	Varint uint64
}

func bytesParam(key uint64, v []byte) SetupParameter { return SetupParameter{Key: key, Bytes: v} }
func varintParam(key uint64, v uint64) SetupParameter { return SetupParameter{Key: key, Varint: v} }

// BytesParam builds an odd-keyed, byte-string-valued SetupParameter.
func BytesParam(key uint64, v []byte) SetupParameter { return bytesParam(key, v) }

// VarintParam builds an even-keyed, varint-valued SetupParameter.
func VarintParam(key uint64, v uint64) SetupParameter { return varintParam(key, v) }

// ParamUint64 returns the varint value of the named even-keyed parameter.
func ParamUint64(params []SetupParameter, key uint64) (uint64, bool) {
	return setupUint64(params, key)
}

// ExtensionHeader is a single `(type, value)` pair on a data-plane object.
// Even types carry Bytes, odd types carry Varint — the opposite parity rule
// from SetupParameter, and kept as a distinct type since it lives in
// datastream framing, not control framing.
type ExtensionHeader struct {
	Type   uint64
	Bytes  []byte
	Varint uint64
}
