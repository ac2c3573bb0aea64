package relation

import "github.com/zsiec/moqrelay/control"

// SessionID identifies a session to the relation manager. Callers pass
// session.Session.ID() (an xid string).
type SessionID string

// SubKey identifies one subscription, upstream or downstream, by the
// session that owns it and the subscribe_id it was assigned within that
// session.
type SubKey struct {
	Session     SessionID
	SubscribeID uint64
}

// SubscriptionState is the per-subscription state machine of spec §4.6.
type SubscriptionState int

const (
	StateRequesting SubscriptionState = iota
	StateActive
	StateTerminated
)

func (s SubscriptionState) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Range bounds a subscription's replay, matching control.Subscribe's
// optional start/end fields. A nil pointer is "not present".
type Range struct {
	StartGroup  *uint64
	StartObject *uint64
	EndGroup    *uint64
}

// UpstreamSubscribeRequest describes a relay-initiated SUBSCRIBE sent to
// a publisher's session when no existing upstream subscription can be
// reused for the track.
type UpstreamSubscribeRequest struct {
	Namespace  [][]byte
	TrackName  string
	Priority   uint8
	GroupOrder control.GroupOrder
	FilterType control.FilterType
	Range      Range
}

// DownstreamSubscribeRequest describes a SUBSCRIBE received from a
// subscriber, already carrying the subscribe_id and track_alias the
// subscriber chose for itself.
type DownstreamSubscribeRequest struct {
	SubscribeID uint64
	TrackAlias  uint64
	Namespace   [][]byte
	TrackName   string
	Priority    uint8
	GroupOrder  control.GroupOrder
	FilterType  control.FilterType
	Range       Range
}

type upstreamSub struct {
	key           SubKey
	track         trackKey
	trackAlias    uint64
	priority      uint8
	groupOrder    control.GroupOrder
	filterType    control.FilterType
	rng           Range
	state         SubscriptionState
	forwarding    control.ForwardingPreference
	forwardingSet bool
	downstreams   map[SubKey]struct{}
}

type downstreamSub struct {
	key           SubKey
	track         trackKey
	trackAlias    uint64
	priority      uint8
	groupOrder    control.GroupOrder
	filterType    control.FilterType
	rng           Range
	state         SubscriptionState
	forwarding    control.ForwardingPreference
	forwardingSet bool
	upstream      SubKey
	paired        bool
	objectStart   ObjectStart
	objectStartOK bool
}

// ObjectStart is the first object actually delivered to a downstream
// subscriber, recorded for diagnostic/range reporting (§3).
type ObjectStart struct {
	GroupID  uint64
	ObjectID uint64
}

type namespaceRecord struct {
	tuple     [][]byte
	publisher SessionID
}

type prefixRecord struct {
	tuple       [][]byte
	subscribers map[SessionID]struct{}
}

type sessionEntry struct {
	maxSubscribeID uint64
	announced      map[string]struct{}
	prefixes       map[string]struct{}
	subscribeIDs   map[uint64]struct{}
	trackAliases   map[uint64]struct{}
}

type trackKey struct {
	namespace string
	name      string
}
