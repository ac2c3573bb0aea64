package control

// ClientSetup is the first message sent by a MoQT client on the control
// stream.
type ClientSetup struct {
	SupportedVersions []uint64
	Parameters        []SetupParameter
}

// ServerSetup is the server's response, sent only after a valid
// ClientSetup has been received.
type ServerSetup struct {
	SelectedVersion uint64
	Parameters      []SetupParameter
}

// setupPath returns the ParamPath setup parameter, if present. Valid only on
// raw QUIC; a relay that sees it on a WebTransport session treats it as a
// protocol violation.
func setupPath(params []SetupParameter) (string, bool) {
	for _, p := range params {
		if p.Key == ParamPath {
			return string(p.Bytes), true
		}
	}
	return "", false
}

// setupUint64 returns the varint value of the named even-keyed parameter.
func setupUint64(params []SetupParameter, key uint64) (uint64, bool) {
	for _, p := range params {
		if p.Key == key {
			return p.Varint, true
		}
	}
	return 0, false
}

// Announce declares a publisher's intent to offer a namespace. In the
// current dialect this is also known as PublishNamespace; the struct is
// shared since the field layout is identical across both names, only the
// wire type ID for the legacy dialect's ROLE companion differs.
type Announce struct {
	RequestID  uint64
	Namespace  [][]byte
	Parameters []SetupParameter
}

// AnnounceOk acknowledges an Announce.
type AnnounceOk struct {
	RequestID uint64
}

// AnnounceError rejects an Announce.
type AnnounceError struct {
	RequestID    uint64
	Namespace    [][]byte
	ErrorCode    uint64
	ReasonPhrase string
}

// Unannounce withdraws a previously announced namespace.
type Unannounce struct {
	Namespace [][]byte
}

// SubscribeNamespace asks the peer to report every namespace announced
// under a prefix, now and in the future.
type SubscribeNamespace struct {
	RequestID  uint64
	Prefix     [][]byte
	Parameters []SetupParameter
}

// SubscribeNamespaceOk acknowledges a SubscribeNamespace.
type SubscribeNamespaceOk struct {
	RequestID uint64
}

// SubscribeNamespaceError rejects a SubscribeNamespace.
type SubscribeNamespaceError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// UnsubscribeNamespace withdraws interest in a prefix.
type UnsubscribeNamespace struct {
	Prefix [][]byte
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID         uint64
	TrackAlias        uint64
	Namespace         [][]byte
	TrackName         string
	SubscriberPriority uint8
	GroupOrder        GroupOrder
	Forward           ForwardingPreference
	FilterType        FilterType
	StartGroup        uint64 // AbsoluteStart, AbsoluteRange
	StartObject       uint64 // AbsoluteStart, AbsoluteRange
	EndGroup          uint64 // AbsoluteRange only
	Parameters        []SetupParameter
}

// SubscribeOk confirms a subscription.
type SubscribeOk struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64
	GroupOrder    GroupOrder
	ContentExists bool
	LargestGroup  uint64 // only when ContentExists
	LargestObject uint64 // only when ContentExists
	Parameters    []SetupParameter
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID       uint64
	ErrorCode       uint64
	ReasonPhrase    string
	HasTrackAlias   bool
	TrackAliasHint  uint64
}

// Unsubscribe cancels a subscription the sender previously opened.
type Unsubscribe struct {
	SubscribeID uint64
}

// SubscribeDone reports that a subscription will deliver no further
// objects.
type SubscribeDone struct {
	SubscribeID   uint64
	StatusCode    SubscribeDoneStatus
	ReasonPhrase  string
	ContentExists bool
	FinalGroup    uint64 // only when ContentExists
	FinalObject   uint64 // only when ContentExists
}

// MaxRequestID raises the peer's request-ID ceiling mid-session.
type MaxRequestID struct {
	RequestID uint64
}

// GoAway asks the peer to migrate to a new session, optionally at a new
// URI, then close.
type GoAway struct {
	NewSessionURI string
}
