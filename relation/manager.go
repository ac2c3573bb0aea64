package relation

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/wire"
)

// Manager holds every mapping table of spec.md §3: announced namespaces,
// subscribed prefixes, the upstream/downstream pairing, and per-session
// id bookkeeping. One Manager is shared, by reference, across every
// session a relay serves.
type Manager struct {
	mu sync.RWMutex

	sessions   map[SessionID]*sessionEntry
	namespaces map[string]namespaceRecord
	prefixes   map[string]prefixRecord
	upstream   map[trackKey]*upstreamSub
	upstreams  map[SubKey]*upstreamSub
	downstream map[SubKey]*downstreamSub

	nextTrackAlias atomic.Uint64
	sf             singleflight.Group
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:   make(map[SessionID]*sessionEntry),
		namespaces: make(map[string]namespaceRecord),
		prefixes:   make(map[string]prefixRecord),
		upstream:   make(map[trackKey]*upstreamSub),
		upstreams:  make(map[SubKey]*upstreamSub),
		downstream: make(map[SubKey]*downstreamSub),
	}
}

func tupleKey(tuple [][]byte) string {
	var buf []byte
	for _, part := range tuple {
		buf = wire.AppendBytes(buf, part)
	}
	return string(buf)
}

func trackKeyFor(namespace [][]byte, name string) trackKey {
	return trackKey{namespace: tupleKey(namespace), name: name}
}

// SetupPublisher registers a session as a publisher with the given
// advertised MaxSubscribeID ceiling.
func (m *Manager) SetupPublisher(session SessionID, maxSubscribeID uint64) {
	m.setupSession(session, maxSubscribeID)
}

// SetupSubscriber registers a session as a subscriber with the given
// advertised MaxSubscribeID ceiling.
func (m *Manager) SetupSubscriber(session SessionID, maxSubscribeID uint64) {
	m.setupSession(session, maxSubscribeID)
}

func (m *Manager) setupSession(session SessionID, maxSubscribeID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session] = &sessionEntry{
		maxSubscribeID: maxSubscribeID,
		announced:      make(map[string]struct{}),
		prefixes:       make(map[string]struct{}),
		subscribeIDs:   make(map[uint64]struct{}),
		trackAliases:   make(map[uint64]struct{}),
	}
}

// RaiseMaxSubscribeID is consumed on a MAX_REQUEST_ID follow-up: it
// raises a session's concurrent-subscribe ceiling without a new
// handshake.
func (m *Manager) RaiseMaxSubscribeID(session SessionID, maxSubscribeID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, ok := m.sessions[session]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "session %q", session)
	}
	if maxSubscribeID > se.maxSubscribeID {
		se.maxSubscribeID = maxSubscribeID
	}
	return nil
}

// Announce records session as the publisher of namespace. It fails
// AlreadyAnnounced if a different session already owns it; re-announcing
// from the same session is idempotent.
func (m *Manager) Announce(session SessionID, namespace [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tupleKey(namespace)
	if existing, ok := m.namespaces[key]; ok && existing.publisher != session {
		return errors.Wrapf(ErrAlreadyAnnounced, "namespace already announced by %q", existing.publisher)
	}
	m.namespaces[key] = namespaceRecord{tuple: namespace, publisher: session}
	if se, ok := m.sessions[session]; ok {
		se.announced[key] = struct{}{}
	}
	return nil
}

// Unannounce removes the namespace mapping and reports which subscribed
// sessions held a matching prefix, so the caller can notify them. It does
// not terminate subscriptions opened through the namespace, and neither
// does the relay's UNANNOUNCE handler; DeleteSession removes them when the
// publisher's session is deleted.
func (m *Manager) Unannounce(session SessionID, namespace [][]byte) ([]SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unannounceLocked(session, namespace)
}

func (m *Manager) unannounceLocked(session SessionID, namespace [][]byte) ([]SessionID, error) {
	key := tupleKey(namespace)
	rec, ok := m.namespaces[key]
	if !ok || rec.publisher != session {
		return nil, errors.Wrapf(ErrNotAnnounced, "namespace not announced by %q", session)
	}
	delete(m.namespaces, key)
	if se, ok := m.sessions[session]; ok {
		delete(se.announced, key)
	}

	var affected []SessionID
	for _, pr := range m.prefixes {
		if !strings.HasPrefix(key, pr.tuple2Key()) {
			continue
		}
		for sub := range pr.subscribers {
			affected = append(affected, sub)
		}
	}
	return affected, nil
}

func (p prefixRecord) tuple2Key() string { return tupleKey(p.tuple) }

// SubscribePrefix records session as interested in every namespace whose
// tuple starts with prefix, and returns the namespaces already announced
// that match, so the caller can replay PublishNamespace for each.
func (m *Manager) SubscribePrefix(session SessionID, prefix [][]byte) [][][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tupleKey(prefix)
	pr, ok := m.prefixes[key]
	if !ok {
		pr = prefixRecord{tuple: prefix, subscribers: make(map[SessionID]struct{})}
	}
	pr.subscribers[session] = struct{}{}
	m.prefixes[key] = pr
	if se, ok := m.sessions[session]; ok {
		se.prefixes[key] = struct{}{}
	}

	return m.matchPrefixLocked(key)
}

// UnsubscribePrefix removes session's interest in prefix.
func (m *Manager) UnsubscribePrefix(session SessionID, prefix [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tupleKey(prefix)
	if pr, ok := m.prefixes[key]; ok {
		delete(pr.subscribers, session)
		if len(pr.subscribers) == 0 {
			delete(m.prefixes, key)
		}
	}
	if se, ok := m.sessions[session]; ok {
		delete(se.prefixes, key)
	}
}

// MatchPrefix returns every announced namespace tuple whose encoding
// starts with prefix's encoding.
func (m *Manager) MatchPrefix(prefix [][]byte) [][][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matchPrefixLocked(tupleKey(prefix))
}

func (m *Manager) matchPrefixLocked(prefixKey string) [][][]byte {
	var out [][][]byte
	for nsKey, rec := range m.namespaces {
		if strings.HasPrefix(nsKey, prefixKey) {
			out = append(out, rec.tuple)
		}
	}
	return out
}

// MatchNamespace returns every session whose subscribed prefix covers
// namespace.
func (m *Manager) MatchNamespace(namespace [][]byte) []SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nsKey := tupleKey(namespace)
	var out []SessionID
	for prefixKey, pr := range m.prefixes {
		if !strings.HasPrefix(nsKey, prefixKey) {
			continue
		}
		for sub := range pr.subscribers {
			out = append(out, sub)
		}
	}
	return out
}

// UpstreamSessionFor returns the publisher session for namespace, if
// announced.
func (m *Manager) UpstreamSessionFor(namespace [][]byte) (SessionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.namespaces[tupleKey(namespace)]
	return rec.publisher, ok
}

// IsTrackExisting reports whether an upstream subscription already
// tracks (namespace, name) — i.e. a publisher has been subscribed to for
// it.
func (m *Manager) IsTrackExisting(namespace [][]byte, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.upstream[trackKeyFor(namespace, name)]
	return ok
}

// OpenUpstreamSubscription returns the (subscribe_id, track_alias) pair
// for an upstream subscription to (req.Namespace, req.TrackName),
// reusing an existing one if this relay already subscribes to that
// track. When none exists, doSubscribe is called — at most once even
// under concurrent callers for the same track, via singleflight — to
// perform the actual upstream SUBSCRIBE and obtain the allocated
// subscribe_id; the track_alias is this relay's own allocation.
func (m *Manager) OpenUpstreamSubscription(
	upstreamSession SessionID,
	req UpstreamSubscribeRequest,
	doSubscribe func(trackAlias uint64) (subscribeID uint64, err error),
) (subscribeID, trackAlias uint64, reused bool, err error) {
	tk := trackKeyFor(req.Namespace, req.TrackName)

	m.mu.RLock()
	if existing, ok := m.upstream[tk]; ok {
		m.mu.RUnlock()
		return existing.key.SubscribeID, existing.trackAlias, true, nil
	}
	m.mu.RUnlock()

	type result struct {
		subscribeID uint64
		trackAlias  uint64
	}
	v, err, shared := m.sf.Do(tk.namespace+"\x00"+tk.name, func() (interface{}, error) {
		m.mu.RLock()
		if existing, ok := m.upstream[tk]; ok {
			m.mu.RUnlock()
			return result{existing.key.SubscribeID, existing.trackAlias}, nil
		}
		m.mu.RUnlock()

		alias := m.nextTrackAlias.Add(1)
		subID, err := doSubscribe(alias)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		key := SubKey{Session: upstreamSession, SubscribeID: subID}
		us := &upstreamSub{
			key:         key,
			track:       tk,
			trackAlias:  alias,
			priority:    req.Priority,
			groupOrder:  req.GroupOrder,
			filterType:  req.FilterType,
			rng:         req.Range,
			state:       StateRequesting,
			downstreams: make(map[SubKey]struct{}),
		}
		m.upstream[tk] = us
		m.upstreams[key] = us
		if se, ok := m.sessions[upstreamSession]; ok {
			se.subscribeIDs[subID] = struct{}{}
			se.trackAliases[alias] = struct{}{}
		}
		m.mu.Unlock()

		return result{subID, alias}, nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	r := v.(result)
	return r.subscribeID, r.trackAlias, shared, nil
}

// OpenDownstreamSubscription validates and records a downstream-chosen
// subscribe_id/track_alias pair.
func (m *Manager) OpenDownstreamSubscription(session SessionID, req DownstreamSubscribeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, ok := m.sessions[session]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "session %q", session)
	}
	if req.SubscribeID >= se.maxSubscribeID {
		return errors.Wrapf(ErrSessionExhausted, "subscribe_id %d >= max %d", req.SubscribeID, se.maxSubscribeID)
	}
	if _, dup := se.subscribeIDs[req.SubscribeID]; dup {
		return errors.Wrapf(ErrDuplicateSubscribeID, "subscribe_id %d", req.SubscribeID)
	}
	if _, dup := se.trackAliases[req.TrackAlias]; dup {
		return errors.Wrapf(ErrDuplicateTrackAlias, "track_alias %d", req.TrackAlias)
	}

	key := SubKey{Session: session, SubscribeID: req.SubscribeID}
	m.downstream[key] = &downstreamSub{
		key:        key,
		track:      trackKeyFor(req.Namespace, req.TrackName),
		trackAlias: req.TrackAlias,
		priority:   req.Priority,
		groupOrder: req.GroupOrder,
		filterType: req.FilterType,
		rng:        req.Range,
		state:      StateRequesting,
	}
	se.subscribeIDs[req.SubscribeID] = struct{}{}
	se.trackAliases[req.TrackAlias] = struct{}{}
	return nil
}

// Pair records that downstream's data comes from upstream, and adds
// downstream to upstream's fan-out set (§3's pubsub_relation table).
func (m *Manager) Pair(upstream, downstream SubKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	us, ok := m.upstreams[upstream]
	if !ok {
		return errors.Wrapf(ErrUnknownSubscription, "upstream %+v", upstream)
	}
	ds, ok := m.downstream[downstream]
	if !ok {
		return errors.Wrapf(ErrUnknownSubscription, "downstream %+v", downstream)
	}
	us.downstreams[downstream] = struct{}{}
	ds.upstream = upstream
	ds.paired = true
	return nil
}

// Unpair reverses Pair, without deleting either subscription.
func (m *Manager) Unpair(upstream, downstream SubKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if us, ok := m.upstreams[upstream]; ok {
		delete(us.downstreams, downstream)
	}
	if ds, ok := m.downstream[downstream]; ok && ds.upstream == upstream {
		ds.paired = false
	}
}

// ActivateUpstream transitions an upstream subscription Requesting ->
// Active on receipt of its SubscribeOk. It returns false if the
// subscription was already Active (no-op) and an error if unknown.
func (m *Manager) ActivateUpstream(key SubKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.upstreams[key]
	if !ok {
		return false, errors.Wrapf(ErrUnknownSubscription, "upstream %+v", key)
	}
	if us.state == StateActive {
		return false, nil
	}
	us.state = StateActive
	return true, nil
}

// ActivateDownstream is the downstream counterpart of ActivateUpstream.
func (m *Manager) ActivateDownstream(key SubKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.downstream[key]
	if !ok {
		return false, errors.Wrapf(ErrUnknownSubscription, "downstream %+v", key)
	}
	if ds.state == StateActive {
		return false, nil
	}
	ds.state = StateActive
	return true, nil
}

// SetUpstreamForwardingPreference sets pref the first time it is
// observed for an upstream subscription's track, and fails
// PreferenceConflict if a later call disagrees.
func (m *Manager) SetUpstreamForwardingPreference(key SubKey, pref control.ForwardingPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.upstreams[key]
	if !ok {
		return errors.Wrapf(ErrUnknownSubscription, "upstream %+v", key)
	}
	return setForwardingPreference(&us.forwarding, &us.forwardingSet, pref)
}

// SetDownstreamForwardingPreference is the downstream counterpart.
func (m *Manager) SetDownstreamForwardingPreference(key SubKey, pref control.ForwardingPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.downstream[key]
	if !ok {
		return errors.Wrapf(ErrUnknownSubscription, "downstream %+v", key)
	}
	return setForwardingPreference(&ds.forwarding, &ds.forwardingSet, pref)
}

func setForwardingPreference(cur *control.ForwardingPreference, set *bool, pref control.ForwardingPreference) error {
	if !*set {
		*cur = pref
		*set = true
		return nil
	}
	if *cur != pref {
		return errors.Wrapf(ErrPreferenceConflict, "have %v, got %v", *cur, pref)
	}
	return nil
}

// UpstreamForwardingPreference returns the observed preference, if set.
func (m *Manager) UpstreamForwardingPreference(key SubKey) (control.ForwardingPreference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us, ok := m.upstreams[key]
	if !ok || !us.forwardingSet {
		return control.ForwardingUnset, false
	}
	return us.forwarding, true
}

// RelatedSubscribers returns every downstream subscription fed by an
// upstream subscription.
func (m *Manager) RelatedSubscribers(upstream SubKey) []SubKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us, ok := m.upstreams[upstream]
	if !ok {
		return nil
	}
	out := make([]SubKey, 0, len(us.downstreams))
	for k := range us.downstreams {
		out = append(out, k)
	}
	return out
}

// RelatedPublisher returns the upstream subscription feeding a
// downstream one.
func (m *Manager) RelatedPublisher(downstream SubKey) (SubKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.downstream[downstream]
	if !ok || !ds.paired {
		return SubKey{}, false
	}
	return ds.upstream, true
}

// RecordObjectStart records the first object actually delivered to a
// downstream subscriber.
func (m *Manager) RecordObjectStart(downstream SubKey, start ObjectStart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.downstream[downstream]; ok && !ds.objectStartOK {
		ds.objectStart = start
		ds.objectStartOK = true
	}
}

// ObjectStart returns the first object delivered to downstream, if any.
func (m *Manager) ObjectStart(downstream SubKey) (ObjectStart, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.downstream[downstream]
	if !ok || !ds.objectStartOK {
		return ObjectStart{}, false
	}
	return ds.objectStart, true
}

// DeleteUpstreamSubscription removes an upstream subscription and
// returns every downstream it was feeding, so the caller can terminate
// them with SubscribeDone{TrackEnded}.
func (m *Manager) DeleteUpstreamSubscription(key SubKey) ([]SubKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteUpstreamLocked(key)
}

func (m *Manager) deleteUpstreamLocked(key SubKey) ([]SubKey, error) {
	us, ok := m.upstreams[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSubscription, "upstream %+v", key)
	}
	delete(m.upstreams, key)
	delete(m.upstream, us.track)
	if se, ok := m.sessions[key.Session]; ok {
		delete(se.subscribeIDs, key.SubscribeID)
	}
	deps := make([]SubKey, 0, len(us.downstreams))
	for dk := range us.downstreams {
		deps = append(deps, dk)
		if ds, ok := m.downstream[dk]; ok {
			ds.paired = false
		}
	}
	return deps, nil
}

// DeleteDownstreamSubscription removes a downstream subscription and
// unpairs it from its upstream, if paired.
func (m *Manager) DeleteDownstreamSubscription(key SubKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteDownstreamLocked(key)
}

func (m *Manager) deleteDownstreamLocked(key SubKey) error {
	ds, ok := m.downstream[key]
	if !ok {
		return errors.Wrapf(ErrUnknownSubscription, "downstream %+v", key)
	}
	if ds.paired {
		if us, ok := m.upstreams[ds.upstream]; ok {
			delete(us.downstreams, key)
		}
	}
	delete(m.downstream, key)
	if se, ok := m.sessions[key.Session]; ok {
		delete(se.subscribeIDs, key.SubscribeID)
		delete(se.trackAliases, ds.trackAlias)
	}
	return nil
}

// UnannounceNotice pairs a namespace this session had announced with one
// session whose subscribed prefix covered it, so the caller knows both
// who to notify and what namespace the Unannounce names.
type UnannounceNotice struct {
	Namespace [][]byte
	Session   SessionID
}

// DeleteSessionResult reports everything a DeleteSession cascade
// touched, so the caller can send the matching notifications.
type DeleteSessionResult struct {
	// NotifyOfUnannounce are (namespace, session) pairs: sessions
	// subscribed to a prefix covering a namespace this session had
	// announced.
	NotifyOfUnannounce []UnannounceNotice
	// TerminatedUpstream are this session's own upstream subscriptions
	// that were removed.
	TerminatedUpstream []SubKey
	// TerminatedDownstream are this session's own downstream
	// subscriptions that were removed, plus any downstream subscriptions
	// (on other sessions) that were fed by one of this session's
	// upstream subscriptions.
	TerminatedDownstream []SubKey
}

// DeleteSession cascades the removal of every namespace, upstream
// subscription, and downstream subscription owned by session — the
// cleanup hook referenced in spec.md §5 ("dropping a session ... cascades
// ... via the relation manager's cleanup hook").
func (m *Manager) DeleteSession(session SessionID) (DeleteSessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, ok := m.sessions[session]
	if !ok {
		return DeleteSessionResult{}, errors.Wrapf(ErrUnknownSession, "session %q", session)
	}

	var result DeleteSessionResult
	var errs *multierror.Error

	for nsKey := range se.announced {
		rec := m.namespaces[nsKey]
		affected, err := m.unannounceLocked(session, rec.tuple)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, peer := range affected {
			result.NotifyOfUnannounce = append(result.NotifyOfUnannounce, UnannounceNotice{Namespace: rec.tuple, Session: peer})
		}
	}

	for subID := range se.subscribeIDs {
		key := SubKey{Session: session, SubscribeID: subID}
		if _, ok := m.upstreams[key]; ok {
			deps, err := m.deleteUpstreamLocked(key)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			result.TerminatedUpstream = append(result.TerminatedUpstream, key)
			result.TerminatedDownstream = append(result.TerminatedDownstream, deps...)
			continue
		}
		if _, ok := m.downstream[key]; ok {
			if err := m.deleteDownstreamLocked(key); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			result.TerminatedDownstream = append(result.TerminatedDownstream, key)
		}
	}

	for prefixKey := range se.prefixes {
		if pr, ok := m.prefixes[prefixKey]; ok {
			delete(pr.subscribers, session)
			if len(pr.subscribers) == 0 {
				delete(m.prefixes, prefixKey)
			}
		}
	}

	delete(m.sessions, session)
	return result, errs.ErrorOrNil()
}
