package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/zsiec/moqrelay/control"
)

// Track is the per-track_alias cache: groups keyed by group_id, plus the
// bookkeeping a Reader needs to replay or tail them.
type Track struct {
	mu sync.RWMutex

	alias uint64

	groups       map[uint64]*group
	groupsSorted []uint64 // ascending group_id, kept in sync with groups
	arrivalOrder []uint64 // group_id in the order first observed

	nextArrivalSeq uint64
	latestGroupID  uint64
	latestObjectID uint64
	haveLatest     bool

	// evictedFloor is the highest arrivalSeq among groups Evict has ever
	// dropped. A Reader whose cursor sits at or below this floor has
	// fallen behind the retained window and is lagged.
	evictedFloor    uint64
	haveEvictedFloor bool

	forwarding    control.ForwardingPreference
	forwardingSet bool

	notify chan struct{}
}

func newTrack(alias uint64) *Track {
	return &Track{
		alias:  alias,
		groups: make(map[uint64]*group),
		notify: make(chan struct{}),
	}
}

// RecordHeader observes a track's forwarding preference from the first
// data message (subgroup header or datagram) received for it. It is
// idempotent; a later call with a different preference fails
// ErrPreferenceConflict.
func (t *Track) RecordHeader(pref control.ForwardingPreference) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.forwardingSet {
		t.forwarding = pref
		t.forwardingSet = true
		return nil
	}
	if t.forwarding != pref {
		return ErrPreferenceConflict
	}
	return nil
}

// ForwardingPreference returns the observed preference, if any.
func (t *Track) ForwardingPreference() (control.ForwardingPreference, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.forwarding, t.forwardingSet
}

// RecordObject appends obj to its group (creating the group on first
// sight), updates the latest pointer, and wakes every waiting Reader.
// lifetime is the advisory retention hint from spec.md §4.4; the actual
// eviction decision is made by Evict.
func (t *Track) RecordObject(obj Object, lifetime time.Duration) {
	t.mu.Lock()

	g, ok := t.groups[obj.GroupID]
	if !ok {
		g = &group{id: obj.GroupID, arrivalSeq: t.nextArrivalSeq, createdAt: time.Now(), lifetime: lifetime}
		t.nextArrivalSeq++
		t.groups[obj.GroupID] = g
		t.arrivalOrder = append(t.arrivalOrder, obj.GroupID)
		i := sort.Search(len(t.groupsSorted), func(i int) bool { return t.groupsSorted[i] >= obj.GroupID })
		t.groupsSorted = append(t.groupsSorted, 0)
		copy(t.groupsSorted[i+1:], t.groupsSorted[i:])
		t.groupsSorted[i] = obj.GroupID
	}
	g.insert(obj)

	if !t.haveLatest || obj.GroupID > t.latestGroupID ||
		(obj.GroupID == t.latestGroupID && obj.ObjectID > t.latestObjectID) {
		t.latestGroupID = obj.GroupID
		t.latestObjectID = obj.ObjectID
		t.haveLatest = true
	}

	ch := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(ch)
}

// Latest returns the most recently recorded (group_id, object_id), if
// any object has been recorded yet.
func (t *Track) Latest() (groupID, objectID uint64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latestLocked()
}

func (t *Track) latestLocked() (groupID, objectID uint64, ok bool) {
	return t.latestGroupID, t.latestObjectID, t.haveLatest
}

func (t *Track) evictedFloorLocked() (uint64, bool) {
	return t.evictedFloor, t.haveEvictedFloor
}

// waitChan returns the channel closed on the next RecordObject call.
func (t *Track) waitChan() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.notify
}

// retainedGroupsLocked returns the two highest-arrivalSeq group ids,
// which Evict never removes regardless of lifetime (spec.md §4.4: "the
// cache retains at least the latest group until the next group
// arrives").
func (t *Track) retainedGroupsLocked() map[uint64]struct{} {
	keep := make(map[uint64]struct{}, 2)
	if n := len(t.arrivalOrder); n > 0 {
		keep[t.arrivalOrder[n-1]] = struct{}{}
		if n > 1 {
			keep[t.arrivalOrder[n-2]] = struct{}{}
		}
	}
	return keep
}

// Evict removes groups older than their recorded lifetime, except the
// latest and second-latest by arrival order.
func (t *Track) Evict(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := t.retainedGroupsLocked()
	var survivingArrival []uint64
	for _, gid := range t.arrivalOrder {
		g := t.groups[gid]
		if g == nil {
			continue
		}
		if _, protected := keep[gid]; protected {
			survivingArrival = append(survivingArrival, gid)
			continue
		}
		if g.lifetime > 0 && now.Sub(g.createdAt) > g.lifetime {
			if !t.haveEvictedFloor || g.arrivalSeq > t.evictedFloor {
				t.evictedFloor = g.arrivalSeq
				t.haveEvictedFloor = true
			}
			delete(t.groups, gid)
			continue
		}
		survivingArrival = append(survivingArrival, gid)
	}
	t.arrivalOrder = survivingArrival

	survivingSorted := t.groupsSorted[:0]
	for _, gid := range t.groupsSorted {
		if _, ok := t.groups[gid]; ok {
			survivingSorted = append(survivingSorted, gid)
		}
	}
	t.groupsSorted = survivingSorted
}
