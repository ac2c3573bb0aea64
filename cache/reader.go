package cache

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/zsiec/moqrelay/control"
)

// Reader is the lazy, restartable-from-snapshot object sequence spec.md
// §4.4 and §9 describe: Next blocks until an object is available, the
// range completes, or ctx is cancelled.
type Reader struct {
	track  *Track
	filter control.FilterType
	order  control.GroupOrder

	hasStart    bool
	startGroup  uint64
	startObject uint64
	bounded     bool
	endGroup    uint64

	liveOnly bool

	haveCursor       bool
	cursorGroup      uint64
	cursorObject     uint64
	cursorArrivalSeq uint64
	done             bool
}

// NewReader constructs a Reader over track for the given filter. start*
// and end are interpreted per spec.md §6: AbsoluteStart requires
// startGroup/startObject; AbsoluteRange additionally requires endGroup.
func NewReader(track *Track, filter control.FilterType, order control.GroupOrder, startGroup, startObject, endGroup *uint64) (*Reader, error) {
	if !filter.Valid() {
		return nil, errors.Wrapf(ErrInvalidRange, "filter_type %d", filter)
	}
	r := &Reader{track: track, filter: filter, order: order}
	switch filter {
	case control.FilterLatestObject:
		r.liveOnly = true
	case control.FilterLatestGroup:
		// start_group is seeded lazily in tryNext, once a latest group
		// exists, rather than here: the track may have no objects yet.
	case control.FilterAbsoluteStart:
		if startGroup == nil || startObject == nil {
			return nil, errors.Wrap(ErrInvalidRange, "AbsoluteStart requires start_group and start_object")
		}
		r.hasStart = true
		r.startGroup, r.startObject = *startGroup, *startObject
	case control.FilterAbsoluteRange:
		if startGroup == nil || startObject == nil || endGroup == nil {
			return nil, errors.Wrap(ErrInvalidRange, "AbsoluteRange requires start_group, start_object and end_group")
		}
		r.hasStart = true
		r.startGroup, r.startObject = *startGroup, *startObject
		r.bounded = true
		r.endGroup = *endGroup
	}
	return r, nil
}

// Next returns the next object in delivery order, blocking until one is
// available. It returns (_, false, nil) when an AbsoluteRange reader has
// delivered its end_group. It returns (_, false, ErrSubscriberLagged) if
// the track's cache has evicted groups this reader still needed, and
// (_, false, ctx.Err()) if ctx is cancelled first.
func (r *Reader) Next(ctx context.Context) (Object, bool, error) {
	for {
		if r.done {
			return Object{}, false, nil
		}

		obj, ok, err := r.tryNext()
		if ok {
			return obj, true, nil
		}
		if err != nil {
			r.done = true
			if errors.Is(err, errReaderComplete) {
				return Object{}, false, nil
			}
			return Object{}, false, err
		}

		ch := r.track.waitChan()
		select {
		case <-ch:
		case <-ctx.Done():
			return Object{}, false, ctx.Err()
		}
	}
}

// errReaderComplete is tryNext's internal signal that a bounded reader
// has delivered everything it ever will; Next translates it to a clean
// (_, false, nil) end of sequence.
var errReaderComplete = errors.New("cache: reader complete")

// tryNext attempts one delivery without blocking.
func (r *Reader) tryNext() (obj Object, ok bool, err error) {
	r.track.mu.RLock()
	defer r.track.mu.RUnlock()

	if r.liveOnly && !r.haveCursor {
		if gid, oid, have := r.track.latestLocked(); have {
			r.cursorGroup, r.cursorObject, r.haveCursor = gid, oid, true
			if g := r.track.groups[gid]; g != nil {
				r.cursorArrivalSeq = g.arrivalSeq
			}
		}
	}

	if r.filter == control.FilterLatestGroup && !r.hasStart {
		if gid, _, have := r.track.latestLocked(); have {
			r.hasStart = true
			r.startGroup = gid
		}
	}

	if r.haveCursor {
		if floor, have := r.track.evictedFloorLocked(); have && floor >= r.cursorArrivalSeq {
			return Object{}, false, ErrSubscriberLagged
		}
	}

	candidates := r.candidateGroupIDsLocked()
	for _, gid := range candidates {
		if r.hasStart && !r.groupInRangeLocked(gid) {
			continue
		}
		if !r.isAfterCursorLocked(gid) {
			continue
		}
		g := r.track.groups[gid]
		if g == nil {
			continue
		}
		floor, haveFloor := r.objectFloorLocked(gid)
		for _, o := range g.objects {
			if haveFloor && o.ObjectID <= floor {
				continue
			}
			r.cursorGroup, r.cursorObject, r.cursorArrivalSeq, r.haveCursor = gid, o.ObjectID, g.arrivalSeq, true
			return o, true, nil
		}
	}

	if r.bounded && r.endGroupFullyEvaluatedLocked() {
		return Object{}, false, errReaderComplete
	}
	return Object{}, false, nil
}

// groupInRangeLocked applies the numeric [start_group, end_group] bound,
// independent of traversal direction.
func (r *Reader) groupInRangeLocked(gid uint64) bool {
	if r.hasStart && gid < r.startGroup {
		return false
	}
	if r.bounded && gid > r.endGroup {
		return false
	}
	return true
}

// objectFloorLocked returns the object_id below which gid's objects have
// already been delivered (or are out of range for the reader's start).
func (r *Reader) objectFloorLocked(gid uint64) (uint64, bool) {
	if r.haveCursor && gid == r.cursorGroup {
		return r.cursorObject, true
	}
	if !r.haveCursor && r.hasStart && gid == r.startGroup {
		// AbsoluteStart/AbsoluteRange: the floor is start_object - 1,
		// i.e. objects >= start_object are in range.
		if r.startObject == 0 {
			return 0, false
		}
		return r.startObject - 1, true
	}
	return 0, false
}

// isAfterCursorLocked reports whether gid is reachable from the reader's
// current cursor in its traversal direction (or is the starting group,
// if no cursor yet).
func (r *Reader) isAfterCursorLocked(gid uint64) bool {
	if !r.haveCursor {
		return true
	}
	if gid == r.cursorGroup {
		return true
	}
	switch r.order {
	case control.GroupOrderDescending:
		return gid < r.cursorGroup
	case control.GroupOrderPublisher:
		cur, ok := r.track.groups[r.cursorGroup]
		g, ok2 := r.track.groups[gid]
		if !ok || !ok2 {
			return false
		}
		return g.arrivalSeq > cur.arrivalSeq
	default: // GroupOrderAscending
		return gid > r.cursorGroup
	}
}

// candidateGroupIDsLocked returns every known group id in this reader's
// traversal order.
func (r *Reader) candidateGroupIDsLocked() []uint64 {
	switch r.order {
	case control.GroupOrderDescending:
		ids := make([]uint64, len(r.track.groupsSorted))
		n := len(r.track.groupsSorted)
		for i, gid := range r.track.groupsSorted {
			ids[n-1-i] = gid
		}
		return ids
	case control.GroupOrderPublisher:
		return r.track.arrivalOrder
	default:
		return r.track.groupsSorted
	}
}

// endGroupFullyEvaluatedLocked reports whether a bounded reader's cursor
// sits in end_group, i.e. it has delivered at least one object of
// end_group and tryNext found no further known object in range. Objects
// of end_group that arrive after that point are not delivered, and a
// range whose end_group never receives an object does not complete.
func (r *Reader) endGroupFullyEvaluatedLocked() bool {
	return r.haveCursor && r.cursorGroup == r.endGroup
}
