package cache

import "github.com/cockroachdb/errors"

var (
	// ErrPreferenceConflict is returned by Track.RecordHeader when a track's
	// first observed forwarding preference (subgroup vs datagram) is
	// contradicted by a later data message.
	ErrPreferenceConflict = errors.New("cache: forwarding preference conflict")
	// ErrSubscriberLagged is surfaced by a Reader when its caller fails to
	// keep up and the track's retained groups have rotated past what it
	// still needed to deliver.
	ErrSubscriberLagged = errors.New("cache: subscriber lagged behind retained groups")
	// ErrInvalidRange is returned when a Reader is constructed with a
	// filter-type/range combination spec.md §4.4 does not define (for
	// example AbsoluteStart with no start group).
	ErrInvalidRange = errors.New("cache: invalid filter range")
)
