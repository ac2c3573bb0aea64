package relation

import "github.com/cockroachdb/errors"

// Sentinel errors, matching the kinds named in spec.md §7 ("subscription
// errors") and §4.3's per-operation failures.
var (
	ErrUnknownSession       = errors.New("relation: unknown session")
	ErrAlreadyAnnounced     = errors.New("relation: namespace already announced by another session")
	ErrNotAnnounced         = errors.New("relation: namespace not announced")
	ErrSessionExhausted     = errors.New("relation: subscribe_id exceeds negotiated max_subscribe_id")
	ErrDuplicateSubscribeID = errors.New("relation: duplicate subscribe_id")
	ErrDuplicateTrackAlias  = errors.New("relation: duplicate track_alias")
	ErrUnknownSubscription  = errors.New("relation: unknown subscription")
	ErrPreferenceConflict   = errors.New("relation: forwarding preference conflict")
	ErrTrackDoesNotExist    = errors.New("relation: track does not exist")
)
