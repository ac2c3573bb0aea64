// Package fanout drains a cache.Reader into a downstream transport
// connection: one Task per (upstream_subscription, downstream_subscription)
// pair, choosing subgroup-stream or datagram delivery from the track's
// observed forwarding preference, reusing one unidirectional stream per
// (group_id, subgroup_id), and emitting SUBSCRIBE_DONE on range
// completion, upstream termination, or subscriber lag.
package fanout
