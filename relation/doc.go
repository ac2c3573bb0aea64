// Package relation implements the subscription relation manager: the
// namespace-to-publisher and prefix-to-subscriber tables, upstream/
// downstream subscription pairing, track-alias and subscribe-id
// uniqueness, and the cascade cleanup that runs when a session or a
// namespace goes away.
//
// A Manager owns no I/O. It is pure bookkeeping, guarded by a single
// RWMutex, called by the session and relay layers on every control
// message that changes the pub/sub graph. Callers that need to notify
// peers as a result of a Manager call (forwarding a PublishNamespace to
// a newly matched subscriber, sending SubscribeDone to a cascade of
// terminated downstreams) do that I/O themselves, using the session or
// subscribe-id lists a Manager method returns.
package relation
