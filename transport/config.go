package transport

import "time"

// moqIdleTimeout bounds how long a session may sit with no traffic before
// the transport tears it down; it is shorter than most QUIC defaults since
// a MoQT relay would rather reclaim a dead session's cache entries than
// hold them open speculatively.
const moqIdleTimeout = 30 * time.Second
