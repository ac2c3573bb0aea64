// Package relay wires transport, session, relation, cache, and fanout
// into a complete MoQT relay: Server accepts WebTransport sessions,
// negotiates SETUP, and dispatches every control message spec.md §6
// defines to the relation manager, object cache, and fan-out engine.
package relay
