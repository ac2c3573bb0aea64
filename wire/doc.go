// Package wire implements the QUIC-style variable-length integer codec and
// the length-prefixed byte/string encoding that every MoQT control message
// and data-stream header is built from. It contains no message-specific
// logic; those live in [github.com/zsiec/moqrelay/control] and
// [github.com/zsiec/moqrelay/datastream].
package wire
