// Package transport adapts raw QUIC connections and WebTransport sessions
// to one common [Connection] interface, so [github.com/zsiec/moqrelay/session]
// never has to know which carried the control stream. Raw QUIC negotiates
// ALPN "moq-00" directly; WebTransport rides HTTP/3 and is used behind
// browsers and reverse proxies that only speak HTTP.
package transport
