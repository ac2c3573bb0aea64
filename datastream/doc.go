// Package datastream implements the data-plane wire framing: the
// subgroup-stream header and per-object framing carried on unidirectional
// streams, the single-object datagram framing, and the extension-header
// vector shared by both. Control-plane messages live in
// [github.com/zsiec/moqrelay/control]; this package only ever sees opaque
// payload bytes.
package datastream
