package datastream

import (
	"github.com/cockroachdb/errors"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/wire"
)

// AppendExtensionHeader appends one (type, value) pair to buf. Even types
// carry a length-prefixed byte string; odd types carry a single varint.
func AppendExtensionHeader(buf []byte, h control.ExtensionHeader) []byte {
	buf = wire.AppendVarint(buf, h.Type)
	if h.Type%2 == 0 {
		return wire.AppendBytes(buf, h.Bytes)
	}
	return wire.AppendVarint(buf, h.Varint)
}

// AppendExtensionHeaders encodes a full extension-header vector, preceded
// by its own byte length (the wire form objects actually carry).
func AppendExtensionHeaders(buf []byte, headers []control.ExtensionHeader) []byte {
	var body []byte
	for _, h := range headers {
		body = AppendExtensionHeader(body, h)
	}
	buf = wire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// ParseExtensionHeaders decodes a byte blob containing a sequence of
// (type, value) pairs back-to-back, stopping when the blob is exhausted.
// The blob's own length was already consumed by the caller (it precedes
// the blob on the wire as a varint).
func ParseExtensionHeaders(data []byte) ([]control.ExtensionHeader, error) {
	r := wire.NewReader(data)
	var headers []control.ExtensionHeader
	for r.Len() > 0 {
		typ, err := r.ReadVarint()
		if err != nil {
			return nil, errors.Wrap(err, "extension header type")
		}
		if typ%2 == 0 {
			b, err := r.ReadBytes()
			if err != nil {
				return nil, errors.Wrap(err, "extension header bytes value")
			}
			headers = append(headers, control.ExtensionHeader{Type: typ, Bytes: b})
		} else {
			v, err := r.ReadVarint()
			if err != nil {
				return nil, errors.Wrap(err, "extension header varint value")
			}
			headers = append(headers, control.ExtensionHeader{Type: typ, Varint: v})
		}
	}
	return headers, nil
}
