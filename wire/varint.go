package wire

import (
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go/quicvarint"
)

// MaxVarint is the largest value representable by the 62-bit varint
// encoding (2^62 - 1). Writing a value above this is a programmer
// error, not a wire error.
const MaxVarint = uint64(1)<<62 - 1

// ErrInsufficientInput is returned when a read needs more bytes than the
// buffer holds. It never leaves the codec out of sync with a message
// boundary: callers that see it on a sub-read within an already
// length-delimited payload should treat the enclosing message as malformed.
var ErrInsufficientInput = errors.New("wire: insufficient input")

// ErrInvalidUTF8 is returned when a length-prefixed string field does not
// decode as valid UTF-8.
var ErrInvalidUTF8 = errors.New("wire: invalid utf-8")

// ErrVarintOverflow is the value AppendVarint panics with when asked to
// encode a value that does not fit the 62-bit varint space.
var ErrVarintOverflow = errors.New("wire: varint value out of range")

// Reader sequentially decodes varints and length-prefixed byte strings out
// of an in-memory buffer, in the style of the teacher's bufReader: cheap,
// allocation-free advancing of a position rather than an io.Reader
// adapter, since control-message and data-stream payloads are always
// fully buffered before parsing begins.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Remaining returns the unread tail of the buffer without advancing.
func (r *Reader) Remaining() []byte { return r.data[r.pos:] }

// ReadVarint decodes one QUIC-style variable-length integer.
func (r *Reader) ReadVarint() (uint64, error) {
	if r.pos >= len(r.data) {
		return 0, ErrInsufficientInput
	}
	v, n, err := quicvarint.Parse(r.data[r.pos:])
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "read varint"), ErrInsufficientInput)
	}
	r.pos += n
	return v, nil
}

// ReadByte reads a single fixed-width byte (used for priority, group-order,
// and forwarding-preference fields, which are not varint-encoded).
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrInsufficientInput
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadFixed reads n raw bytes without any length prefix.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, ErrInsufficientInput
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytes reads a varint length followed by that many raw bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	return r.ReadFixed(int(length))
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// ReadTuple reads a varint count followed by that many length-prefixed byte
// strings — the wire shape of a track namespace (spec's "tuple namespace").
func (r *Reader) ReadTuple() ([][]byte, error) {
	count, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, count)
	for i := range parts {
		b, err := r.ReadBytes()
		if err != nil {
			return nil, errors.Wrapf(err, "tuple element %d", i)
		}
		parts[i] = b
	}
	return parts, nil
}

// AppendVarint appends v to buf using the QUIC variable-length encoding.
func AppendVarint(buf []byte, v uint64) []byte {
	if v > MaxVarint {
		panic(ErrVarintOverflow)
	}
	return quicvarint.Append(buf, v)
}

// AppendBytes appends a varint length prefix followed by data.
func AppendBytes(buf []byte, data []byte) []byte {
	buf = AppendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

// AppendString appends a varint length prefix followed by s's UTF-8 bytes.
func AppendString(buf []byte, s string) []byte {
	return AppendBytes(buf, []byte(s))
}

// AppendTuple appends a namespace tuple: varint count then each element
// length-prefixed.
func AppendTuple(buf []byte, parts [][]byte) []byte {
	buf = AppendVarint(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = AppendBytes(buf, p)
	}
	return buf
}

// VarintLen reports the number of bytes AppendVarint would write for v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}
