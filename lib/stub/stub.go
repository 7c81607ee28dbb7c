// Package stub encodes method invocations and their replies inside Call and
// Return payloads. Both are small protobuf-wire messages:
//
//	invocation: 1 method (varint), 2 args (bytes)
//	reply:      1 code (zigzag varint), 2 body (bytes)
//
// An empty Return payload is how the pipe reports a failed call, so an
// empty reply decodes as ErrEmptyReply rather than as success.
package stub

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

const (
	fieldMethod protowire.Number = 1
	fieldArgs   protowire.Number = 2
	fieldCode   protowire.Number = 1
	fieldBody   protowire.Number = 2
)

var (
	ErrEmptyReply = errors.New("empty reply")
	ErrMalformed  = errors.New("malformed stub message")
)

func drain(q *bytequeue.Queue) []byte {
	b := make([]byte, q.Len())
	n, _ := q.GetBytes(b)
	return b[:n]
}

// EncodeCall appends an invocation of method with args to q.
func EncodeCall(q *bytequeue.Queue, method uint32, args []byte) {
	q.Append(NewBuilder().Varint(fieldMethod, uint64(method)).Bytes(fieldArgs, args).Build())
}

// DecodeCall consumes an invocation from q.
func DecodeCall(q *bytequeue.Queue) (method uint32, args []byte, err error) {
	f, err := Parse(drain(q))
	if err != nil {
		return 0, nil, err
	}
	m, ok := f[fieldMethod]
	if !ok {
		return 0, nil, fmt.Errorf("invocation without method: %w", ErrMalformed)
	}
	return uint32(m.Varint), f[fieldArgs].Bytes, nil
}

// EncodeReply appends a reply to q.
func EncodeReply(q *bytequeue.Queue, code int32, body []byte) {
	q.Append(NewBuilder().Sint(fieldCode, int64(code)).Bytes(fieldBody, body).Build())
}

// DecodeReply consumes a reply from q.
func DecodeReply(q *bytequeue.Queue) (code int32, body []byte, err error) {
	if q.Len() == 0 {
		return 0, nil, ErrEmptyReply
	}
	f, err := Parse(drain(q))
	if err != nil {
		return 0, nil, err
	}
	return int32(f.Sint(fieldCode)), f[fieldBody].Bytes, nil
}

// Builder assembles protobuf-wire fields.
type Builder struct {
	b []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Varint appends an unsigned varint field.
func (b *Builder) Varint(num protowire.Number, v uint64) *Builder {
	b.b = protowire.AppendTag(b.b, num, protowire.VarintType)
	b.b = protowire.AppendVarint(b.b, v)
	return b
}

// Sint appends a zigzag-encoded signed field.
func (b *Builder) Sint(num protowire.Number, v int64) *Builder {
	return b.Varint(num, protowire.EncodeZigZag(v))
}

// Bytes appends a length-delimited field.
func (b *Builder) Bytes(num protowire.Number, v []byte) *Builder {
	b.b = protowire.AppendTag(b.b, num, protowire.BytesType)
	b.b = protowire.AppendBytes(b.b, v)
	return b
}

// String appends a string field.
func (b *Builder) String(num protowire.Number, s string) *Builder {
	b.b = protowire.AppendTag(b.b, num, protowire.BytesType)
	b.b = protowire.AppendString(b.b, s)
	return b
}

// Build returns the encoded bytes.
func (b *Builder) Build() []byte {
	return b.b
}

// Field is a decoded field value. Only the member matching the wire type
// is set.
type Field struct {
	Varint uint64
	Bytes  []byte
}

// Fields holds the last value seen for each field number.
type Fields map[protowire.Number]Field

// Parse decodes varint and length-delimited fields. Other wire types are
// skipped.
func Parse(b []byte) (Fields, error) {
	f := make(Fields)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			f[num] = Field{Varint: v}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			f[num] = Field{Bytes: v}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

// Sint returns a zigzag-encoded signed field, or 0.
func (f Fields) Sint(num protowire.Number) int64 {
	return protowire.DecodeZigZag(f[num].Varint)
}

// Uint returns an unsigned varint field, or 0.
func (f Fields) Uint(num protowire.Number) uint64 {
	return f[num].Varint
}

// String returns a string field, or "".
func (f Fields) String(num protowire.Number) string {
	return string(f[num].Bytes)
}
