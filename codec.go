package msgconn

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// Uint32Codec encodes uint32 values as fixed 4-byte big-endian integers.
type Uint32Codec struct{}

// Decode implements Codec.
func (Uint32Codec) Decode(b []byte) (uint32, int, error) {
	if len(b) < 4 {
		return 0, 0, ErrIncomplete
	}
	return binary.BigEndian.Uint32(b), 4, nil
}

// Encode implements Codec.
func (Uint32Codec) Encode(v uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), v), nil
}

// LengthPrefixedCodec frames each message body with a uvarint length.
type LengthPrefixedCodec[M any] struct {
	marshal   func(M) ([]byte, error)
	unmarshal func([]byte) (M, error)
	maxSize   int
}

// NewLengthPrefixedCodec returns a codec that marshals message bodies with
// marshal and prefixes them with their length. Bodies larger than maxSize
// are rejected on both encode and decode. A maxSize <= 0 selects the
// default of 1MB, which a connection with default options accepts.
func NewLengthPrefixedCodec[M any](
	marshal func(M) ([]byte, error),
	unmarshal func([]byte) (M, error),
	maxSize int,
) *LengthPrefixedCodec[M] {
	if maxSize <= 0 {
		maxSize = defaultMaxBodySize
	}
	return &LengthPrefixedCodec[M]{marshal: marshal, unmarshal: unmarshal, maxSize: maxSize}
}

// Encode implements Codec.
func (c *LengthPrefixedCodec[M]) Encode(m M) ([]byte, error) {
	body, err := c.marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message body")
	}
	if len(body) > c.maxSize {
		return nil, errors.WithMessagef(ErrMessageTooLarge, "body is %d bytes, limit %d", len(body), c.maxSize)
	}

	out := make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body))
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, body...), nil
}

// Decode implements Codec.
func (c *LengthPrefixedCodec[M]) Decode(b []byte) (M, int, error) {
	var zero M

	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		err := protowire.ParseError(n)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return zero, 0, ErrIncomplete
		}
		return zero, 0, errors.WithMessagef(ErrMalformed, "length prefix: %v", err)
	}
	if size > uint64(c.maxSize) {
		return zero, 0, errors.WithMessagef(ErrMessageTooLarge, "declared length %d, limit %d", size, c.maxSize)
	}

	end := n + int(size)
	if len(b) < end {
		return zero, 0, ErrIncomplete
	}

	m, err := c.unmarshal(b[n:end])
	if err != nil {
		return zero, 0, errors.WithMessagef(ErrMalformed, "message body: %v", err)
	}
	return m, end, nil
}

// NewProtoCodec returns a length-prefixed codec for protobuf messages.
// newMessage must return a fresh, empty message for every call.
func NewProtoCodec[M proto.Message](newMessage func() M, maxSize int) *LengthPrefixedCodec[M] {
	return NewLengthPrefixedCodec(
		func(m M) ([]byte, error) {
			return proto.Marshal(m)
		},
		func(b []byte) (M, error) {
			m := newMessage()
			if err := proto.Unmarshal(b, m); err != nil {
				var zero M
				return zero, err
			}
			return m, nil
		},
		maxSize,
	)
}
