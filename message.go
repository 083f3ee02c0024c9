package msgconn

import "github.com/pkg/errors"

var (
	// ErrIncomplete is returned by Codec.Decode when the buffer holds only a
	// prefix of the next message. No bytes are consumed.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformed may be wrapped by codecs to report bytes that can never
	// decode into a valid message. Any decode error other than ErrIncomplete
	// is treated as malformed.
	ErrMalformed = errors.New("malformed message")
)

// Codec is the interface for message encoding and decoding.
// Applications implement it once per message type and pass it to Send and
// Receive, so a single connection can carry several message types.
//
// Decode works on a byte prefix rather than a reader: the connection owns the
// carry-over buffer and retries Decode as more plaintext arrives. The message
// format must be self-delimiting (fixed size or length-prefixed).
type Codec[M any] interface {
	// Decode decodes one message from the front of b and reports how many
	// bytes it consumed. It returns ErrIncomplete when b is too short.
	Decode(b []byte) (M, int, error)
	// Encode encodes a message into raw bytes for transmission.
	Encode(M) ([]byte, error)
}

// CodecFuncs adapts a pair of functions to the Codec interface.
type CodecFuncs[M any] struct {
	DecodeFunc func([]byte) (M, int, error)
	EncodeFunc func(M) ([]byte, error)
}

// Decode calls f.DecodeFunc.
func (f CodecFuncs[M]) Decode(b []byte) (M, int, error) {
	return f.DecodeFunc(b)
}

// Encode calls f.EncodeFunc.
func (f CodecFuncs[M]) Encode(m M) ([]byte, error) {
	return f.EncodeFunc(m)
}
