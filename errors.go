package msgconn

import "github.com/pkg/errors"

// Error kinds. Every error returned by Send and Receive is an *OpError whose
// Kind is exactly one of these, so callers can match with errors.Is.
var (
	// ErrSerialization means the message could not be encoded. Nothing was
	// written and the connection stays usable.
	ErrSerialization = errors.New("serialization error")
	// ErrDeserialization means the buffered bytes do not form a valid
	// message. The buffer is kept as is and the connection is faulted.
	ErrDeserialization = errors.New("deserialization error")
	// ErrChannel means the secure channel rejected the traffic or failed to
	// negotiate. The connection is faulted.
	ErrChannel = errors.New("secure channel error")
	// ErrTransport means reading from or writing to the raw stream failed.
	// The connection is faulted.
	ErrTransport = errors.New("transport error")
	// ErrConnectionClosed marks an orderly end of stream, or an operation on
	// a connection that was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
)

var (
	// ErrInvalidTransport is returned by NewConn when no transport is given.
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrInvalidChannel is returned by NewConn when no secure channel is given.
	ErrInvalidChannel = errors.New("invalid secure channel")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrHandshakeInterrupted is the cause of the ErrChannel fault raised when
	// the stream ends while the secure channel is still negotiating.
	ErrHandshakeInterrupted = errors.New("stream ended during handshake")
)

// OpError describes a failed connection operation.
type OpError struct {
	// Op is the operation that failed: "send", "receive" or "close".
	Op string
	// Kind is one of the error kind variables above.
	Kind error
	// Err is the underlying cause.
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
