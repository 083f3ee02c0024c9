package msgconn

import (
	"encoding/binary"
	"time"
)

// options holds the configuration for a connection and its session.
type options struct {
	logger Logger

	// onError is called with every error that ends a session.
	onError func(error)

	readChunkSize  int           // size of a single transport read
	maxBufferSize  int           // bound on the carry-over buffer
	maxMessageSize int           // bound on an encoded outgoing message
	bufferSize     int           // size of the session send queue
	idleTimeout    time.Duration // session read/write deadline is idleTimeout * 2
}

// Option is a function that configures connection options.
type Option func(*options)

// Default configuration values.
const (
	// defaultReadChunkSize is the default size of a single transport read.
	defaultReadChunkSize = 4096
	// defaultMaxBodySize is the default bound on a codec message body (1MB).
	defaultMaxBodySize = 1024 * 1024
	// defaultMaxMessageSize is the default bound on an encoded message: a
	// maximal body plus the longest uvarint length prefix.
	defaultMaxMessageSize = defaultMaxBodySize + binary.MaxVarintLen64
	// defaultMaxBufferSize is the default bound on buffered plaintext. The
	// buffer holds less than one message before a read adds one chunk.
	defaultMaxBufferSize = defaultMaxMessageSize + defaultReadChunkSize
	// defaultBufferSize is the default size of the session send queue.
	defaultBufferSize = 1
	// defaultIdleTimeout is the default session idle timeout.
	defaultIdleTimeout = 30 * time.Second
)

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}

	if opts.maxBufferSize <= 0 {
		opts.maxBufferSize = defaultMaxBufferSize
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onError == nil {
		opts.onError = func(error) {}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// ReadChunkSizeOption returns an Option that sets how many bytes a single
// transport read may return.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// MaxBufferSizeOption returns an Option that bounds the carry-over buffer.
// A receive that would grow the buffer past this size fails with
// ErrDeserialization wrapping ErrMessageTooLarge.
func MaxBufferSizeOption(size int) Option {
	return func(o *options) {
		o.maxBufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum size of an encoded
// outgoing message. Larger messages fail with ErrSerialization.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// BufferSizeOption returns an Option that sets the size of the session send queue.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the session idle timeout.
// Each session receive and write is bounded by twice this duration.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked with the error that ends a session.
func OnErrorOption(cb func(error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
