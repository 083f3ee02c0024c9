package msgconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrIdleTimeout ends a session whose peer stayed silent for too long.
	ErrIdleTimeout = errors.New("idle timeout")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Session runs a message connection asynchronously: one goroutine receives
// and dispatches messages to a handler, another drains a queue of outgoing
// messages. All messages on a session share one codec.
type Session[M any] struct {
	conn      *Conn
	codec     Codec[M]
	onMessage func(M) error
	logger    Logger
	opts      options

	sendMsg chan []byte
	closed  atomic.Bool

	// done is closed once nothing drains sendMsg any more.
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession creates a session over conn. The session starts from the
// connection's options; opt may override them.
// Returns an error if codec or onMessage is missing.
func NewSession[M any](conn *Conn, codec Codec[M], onMessage func(M) error, opt ...Option) (*Session[M], error) {
	if codec == nil {
		return nil, ErrInvalidCodec
	}
	if onMessage == nil {
		return nil, ErrInvalidOnMessage
	}

	opts := conn.opts
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Session[M]{
		conn:      conn,
		codec:     codec,
		onMessage: onMessage,
		logger:    opts.logger,
		opts:      opts,
		sendMsg:   make(chan []byte, opts.bufferSize),
		done:      make(chan struct{}),
	}, nil
}

// Run starts the session's receive and write loops.
// It blocks until an error occurs, the peer closes the stream or the context
// is canceled. An orderly close by the peer returns nil.
// The connection is automatically closed when Run returns.
func (s *Session[M]) Run(ctx context.Context) error {
	s.logger.Info("session started", "addr", s.conn.RemoteAddr())
	s.logger.Debug("session options", "addr", s.conn.RemoteAddr(),
		"buffer_size", s.opts.bufferSize,
		"read_chunk_size", s.opts.readChunkSize,
		"max_buffer_size", s.opts.maxBufferSize,
		"idle_timeout", s.opts.idleTimeout)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.readLoop(child)
	})

	group.Go(func() error {
		return s.writeLoop(child)
	})

	err := group.Wait()
	s.closeConn()

	switch {
	case errors.Is(err, ErrConnectionClosed):
		s.logger.Info("session closed by peer", "addr", s.conn.RemoteAddr())
		return nil
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Info("session closed with error", "addr", s.conn.RemoteAddr(), "error", err.Error())
		s.opts.onError(err)
	default:
		s.logger.Info("session closed", "addr", s.conn.RemoteAddr())
	}

	return err
}

// Close stops the session and closes the connection.
// Safe to call multiple times.
func (s *Session[M]) Close() error {
	if s.closed.Swap(true) {
		return nil // already closed
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.stopWriting()
	return s.conn.Close()
}

// IsClosed returns true if the session has been closed.
func (s *Session[M]) IsClosed() bool {
	return s.closed.Load()
}

// Conn returns the underlying message connection.
func (s *Session[M]) Conn() *Conn {
	return s.conn
}

// Write sends a message through the session without blocking (fire-and-forget).
// The message is encoded using the session codec and queued for sending.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: session is closed
//   - ErrSerialization: if the codec rejects the message
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (s *Session[M]) Write(message M) error {
	data, err := s.encode(message)
	if err != nil {
		return err
	}

	select {
	case s.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room in the send
// buffer, the context is canceled or the session stops writing.
func (s *Session[M]) WriteBlocking(ctx context.Context, message M) error {
	data, err := s.encode(message)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return s.stoppedErr()
	default:
	}

	select {
	case s.sendMsg <- data:
		return nil
	case <-s.done:
		return s.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for room in the
// send buffer. It returns ErrBufferFull if the timeout expires, and the
// connection error once the session stops writing.
func (s *Session[M]) WriteTimeout(message M, timeout time.Duration) error {
	data, err := s.encode(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.sendMsg <- data:
		return nil
	case <-s.done:
		return s.stoppedErr()
	case <-timer.C:
		return ErrBufferFull
	}
}

// stoppedErr is returned to writers once the write loop is gone.
func (s *Session[M]) stoppedErr() error {
	if err := s.conn.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (s *Session[M]) stopWriting() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session[M]) encode(message M) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if err := s.conn.Err(); err != nil {
		return nil, err
	}
	return s.conn.encode(s.codec.Encode(message))
}

// readLoop receives messages and hands them to the message handler.
// Returns when the context is canceled or an unrecoverable error occurs.
func (s *Session[M]) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rctx, cancel := context.WithTimeout(ctx, s.opts.idleTimeout*2)
		message, err := Receive(rctx, s.conn, s.codec)
		idle := ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if idle {
				err = errors.WithMessagef(ErrIdleTimeout, "no message for %s", s.opts.idleTimeout*2)
			}
			s.logger.Debug("receive error", "addr", s.conn.RemoteAddr(), "error", err.Error())
			return err
		}

		if err = s.onMessage(message); err != nil {
			return err
		}
	}
}

// writeLoop sends queued messages to the connection.
// Returns when the context is canceled or an unrecoverable error occurs.
func (s *Session[M]) writeLoop(ctx context.Context) error {
	defer s.stopWriting()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.sendMsg:
			wctx, cancel := context.WithTimeout(ctx, s.opts.idleTimeout*2)
			err := s.conn.sendEncoded(wctx, data)
			cancel()
			if err != nil {
				s.logger.Debug("write error", "addr", s.conn.RemoteAddr(), "error", err.Error())
				return err
			}
		}
	}
}

// closeConn marks the session as closed and closes the connection.
func (s *Session[M]) closeConn() {
	s.closed.Store(true)
	s.stopWriting()
	_ = s.conn.Close()
}
