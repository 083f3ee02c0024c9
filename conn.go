// Package msgconn provides a message-oriented framing layer over an
// encrypted byte stream. It turns the arbitrary-sized chunks delivered by a
// transport and a secure channel into whole, typed application messages,
// and back, using a caller-supplied codec.
package msgconn

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// State describes where a connection is in its lifecycle.
type State int

const (
	// Handshaking means the secure channel is still negotiating.
	Handshaking State = iota
	// Established means application messages can flow.
	Established
	// Closed means the stream ended in an orderly way or was closed locally.
	Closed
	// Faulted means an unrecoverable error occurred.
	Faulted
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Transport is the raw duplex byte stream beneath the secure channel.
// A Read returning io.EOF marks an orderly end of stream.
//
// Optional capabilities are discovered by type assertion: Flush() error is
// called after every write, SetReadDeadline and SetWriteDeadline let context
// cancellation interrupt blocked I/O, and Close is called by Conn.Close.
type Transport interface {
	io.Reader
	io.Writer
}

type flusher interface {
	Flush() error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

const (
	opSend    = "send"
	opReceive = "receive"
	opClose   = "close"

	// maxConsecutiveEmptyReads bounds reads returning neither data nor error.
	maxConsecutiveEmptyReads = 100
)

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is a message connection. It owns a secure channel and a bounded
// carry-over buffer of plaintext received but not yet decoded.
//
// One goroutine may send while another receives. Receive must not be
// called concurrently with itself: the buffer belongs to a single receiver.
type Conn struct {
	transport Transport
	channel   SecureChannel
	logger    Logger
	opts      options

	// chMu serializes calls into the channel. outbox holds ciphertext
	// taken from the channel and not yet written, in wire order.
	chMu   sync.Mutex
	outbox []byte

	// wMu serializes transport writes.
	wMu sync.Mutex

	// Receiver-owned state. buffered mirrors buf.Len() for other goroutines.
	buf        bytes.Buffer
	buffered   atomic.Int64
	chunk      []byte
	eof        bool
	emptyReads int

	mu        sync.Mutex
	err       *OpError
	closeOnce sync.Once
}

// NewConn creates a message connection over transport, secured by channel.
// Use NewPlainChannel for transports that need no wrapping.
func NewConn(transport Transport, channel SecureChannel, opt ...Option) (*Conn, error) {
	if transport == nil {
		return nil, ErrInvalidTransport
	}
	if channel == nil {
		return nil, ErrInvalidChannel
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Conn{
		transport: transport,
		channel:   channel,
		logger:    opts.logger,
		opts:      opts,
		chunk:     make([]byte, opts.readChunkSize),
	}, nil
}

// Send encodes msg with codec, wraps it through the secure channel and
// writes it to the transport, flushing before it returns.
//
// A codec failure returns an ErrSerialization error and leaves the
// connection usable. Channel and transport failures fault the connection.
func Send[M any](ctx context.Context, c *Conn, codec Codec[M], msg M) error {
	if err := c.Err(); err != nil {
		return err
	}

	data, err := c.encode(codec.Encode(msg))
	if err != nil {
		return err
	}
	return c.sendEncoded(ctx, data)
}

// Receive returns the next complete message in arrival order.
//
// Bytes already buffered are tried first, so a message that arrived together
// with an earlier one is returned without touching the transport. Otherwise
// Receive performs one transport read at a time, feeding each chunk through
// the secure channel, until a message decodes.
//
// An orderly end of stream yields ErrConnectionClosed. Cancelling ctx
// returns ctx.Err() and leaves the connection usable; a read blocked in the
// transport is interrupted only if the transport supports read deadlines.
func Receive[M any](ctx context.Context, c *Conn, codec Codec[M]) (M, error) {
	var zero M
	if err := c.Err(); err != nil {
		return zero, err
	}

	decode := true
	for {
		if decode {
			msg, ok, err := decodeBuffered(c, codec)
			if err != nil || ok {
				return msg, err
			}
		}

		negotiating, err := c.fill(ctx)
		if err != nil {
			return zero, err
		}
		decode = !negotiating
	}
}

// decodeBuffered attempts to decode one message from the carry-over buffer.
// It reports false without error when more bytes are needed.
func decodeBuffered[M any](c *Conn, codec Codec[M]) (M, bool, error) {
	var zero M

	msg, n, err := codec.Decode(c.buf.Bytes())
	switch {
	case err == nil:
		if n <= 0 || n > c.buf.Len() {
			return zero, false, c.fail(opReceive, ErrDeserialization,
				errors.Errorf("codec consumed %d of %d buffered bytes", n, c.buf.Len()))
		}
		c.buf.Next(n)
		c.buffered.Store(int64(c.buf.Len()))
		return msg, true, nil
	case errors.Is(err, ErrIncomplete):
		return zero, false, nil
	default:
		return zero, false, c.fail(opReceive, ErrDeserialization, err)
	}
}

// encode applies the outgoing size bound to a codec result.
func (c *Conn) encode(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, &OpError{Op: opSend, Kind: ErrSerialization, Err: err}
	}
	if len(data) > c.opts.maxMessageSize {
		return nil, &OpError{Op: opSend, Kind: ErrSerialization,
			Err: errors.WithMessagef(ErrMessageTooLarge, "encoded %d bytes, limit %d", len(data), c.opts.maxMessageSize)}
	}
	return data, nil
}

// sendEncoded wraps already encoded bytes and writes them out. Once wrapped,
// the record is part of the channel's output and is written even if ctx is
// cancelled before this call gets to it; the next drain picks it up.
func (c *Conn) sendEncoded(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.chMu.Lock()
	wire, err := c.channel.WrapPlaintext(data)
	if err == nil {
		c.outbox = append(c.outbox, wire...)
	}
	c.chMu.Unlock()
	if err != nil {
		return c.fail(opSend, ErrChannel, err)
	}

	return c.drain(ctx, opSend, true)
}

// fill performs exactly one transport read, feeds the bytes through the
// channel and appends any plaintext to the carry-over buffer as one unit.
// It reports whether the channel is still negotiating afterwards.
func (c *Conn) fill(ctx context.Context) (bool, error) {
	if c.eof {
		return false, c.closedByPeer()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// The channel may owe the peer handshake bytes before anything can
	// arrive, e.g. the initiator's first message.
	if err := c.drain(ctx, opReceive, false); err != nil {
		return false, err
	}

	n, rerr := c.read(ctx)
	if errors.Is(rerr, io.EOF) {
		c.eof = true
	}
	negotiating, err := c.feed(c.chunk[:n])
	if err != nil {
		return false, err
	}
	if err := c.drain(ctx, opReceive, false); err != nil {
		return false, err
	}

	switch {
	case rerr == nil:
		if n > 0 {
			c.emptyReads = 0
			return negotiating, nil
		}
		c.emptyReads++
		if c.emptyReads >= maxConsecutiveEmptyReads {
			return false, c.fail(opReceive, ErrTransport, io.ErrNoProgress)
		}
		return negotiating, nil
	case errors.Is(rerr, io.EOF):
		if n > 0 {
			return negotiating, nil
		}
		return false, c.closedByPeer()
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, c.fail(opReceive, ErrTransport, rerr)
	}
}

// read performs one transport read into c.chunk. If the transport supports
// read deadlines, cancelling ctx interrupts the read.
func (c *Conn) read(ctx context.Context) (int, error) {
	if d, ok := c.transport.(readDeadliner); ok && ctx.Done() != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetReadDeadline(aLongTimeAgo)
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = d.SetReadDeadline(time.Time{})
			}
		}()
	}
	return c.transport.Read(c.chunk)
}

// feed passes a chunk through the channel and appends the plaintext it
// yields. This is the only place the carry-over buffer grows.
func (c *Conn) feed(chunk []byte) (bool, error) {
	c.chMu.Lock()
	var err error
	if len(chunk) > 0 {
		err = c.channel.FeedCiphertext(chunk)
	}
	plain := c.channel.TakePlaintext()
	c.outbox = append(c.outbox, c.channel.TakeCiphertext()...)
	negotiating := c.channel.IsNegotiating()
	c.chMu.Unlock()

	if err != nil {
		return false, c.fail(opReceive, ErrChannel, err)
	}
	if c.buf.Len()+len(plain) > c.opts.maxBufferSize {
		return false, c.fail(opReceive, ErrDeserialization,
			errors.WithMessagef(ErrMessageTooLarge, "buffer would hold %d bytes, limit %d",
				c.buf.Len()+len(plain), c.opts.maxBufferSize))
	}
	c.buf.Write(plain)
	c.buffered.Store(int64(c.buf.Len()))
	return negotiating, nil
}

// drain writes pending channel output to the transport. The receive path
// only takes the write lock when there is something to write; the send path
// always flushes. A cancelled ctx leaves the output queued for the next
// drain and does not fault the connection.
func (c *Conn) drain(ctx context.Context, op string, flush bool) error {
	c.chMu.Lock()
	c.outbox = append(c.outbox, c.channel.TakeCiphertext()...)
	pending := len(c.outbox) > 0
	c.chMu.Unlock()
	if !pending && !flush {
		return nil
	}

	c.wMu.Lock()
	defer c.wMu.Unlock()

	// Another writer may have faulted the connection or already written
	// our bytes while we waited.
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.chMu.Lock()
	data := c.outbox
	c.outbox = nil
	c.chMu.Unlock()

	if len(data) > 0 {
		n, err := c.write(ctx, data)
		if err != nil && n == 0 && ctx.Err() != nil {
			// Cancelled before any byte left; the stream is still intact.
			c.chMu.Lock()
			c.outbox = append(data, c.outbox...)
			c.chMu.Unlock()
			return ctx.Err()
		}
		if err != nil {
			return c.fail(op, ErrTransport, err)
		}
	}
	if f, ok := c.transport.(flusher); ok {
		if err := f.Flush(); err != nil {
			return c.fail(op, ErrTransport, err)
		}
	}
	return nil
}

// write writes data in full and reports how much was written. If the
// transport supports write deadlines, cancelling ctx interrupts the write.
func (c *Conn) write(ctx context.Context, data []byte) (int, error) {
	if d, ok := c.transport.(writeDeadliner); ok && ctx.Done() != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetWriteDeadline(aLongTimeAgo)
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = d.SetWriteDeadline(time.Time{})
			}
		}()
	}

	n, err := c.transport.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil && ctx.Err() != nil {
		return n, errors.WithMessage(ctx.Err(), err.Error())
	}
	return n, err
}

// closedByPeer classifies an end of stream. It is only an orderly close
// when no handshake is outstanding.
func (c *Conn) closedByPeer() error {
	c.chMu.Lock()
	negotiating := c.channel.IsNegotiating()
	c.chMu.Unlock()

	if negotiating {
		return c.fail(opReceive, ErrChannel, ErrHandshakeInterrupted)
	}
	return c.fail(opReceive, ErrConnectionClosed, io.EOF)
}

// fail records the first fatal error; later operations return it unchanged.
func (c *Conn) fail(op string, kind, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	c.err = &OpError{Op: op, Kind: kind, Err: cause}
	if kind == ErrConnectionClosed {
		c.logger.Debug("connection closed", "op", op, "addr", c.RemoteAddr())
	} else {
		c.logger.Debug("connection faulted", "op", op, "kind", kind.Error(), "addr", c.RemoteAddr(), "error", cause.Error())
	}
	return c.err
}

// Err returns the error that ended the connection, or nil while it is usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		return nil
	}
	return c.err
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	if err != nil {
		if err.Kind == ErrConnectionClosed {
			return Closed
		}
		return Faulted
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()
	if c.channel.IsNegotiating() {
		return Handshaking
	}
	return Established
}

// Close closes the connection and, if it implements io.Closer, the
// transport. Later operations fail with ErrConnectionClosed unless the
// connection had already faulted. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.fail(opClose, ErrConnectionClosed, net.ErrClosed)
		if cl, ok := c.transport.(io.Closer); ok {
			err = cl.Close()
		}
	})
	return err
}

// Buffered returns the number of plaintext bytes received but not yet
// consumed by a decoded message. It is safe to call from any goroutine.
func (c *Conn) Buffered() int {
	return int(c.buffered.Load())
}

// Channel returns the secure channel, for diagnostics only.
func (c *Conn) Channel() SecureChannel {
	return c.channel
}

// Transport returns the raw transport, for diagnostics only.
func (c *Conn) Transport() Transport {
	return c.transport
}

// RemoteAddr returns the remote address if the transport is a net.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	if nc, ok := c.transport.(interface{ RemoteAddr() net.Addr }); ok {
		return nc.RemoteAddr()
	}
	return nil
}
