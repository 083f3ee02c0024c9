package msgconn

// SecureChannel is a handshake-and-record session sitting between the raw
// transport bytes and application plaintext. It performs no I/O itself: the
// connection feeds it what the transport delivered and writes out what it
// produced.
//
// Implementations need not be safe for concurrent use; Conn serializes all
// calls.
type SecureChannel interface {
	// IsNegotiating reports whether the handshake is still in progress.
	IsNegotiating() bool
	// FeedCiphertext hands bytes read from the transport to the channel.
	// It advances the handshake and/or decrypts complete records. The
	// channel must copy b if it retains it.
	FeedCiphertext(b []byte) error
	// TakePlaintext drains the application bytes decrypted so far.
	TakePlaintext() []byte
	// WrapPlaintext returns the wire representation of b, preceded by any
	// ciphertext the channel still had pending. While negotiating, the
	// channel may hold b back and release it later through TakeCiphertext.
	WrapPlaintext(b []byte) ([]byte, error)
	// TakeCiphertext drains bytes the channel produced on its own, such as
	// handshake replies or records released when negotiation completed.
	TakeCiphertext() []byte
}

// PlainChannel passes bytes through unchanged. Use it for transports that
// are already secured (or deliberately unencrypted).
type PlainChannel struct {
	plaintext []byte
}

// NewPlainChannel returns a channel that never negotiates.
func NewPlainChannel() *PlainChannel {
	return &PlainChannel{}
}

// IsNegotiating always returns false.
func (p *PlainChannel) IsNegotiating() bool { return false }

// FeedCiphertext implements SecureChannel.
func (p *PlainChannel) FeedCiphertext(b []byte) error {
	p.plaintext = append(p.plaintext, b...)
	return nil
}

// TakePlaintext implements SecureChannel.
func (p *PlainChannel) TakePlaintext() []byte {
	out := p.plaintext
	p.plaintext = nil
	return out
}

// WrapPlaintext implements SecureChannel.
func (p *PlainChannel) WrapPlaintext(b []byte) ([]byte, error) {
	return b, nil
}

// TakeCiphertext always returns nil.
func (p *PlainChannel) TakeCiphertext() []byte { return nil }
