// Package noisechannel implements msgconn.SecureChannel with the Noise
// protocol framework (Curve25519, ChaChaPoly, SHA256).
//
// Every handshake message and transport record travels as a 2-byte
// big-endian length followed by the Noise message. Plaintext wrapped before
// the handshake completes is queued and released as records afterwards.
package noisechannel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/flynn/noise"
	"github.com/samber/oops"
)

const (
	lengthPrefixSize = 2
	tagSize          = 16
	// MaxPlaintextPerRecord is the largest plaintext sealed into one record.
	MaxPlaintextPerRecord = noise.MaxMsgLen - tagSize
)

// Sentinel causes, wrapped with context by the channel.
var (
	ErrHandshakeFailed = errors.New("noise handshake failed")
	ErrDecryptFailed   = errors.New("noise record decryption failed")
	ErrEncryptFailed   = errors.New("noise record encryption failed")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Config configures one side of a Noise session.
type Config struct {
	// Initiator selects the side that sends the first handshake message.
	Initiator bool
	// Pattern is the handshake pattern. The zero value selects XX.
	Pattern noise.HandshakePattern
	// StaticKeypair is the local static key. A fresh one is generated when
	// Private is nil.
	StaticKeypair noise.DHKey
	// PeerStatic is the remote static key, required by patterns that
	// pre-share it (e.g. IK, NK).
	PeerStatic []byte
	// Prologue is mixed into the handshake hash; both sides must agree.
	Prologue []byte
}

// GenerateKeypair returns a new Curve25519 static keypair.
func GenerateKeypair() (noise.DHKey, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return noise.DHKey{}, oops.In("noisechannel").Wrapf(err, "generate keypair")
	}
	return kp, nil
}

// Channel is a sans-IO Noise session. It is not safe for concurrent use.
type Channel struct {
	hs        *noise.HandshakeState
	initiator bool
	messages  int
	step      int

	send, recv *noise.CipherState
	peerStatic []byte

	inbound   []byte // ciphertext not yet forming a whole record
	plaintext []byte // decrypted, not yet taken
	outbound  []byte // framed ciphertext, not yet taken
	queued    []byte // plaintext wrapped during the handshake
	err       error
}

// New creates a channel. An initiator's first handshake message is ready in
// TakeCiphertext immediately.
func New(cfg Config) (*Channel, error) {
	pattern := cfg.Pattern
	if pattern.Name == "" {
		pattern = noise.HandshakeXX
	}

	static := cfg.StaticKeypair
	if static.Private == nil {
		kp, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		static = kp
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       pattern,
		Initiator:     cfg.Initiator,
		Prologue:      cfg.Prologue,
		StaticKeypair: static,
		PeerStatic:    cfg.PeerStatic,
	})
	if err != nil {
		return nil, oops.In("noisechannel").With("pattern", pattern.Name).Wrapf(err, "create handshake state")
	}

	c := &Channel{
		hs:        hs,
		initiator: cfg.Initiator,
		messages:  len(pattern.Messages),
	}
	if c.ourTurn() {
		if err := c.writeHandshake(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsNegotiating reports whether the handshake is still in progress.
func (c *Channel) IsNegotiating() bool {
	return c.hs != nil
}

// PeerStatic returns the remote static key learned during the handshake,
// or nil if the pattern does not transmit one or negotiation is pending.
func (c *Channel) PeerStatic() []byte {
	return append([]byte(nil), c.peerStatic...)
}

// FeedCiphertext consumes bytes read from the transport. Partial records are
// kept until the rest arrives. After an error the channel is unusable and
// every call returns the same error.
func (c *Channel) FeedCiphertext(b []byte) error {
	if c.err != nil {
		return c.err
	}

	c.inbound = append(c.inbound, b...)
	consumed := 0
	for len(c.inbound)-consumed >= lengthPrefixSize {
		size := int(binary.BigEndian.Uint16(c.inbound[consumed:]))
		end := consumed + lengthPrefixSize + size
		if len(c.inbound) < end {
			break
		}
		if err := c.process(c.inbound[consumed+lengthPrefixSize : end]); err != nil {
			return err
		}
		consumed = end
	}

	if consumed == len(c.inbound) {
		c.inbound = c.inbound[:0]
	} else if consumed > 0 {
		c.inbound = append(c.inbound[:0], c.inbound[consumed:]...)
	}
	return nil
}

// TakePlaintext drains the decrypted application bytes.
func (c *Channel) TakePlaintext() []byte {
	out := c.plaintext
	c.plaintext = nil
	return out
}

// WrapPlaintext seals b into records and returns them after any pending
// ciphertext. During the handshake b is queued and only pending handshake
// bytes are returned.
func (c *Channel) WrapPlaintext(b []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}

	if c.hs != nil {
		c.queued = append(c.queued, b...)
	} else if err := c.seal(b); err != nil {
		return nil, err
	}
	return c.TakeCiphertext(), nil
}

// TakeCiphertext drains framed ciphertext produced by the channel.
func (c *Channel) TakeCiphertext() []byte {
	out := c.outbound
	c.outbound = nil
	return out
}

func (c *Channel) ourTurn() bool {
	return c.hs != nil && c.step < c.messages && (c.step%2 == 0) == c.initiator
}

func (c *Channel) process(record []byte) error {
	if c.hs != nil {
		return c.readHandshake(record)
	}

	pt, err := c.recv.Decrypt(nil, nil, record)
	if err != nil {
		return c.fail(oops.In("noisechannel").
			With("record_length", len(record)).
			Wrapf(ErrDecryptFailed, "decrypt record: %v", err))
	}
	c.plaintext = append(c.plaintext, pt...)
	return nil
}

func (c *Channel) readHandshake(msg []byte) error {
	_, cs1, cs2, err := c.hs.ReadMessage(nil, msg)
	if err != nil {
		return c.fail(oops.In("noisechannel").
			With("step", c.step).
			Wrapf(ErrHandshakeFailed, "read handshake message %d: %v", c.step+1, err))
	}
	c.step++

	if cs1 != nil {
		return c.establish(cs1, cs2)
	}
	if c.ourTurn() {
		return c.writeHandshake()
	}
	return nil
}

func (c *Channel) writeHandshake() error {
	msg, cs1, cs2, err := c.hs.WriteMessage(nil, nil)
	if err != nil {
		return c.fail(oops.In("noisechannel").
			With("step", c.step).
			Wrapf(ErrHandshakeFailed, "write handshake message %d: %v", c.step+1, err))
	}
	c.step++
	c.outbound = appendRecord(c.outbound, msg)

	if cs1 != nil {
		return c.establish(cs1, cs2)
	}
	return nil
}

// establish switches to transport mode and releases queued plaintext.
func (c *Channel) establish(cs1, cs2 *noise.CipherState) error {
	if c.initiator {
		c.send, c.recv = cs1, cs2
	} else {
		c.send, c.recv = cs2, cs1
	}
	c.peerStatic = c.hs.PeerStatic()
	c.hs = nil

	queued := c.queued
	c.queued = nil
	return c.seal(queued)
}

func (c *Channel) seal(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), MaxPlaintextPerRecord)
		ct, err := c.send.Encrypt(nil, nil, p[:n])
		if err != nil {
			return c.fail(oops.In("noisechannel").Wrapf(ErrEncryptFailed, "encrypt record: %v", err))
		}
		c.outbound = appendRecord(c.outbound, ct)
		p = p[n:]
	}
	return nil
}

func (c *Channel) fail(err error) error {
	c.err = err
	return err
}

func appendRecord(dst, msg []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg)))
	return append(dst, msg...)
}
