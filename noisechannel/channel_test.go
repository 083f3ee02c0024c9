package noisechannel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/msgconn"
)

var _ msgconn.SecureChannel = (*Channel)(nil)

// pump moves ciphertext between the two channels until neither has output.
func pump(t *testing.T, a, b *Channel) {
	t.Helper()
	for range 10 {
		ab, ba := a.TakeCiphertext(), b.TakeCiphertext()
		if len(ab) == 0 && len(ba) == 0 {
			return
		}
		require.NoError(t, b.FeedCiphertext(ab))
		require.NoError(t, a.FeedCiphertext(ba))
	}
	t.Fatal("channels did not settle")
}

func newPair(t *testing.T, pattern noise.HandshakePattern) (*Channel, *Channel) {
	t.Helper()
	initiator, err := New(Config{Initiator: true, Pattern: pattern})
	require.NoError(t, err)
	responder, err := New(Config{Pattern: pattern})
	require.NoError(t, err)
	return initiator, responder
}

func TestNew_InitiatorSpeaksFirst(t *testing.T) {
	initiator, responder := newPair(t, noise.HandshakeXX)

	assert.True(t, initiator.IsNegotiating())
	assert.True(t, responder.IsNegotiating())
	assert.NotEmpty(t, initiator.TakeCiphertext())
	assert.Empty(t, responder.TakeCiphertext())
}

func TestHandshake(t *testing.T) {
	for _, pattern := range []noise.HandshakePattern{noise.HandshakeXX, noise.HandshakeNN} {
		t.Run(pattern.Name, func(t *testing.T) {
			initiator, responder := newPair(t, pattern)
			pump(t, initiator, responder)

			require.False(t, initiator.IsNegotiating())
			require.False(t, responder.IsNegotiating())

			wire, err := initiator.WrapPlaintext([]byte("ping"))
			require.NoError(t, err)
			require.NoError(t, responder.FeedCiphertext(wire))
			assert.Equal(t, []byte("ping"), responder.TakePlaintext())

			wire, err = responder.WrapPlaintext([]byte("pong"))
			require.NoError(t, err)
			require.NoError(t, initiator.FeedCiphertext(wire))
			assert.Equal(t, []byte("pong"), initiator.TakePlaintext())
		})
	}
}

func TestHandshake_PeerStatic(t *testing.T) {
	key, err := GenerateKeypair()
	require.NoError(t, err)

	initiator, err := New(Config{Initiator: true})
	require.NoError(t, err)
	responder, err := New(Config{StaticKeypair: key})
	require.NoError(t, err)

	assert.Empty(t, initiator.PeerStatic())
	pump(t, initiator, responder)

	assert.Equal(t, key.Public, initiator.PeerStatic())
	assert.Len(t, responder.PeerStatic(), 32)

	// The returned key is a copy.
	initiator.PeerStatic()[0] ^= 0xFF
	assert.Equal(t, key.Public, initiator.PeerStatic())
}

func TestHandshake_PreSharedResponderKey(t *testing.T) {
	key, err := GenerateKeypair()
	require.NoError(t, err)

	initiator, err := New(Config{Initiator: true, Pattern: noise.HandshakeIK, PeerStatic: key.Public})
	require.NoError(t, err)
	responder, err := New(Config{Pattern: noise.HandshakeIK, StaticKeypair: key})
	require.NoError(t, err)

	pump(t, initiator, responder)
	assert.False(t, initiator.IsNegotiating())
	assert.False(t, responder.IsNegotiating())
}

func TestWrapPlaintext_QueuedDuringHandshake(t *testing.T) {
	initiator, responder := newPair(t, noise.HandshakeXX)

	first := initiator.TakeCiphertext()
	wire, err := initiator.WrapPlaintext([]byte("early"))
	require.NoError(t, err)
	assert.Empty(t, wire, "nothing may be sent before the handshake")

	require.NoError(t, responder.FeedCiphertext(first))
	require.NoError(t, initiator.FeedCiphertext(responder.TakeCiphertext()))
	require.False(t, initiator.IsNegotiating())

	// Final handshake message and the queued record go out together.
	require.NoError(t, responder.FeedCiphertext(initiator.TakeCiphertext()))
	assert.False(t, responder.IsNegotiating())
	assert.Equal(t, []byte("early"), responder.TakePlaintext())
}

func TestWrapPlaintext_PendingHandshakeFirst(t *testing.T) {
	initiator, _ := newPair(t, noise.HandshakeXX)

	// The first handshake message has not been taken yet.
	wire, err := initiator.WrapPlaintext([]byte("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, wire)
	assert.Empty(t, initiator.TakeCiphertext())
}

func TestFeedCiphertext_Fragmented(t *testing.T) {
	initiator, responder := newPair(t, noise.HandshakeXX)
	pump(t, initiator, responder)

	var wire []byte
	for _, msg := range []string{"alpha", "beta", "gamma"} {
		w, err := initiator.WrapPlaintext([]byte(msg))
		require.NoError(t, err)
		wire = append(wire, w...)
	}

	var got []byte
	for i := range wire {
		require.NoError(t, responder.FeedCiphertext(wire[i:i+1]))
		got = append(got, responder.TakePlaintext()...)
	}
	assert.Equal(t, []byte("alphabetagamma"), got)
	assert.Empty(t, responder.inbound)
}

func TestWrapPlaintext_SplitsLargePayload(t *testing.T) {
	initiator, responder := newPair(t, noise.HandshakeNN)
	pump(t, initiator, responder)

	payload := bytes.Repeat([]byte{0xAB}, MaxPlaintextPerRecord+100)
	wire, err := initiator.WrapPlaintext(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload)+2*(lengthPrefixSize+tagSize), len(wire))

	require.NoError(t, responder.FeedCiphertext(wire))
	assert.Equal(t, payload, responder.TakePlaintext())
}

func TestFeedCiphertext_CorruptRecord(t *testing.T) {
	initiator, responder := newPair(t, noise.HandshakeNN)
	pump(t, initiator, responder)

	wire, err := initiator.WrapPlaintext([]byte("secret"))
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0x01

	err = responder.FeedCiphertext(wire)
	require.ErrorIs(t, err, ErrDecryptFailed)
	assert.Empty(t, responder.TakePlaintext())

	// The failure is sticky.
	assert.Equal(t, err, responder.FeedCiphertext(nil))
	_, werr := responder.WrapPlaintext([]byte("reply"))
	assert.Equal(t, err, werr)
}

func TestFeedCiphertext_BadHandshake(t *testing.T) {
	_, responder := newPair(t, noise.HandshakeXX)

	err := responder.FeedCiphertext([]byte{0, 3, 1, 2, 3})
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.True(t, responder.IsNegotiating())
}

func TestHandshake_PrologueMismatch(t *testing.T) {
	initiator, err := New(Config{Initiator: true, Prologue: []byte("v1")})
	require.NoError(t, err)
	responder, err := New(Config{Prologue: []byte("v2")})
	require.NoError(t, err)

	require.NoError(t, responder.FeedCiphertext(initiator.TakeCiphertext()))
	err = initiator.FeedCiphertext(responder.TakeCiphertext())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestConn_OverNoise(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	clientChannel, err := New(Config{Initiator: true})
	require.NoError(t, err)
	serverChannel, err := New(Config{})
	require.NoError(t, err)

	client, err := msgconn.NewConn(clientSide, clientChannel)
	require.NoError(t, err)
	server, err := msgconn.NewConn(serverSide, serverChannel)
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := msgconn.Uint32Codec{}
	served := make(chan error, 1)
	go func() {
		for {
			v, err := msgconn.Receive(ctx, server, codec)
			if err != nil {
				served <- err
				return
			}
			if err := msgconn.Send(ctx, server, codec, v*2); err != nil {
				served <- err
				return
			}
		}
	}()

	assert.Equal(t, msgconn.Handshaking, client.State())
	for _, v := range []uint32{1, 2, 21} {
		require.NoError(t, msgconn.Send(ctx, client, codec, v))
		got, err := msgconn.Receive(ctx, client, codec)
		require.NoError(t, err)
		assert.Equal(t, v*2, got)
	}
	assert.Equal(t, msgconn.Established, client.State())
	assert.Len(t, clientChannel.PeerStatic(), 32)
	assert.Len(t, serverChannel.PeerStatic(), 32)

	require.NoError(t, client.Close())
	select {
	case err := <-served:
		assert.ErrorIs(t, err, msgconn.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the close")
	}
}
