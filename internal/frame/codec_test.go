package frame

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sourcenet/btcp2p/internal/wireproto"
)

const testMagic = uint32(wire.TestNet3)

func encodeFrame(t testing.TB, msg wire.Message) []byte {
	t.Helper()
	b, err := wireproto.EncodeFrame(wire.TestNet3, msg)
	require.NoError(t, err)
	return b
}

func TestFeed_SingleFrame(t *testing.T) {
	c := New(testMagic)
	defer c.Close()

	raw := encodeFrame(t, wire.NewMsgVerAck())
	frames, noise, err := c.Feed(raw)
	require.NoError(t, err)
	require.Equal(t, 0, noise)
	require.Len(t, frames, 1)
	require.Equal(t, "verack", frames[0].Command)
	require.Equal(t, 0, c.Len())
}

func TestFeed_SplitAcrossSegments(t *testing.T) {
	c := New(testMagic)
	defer c.Close()

	raw := encodeFrame(t, wire.NewMsgPing(42))
	mid := len(raw) / 2

	frames, _, err := c.Feed(raw[:mid])
	require.NoError(t, err)
	require.Empty(t, frames)

	frames, _, err = c.Feed(raw[mid:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "ping", frames[0].Command)
}

func TestFeed_NoiseBeforeMagic(t *testing.T) {
	c := New(testMagic)
	defer c.Close()

	raw := encodeFrame(t, wire.NewMsgVerAck())
	noisy := append([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}, raw...)

	frames, noise, err := c.Feed(noisy)
	require.NoError(t, err)
	require.Equal(t, 5, noise)
	require.Len(t, frames, 1)
}

func TestFeed_ChecksumMismatchThenValidFrame(t *testing.T) {
	c := New(testMagic)
	defer c.Close()

	bad := encodeFrame(t, wire.NewMsgPing(7))
	// Corrupt the checksum so the frame is spurious.
	bad[wireproto.HeaderSize-1] ^= 0xff

	good := encodeFrame(t, wire.NewMsgPong(7))

	frames, _, err := c.Feed(append(bad, good...))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "pong", frames[0].Command)
}

func TestFeed_OversizedLengthOverflows(t *testing.T) {
	c := New(testMagic)
	defer c.Close()

	raw := encodeFrame(t, wire.NewMsgVerAck())
	// Inflate the declared payload length far beyond capacity.
	raw[wireproto.MagicSize+wireproto.CommandSize] = 0xff
	raw[wireproto.MagicSize+wireproto.CommandSize+1] = 0xff
	raw[wireproto.MagicSize+wireproto.CommandSize+2] = 0xff
	raw[wireproto.MagicSize+wireproto.CommandSize+3] = 0x7f

	_, _, err := c.Feed(raw)
	require.ErrorIs(t, err, ErrOverflow)
}

// TestFrameReemission is a property test: any sequence of inbound chunks
// whose concatenation is N valid frames, possibly interleaved with noise,
// re-emits exactly those N frames in order, regardless of how the bytes
// are chopped into segments.
func TestFrameReemission(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "n")

		var wantCommands []string
		var stream bytes.Buffer
		for i := 0; i < n; i++ {
			noise := rapid.SliceOfN(rapid.Byte(), 0, 6).Draw(rt, "noise")
			stream.Write(noise)

			msg := pickMessage(rt)
			stream.Write(encodeFrame(t, msg))
			wantCommands = append(wantCommands, msg.Command())
		}
		trailingNoise := rapid.SliceOfN(rapid.Byte(), 0, 6).Draw(rt, "trailing")
		stream.Write(trailingNoise)

		chunkSizes := rapid.SliceOfN(rapid.IntRange(1, 37), 0, 40).Draw(rt, "chunks")
		raw := stream.Bytes()

		c := New(testMagic)
		defer c.Close()

		var gotCommands []string
		pos := 0
		feed := func(seg []byte) {
			frames, _, err := c.Feed(seg)
			require.NoError(rt, err)
			for _, f := range frames {
				gotCommands = append(gotCommands, f.Command)
			}
		}
		for _, sz := range chunkSizes {
			if pos >= len(raw) {
				break
			}
			end := pos + sz
			if end > len(raw) {
				end = len(raw)
			}
			feed(raw[pos:end])
			pos = end
		}
		if pos < len(raw) {
			feed(raw[pos:])
		}

		require.Equal(rt, wantCommands, gotCommands)
	})
}

func pickMessage(rt *rapid.T) wire.Message {
	switch rapid.IntRange(0, 3).Draw(rt, "kind") {
	case 0:
		return wire.NewMsgVerAck()
	case 1:
		return wire.NewMsgPing(rapid.Uint64().Draw(rt, "nonce"))
	case 2:
		return wire.NewMsgPong(rapid.Uint64().Draw(rt, "nonce"))
	default:
		return wire.NewMsgGetAddr()
	}
}
