// Package frame implements the per-peer frame codec: it turns a stream
// of byte segments into zero or more complete, checksum-valid message
// frames, tolerating noise and resyncing after a checksum mismatch.
package frame

import (
	"encoding/binary"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/sourcenet/btcp2p/internal/wireproto"
)

// Capacity is the fixed per-peer stream buffer size.
const Capacity = 64 * 1024

// ErrOverflow is returned when a peer's declared payload length, or the
// sheer volume of buffered noise, would exceed Capacity. The caller must
// treat this as a malicious or desynced peer and close + replace it.
var ErrOverflow = fmt.Errorf("frame: buffer capacity exceeded")

// Frame is one fully framed, checksum-valid message ready for C2.
type Frame struct {
	Command string
	Payload []byte
}

// Codec holds one peer's stream buffer and extracts frames from it as
// bytes arrive. It is not safe for concurrent use — exactly one event-loop
// goroutine ever touches a given peer's Codec.
type Codec struct {
	magic [wireproto.MagicSize]byte

	buf []byte // len(buf) is the logical buffer length; cap(buf) == Capacity
}

// New returns a codec that recognizes frames for the given network magic.
func New(magic uint32) *Codec {
	var m [wireproto.MagicSize]byte
	binary.LittleEndian.PutUint32(m[:], magic)
	return &Codec{
		magic: m,
		buf:   pool.Get(Capacity)[:0],
	}
}

// Close returns the codec's scratch buffer to the shared pool. Callers
// must not use the codec afterward.
func (c *Codec) Close() {
	if c.buf != nil {
		pool.Put(c.buf[:cap(c.buf)])
		c.buf = nil
	}
}

// Feed appends a newly read segment and extracts every complete frame now
// available, in arrival order. NoiseBytes reports how many leading bytes
// were discarded while scanning for magic, purely for logging.
func (c *Codec) Feed(segment []byte) (frames []Frame, noiseBytes int, err error) {
	if len(c.buf)+len(segment) > cap(c.buf) {
		return nil, 0, ErrOverflow
	}
	c.buf = append(c.buf, segment...)

	for {
		idx := c.scanMagic()
		if idx < 0 {
			// No full magic in the buffer: everything is noise except a
			// tail that may be the start of a magic split across segments.
			if drop := len(c.buf) - (wireproto.MagicSize - 1); drop > 0 {
				noiseBytes += drop
				c.shift(drop)
			}
			return frames, noiseBytes, nil
		}
		if idx > 0 {
			noiseBytes += idx
			c.shift(idx)
		}

		if len(c.buf) < wireproto.HeaderSize {
			return frames, noiseBytes, nil // await more bytes
		}

		hdr, herr := wireproto.DecodeHeader(c.buf[wireproto.MagicSize:wireproto.HeaderSize])
		if herr != nil {
			return frames, noiseBytes, fmt.Errorf("decode header: %w", herr)
		}

		total := wireproto.HeaderSize + int(hdr.Length)
		if total > cap(c.buf) {
			return frames, noiseBytes, ErrOverflow
		}
		if len(c.buf) < total {
			return frames, noiseBytes, nil // await more bytes
		}

		payload := c.buf[wireproto.HeaderSize:total]
		sum := wireproto.Checksum(payload)
		if sum != hdr.Checksum {
			// Spurious magic: drop one header's worth of forward progress
			// and resume scanning.
			noiseBytes += wireproto.HeaderSize
			c.shift(wireproto.HeaderSize)
			continue
		}

		frames = append(frames, Frame{
			Command: hdr.Command,
			Payload: append([]byte(nil), payload...),
		})
		c.shift(total)
	}
}

// scanMagic returns the offset of the first full occurrence of the
// network magic in c.buf, or -1 if none is present.
func (c *Codec) scanMagic() int {
	if len(c.buf) < wireproto.MagicSize {
		return -1
	}
	for i := 0; i <= len(c.buf)-wireproto.MagicSize; i++ {
		if c.buf[i] == c.magic[0] &&
			c.buf[i+1] == c.magic[1] &&
			c.buf[i+2] == c.magic[2] &&
			c.buf[i+3] == c.magic[3] {
			return i
		}
	}
	return -1
}

// shift discards the first n bytes, sliding the remainder to offset 0.
func (c *Codec) shift(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.buf) {
		c.buf = c.buf[:0]
		return
	}
	copy(c.buf, c.buf[n:])
	c.buf = c.buf[:len(c.buf)-n]
}

// Len reports the current logical buffer occupancy, for status/metrics.
func (c *Codec) Len() int { return len(c.buf) }
