// Package peer implements the fixed-size table of peer slots, each slot's
// handshake/ping substate, and the per-message state transitions. Slots
// hold no socket of their own — the connection manager (internal/connmgr)
// owns the net.Conn and feeds bytes and write-completions into the slot
// through the FSM in fsm.go.
package peer

import (
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/sourcenet/btcp2p/internal/candidate"
	"github.com/sourcenet/btcp2p/internal/frame"
)

// State is one of a slot's five lifecycle states.
type State int

const (
	Empty State = iota
	Dialing
	Handshaking
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// latencyRingSize is the size of the bounded ring of recent latency
// samples; "fully tested" means this ring is full.
const latencyRingSize = 8

// HandshakeState tracks the two independent directions of a version/verack
// exchange, plus when we sent our own version.
type HandshakeState struct {
	TheyAcceptedUs bool
	WeAcceptThem   bool
	Start          time.Time
}

// Done reports whether both handshake directions have completed.
func (h HandshakeState) Done() bool { return h.TheyAcceptedUs && h.WeAcceptThem }

// PingState is a slot's ping substate: last nonce, send/receive
// timestamps, and the bounded latency ring.
type PingState struct {
	Nonce          uint64
	PingSentAt     time.Time
	PongReceivedAt time.Time

	ring    [latencyRingSize]time.Duration
	ringLen int
	ringPos int
}

// PushLatency records a fresh sample into the ring, overwriting the oldest
// once full.
func (p *PingState) PushLatency(d time.Duration) {
	p.ring[p.ringPos] = d
	p.ringPos = (p.ringPos + 1) % latencyRingSize
	if p.ringLen < latencyRingSize {
		p.ringLen++
	}
}

// FullyTested reports whether the latency ring has filled at least once.
func (p *PingState) FullyTested() bool { return p.ringLen == latencyRingSize }

// Average returns the mean of whatever samples are currently in the ring.
// Callers should check FullyTested before trusting the value as
// representative.
func (p *PingState) Average() time.Duration {
	if p.ringLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.ringLen; i++ {
		sum += p.ring[i]
	}
	return sum / time.Duration(p.ringLen)
}

// Slot is one entry of the fixed-size peer table.
type Slot struct {
	Index      int
	Generation uint64 // bumped every time this slot is recycled
	ConnID     uuid.UUID

	CandidateKey candidate.Key
	Addr         net.IP
	Port         uint16

	ConnStart time.Time
	State     State

	Handshake HandshakeState
	Ping      PingState

	Codec *frame.Codec

	LastHeard time.Time

	// Requesting is the zero hash when no block request is outstanding; a
	// slot never has more than one getdata in flight at a time.
	Requesting chainhash.Hash

	// ChainHeightHint is the height the peer advertised in its version
	// message.
	ChainHeightHint int32

	ProtocolVersion int32
	Services        uint64

	UnknownCommandCount int
}

// Reset clears a slot back to Empty and bumps its generation, marking the
// point after which any callback still carrying the old generation refers
// to a slot whose identity has since changed.
func (s *Slot) Reset(idx int) {
	gen := s.Generation + 1
	if s.Codec != nil {
		s.Codec.Close()
	}
	*s = Slot{Index: idx, Generation: gen, State: Empty}
}

// IsReady reports whether the slot is in the Ready state with both
// handshake directions complete.
func (s *Slot) IsReady() bool {
	return s.State == Ready && s.Handshake.Done()
}
