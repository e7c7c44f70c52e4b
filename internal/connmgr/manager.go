// Package connmgr owns every peer socket: dialing and redialing peers,
// binding slots to candidates, and the single recycling path
// (ReplacePeer) every timeout and error funnels through.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	pool "github.com/libp2p/go-buffer-pool"

	"github.com/sourcenet/btcp2p/internal/candidate"
	"github.com/sourcenet/btcp2p/internal/frame"
	"github.com/sourcenet/btcp2p/internal/peer"
	"github.com/sourcenet/btcp2p/internal/wireproto"
)

// EventKind enumerates the suspension points the event loop resumes on:
// connect completion, read arrival, write completion, and close
// completion.
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventRead
	// EventReadError covers both EOF and non-EOF read termination: either
	// way the loop's only response is to call ReplacePeer, so both are
	// collapsed into the single path that recycles slots.
	EventReadError
	EventWriteDone
	// EventClosed is emitted exactly once, by the close-completion
	// goroutine ReplacePeer starts — never directly by the reader.
	EventClosed
)

// Event is what a connmgr goroutine hands back to the event loop. Slot
// and Generation let the loop detect and no-op a callback for a slot that
// was recycled in the meantime.
type Event struct {
	Kind       EventKind
	Slot       int
	Generation uint64
	Conn       net.Conn
	Data       []byte
	Command    string
	Err        error
}

// DialTimeout bounds how long a single outbound connect attempt may take.
const DialTimeout = 10 * time.Second

// Manager owns every peer socket. It never blocks the caller — every
// operation either returns immediately (having started a goroutine) or is
// itself called from within one of those goroutines.
type Manager struct {
	Slots    []*peer.Slot
	Registry *candidate.Registry
	Magic    wire.BitcoinNet

	events chan Event

	conns   map[int]net.Conn
	closing map[int]bool
}

func NewManager(slots []*peer.Slot, registry *candidate.Registry, magic wire.BitcoinNet, eventBuffer int) *Manager {
	return &Manager{
		Slots:    slots,
		Registry: registry,
		Magic:    magic,
		events:   make(chan Event, eventBuffer),
		conns:    make(map[int]net.Conn),
		closing:  make(map[int]bool),
	}
}

// Events is the single channel the node event loop selects on for
// everything connmgr produces.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// The loop fell behind; block rather than drop, since dropping a
		// close/connect completion would leak a slot forever.
		m.events <- ev
	}
}

// DialIntoSlot resets the slot, binds it to the candidate, and
// asynchronously connects.
func (m *Manager) DialIntoSlot(ctx context.Context, slotIdx int, cand *candidate.Candidate) error {
	s := m.Slots[slotIdx]
	s.Reset(slotIdx)
	s.CandidateKey = cand.Key()
	s.Addr = cand.IP
	s.Port = cand.Port
	s.State = peer.Dialing
	s.ConnStart = time.Now()

	if err := m.Registry.Bind(s.CandidateKey, slotIdx); err != nil {
		return fmt.Errorf("dial_into_slot: %w", err)
	}

	gen := s.Generation
	addr := fmt.Sprintf("%s:%d", cand.IP.String(), cand.Port)

	go func() {
		dctx, cancel := context.WithTimeout(ctx, DialTimeout)
		defer cancel()
		conn, err := (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		if err != nil {
			m.emit(Event{Kind: EventConnectFailed, Slot: slotIdx, Generation: gen, Err: err})
			return
		}
		m.emit(Event{Kind: EventConnected, Slot: slotIdx, Generation: gen, Conn: conn})
	}()
	return nil
}

// AttachConnected finishes the handshaking transition once a dial
// succeeds: it moves the slot to Handshaking, gives it a fresh frame codec,
// and stores the socket. It neither starts the reader (see StartReading)
// nor sends our version; the caller does both.
func (m *Manager) AttachConnected(slotIdx int, conn net.Conn) {
	s := m.Slots[slotIdx]
	s.State = peer.Handshaking
	s.Codec = frame.New(uint32(m.Magic))
	m.conns[slotIdx] = conn
	delete(m.closing, slotIdx)
}

// StartReading launches the per-slot reader goroutine. It is a separate
// step from AttachConnected so tests can attach a fake conn without
// spawning a goroutine that would race the test.
func (m *Manager) StartReading(ctx context.Context, slotIdx int, gen uint64, conn net.Conn) {
	go func() {
		buf := pool.Get(frame.Capacity)
		defer pool.Put(buf)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case m.events <- Event{Kind: EventRead, Slot: slotIdx, Generation: gen, Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				m.emit(Event{Kind: EventReadError, Slot: slotIdx, Generation: gen, Err: err})
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// WriteMessage encodes the frame and submits the write, reporting
// completion (and the command name, so the caller's post-send hook can
// record timestamps) on Events. The frame's backing buffer is released to
// the pool only once the write itself completes — never from
// ReplacePeer — since a socket close does not guarantee an in-flight
// write has actually returned.
func (m *Manager) WriteMessage(slotIdx int, msg wire.Message) error {
	conn, ok := m.conns[slotIdx]
	if !ok {
		return fmt.Errorf("write_message: no socket for slot %d", slotIdx)
	}
	s := m.Slots[slotIdx]
	gen := s.Generation

	encoded, err := wireproto.EncodeFrame(m.Magic, msg)
	if err != nil {
		return fmt.Errorf("write_message: %w", err)
	}
	raw := pool.Get(len(encoded))
	copy(raw, encoded)

	go func() {
		_, werr := conn.Write(raw)
		pool.Put(raw)
		m.emit(Event{Kind: EventWriteDone, Slot: slotIdx, Generation: gen, Command: msg.Command(), Err: werr})
	}()
	return nil
}

// ReplacePeer closes the socket (idempotent against an already-closing
// socket); the caller reconnects via ConnectToBestCandidateAsPeer once it
// observes the resulting EventClosed. Close is reported asynchronously
// through Events so the slot is never re-dialed before the previous
// socket has actually finished closing.
func (m *Manager) ReplacePeer(slotIdx int) {
	s := m.Slots[slotIdx]
	s.State = peer.Closing
	m.Registry.Unbind(s.CandidateKey)

	if m.closing[slotIdx] {
		return // idempotent: a close is already in flight for this slot
	}
	conn, ok := m.conns[slotIdx]
	if !ok {
		// Never connected (e.g. dial still pending or already failed) —
		// there is nothing to close; the caller proceeds straight to
		// reconnect.
		m.emit(Event{Kind: EventClosed, Slot: slotIdx, Generation: s.Generation})
		return
	}
	m.closing[slotIdx] = true
	gen := s.Generation
	go func() {
		_ = conn.Close()
		m.emit(Event{Kind: EventClosed, Slot: slotIdx, Generation: gen})
	}()
}

// FinishClose drops the bookkeeping for a slot once its close completion
// event has been observed by the event loop.
func (m *Manager) FinishClose(slotIdx int) {
	delete(m.conns, slotIdx)
	delete(m.closing, slotIdx)
}

// ConnectToBestCandidateAsPeer selects the best non-peer candidate and
// dials it into slotIdx. Returns false when the registry has nothing
// eligible, deferring the dial to the caller's next connectivity sweep.
func (m *Manager) ConnectToBestCandidateAsPeer(ctx context.Context, slotIdx int, now time.Time, latencyTolerance time.Duration) (bool, error) {
	cand, ok := m.Registry.BestNonPeer(now, latencyTolerance)
	if !ok {
		return false, nil
	}
	if err := m.DialIntoSlot(ctx, slotIdx, cand); err != nil {
		return false, err
	}
	return true, nil
}
