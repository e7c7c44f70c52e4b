package peer

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Effect is something the FSM wants the caller (internal/node's event
// loop) to do on its behalf. The FSM never touches the candidate
// registry, chain store, or a socket directly — it only describes what
// should happen, keeping the transition table in this file pure and unit
// testable without the rest of the node wired up.
type Effect interface{}

// EffectSend asks the caller to write msg to this peer's socket.
type EffectSend struct{ Msg wire.Message }

// EffectReplace asks the caller to tear down and recycle this slot.
type EffectReplace struct{ Reason string }

// EffectDisableAndReplace asks the caller to disable this slot's bound
// candidate and then replace the peer. No transition in this file returns
// it; internal/node's handshake-timeout and connect-failure paths disable
// and replace directly.
type EffectDisableAndReplace struct{ Reason string }

// EffectInsertAddr asks the caller to upsert an addr record into the
// candidate registry, timestamp already penalized.
type EffectInsertAddr struct {
	IP       [4]byte
	Port     uint16
	Services uint64
	LastSeen time.Time
}

// EffectFeedHeader asks the caller to hand a header to the chain store.
type EffectFeedHeader struct{ Header *wire.BlockHeader }

// EffectFeedBlock asks the caller to hand a block to the chain store. The
// FSM has already cleared this slot's Requesting hash when it returns it.
type EffectFeedBlock struct{ Block *wire.MsgBlock }

// EffectRespondGetAddr asks the caller to sample the registry and send an
// addr reply.
type EffectRespondGetAddr struct{}

// EffectSendPing asks the caller to mint a fresh nonce, send a ping, and
// call EmitPingWritten on write completion — the nonce itself is a
// scheduling decision the FSM leaves to the caller (internal/node), which
// also owns the scheduler's periodic ping_peers nonce source.
type EffectSendPing struct{}

// EffectLatencySample is returned after a matching pong once the latency
// ring is fully tested. Sample is the ring's average, which the caller
// records as the bound candidate's average latency.
type EffectLatencySample struct{ Sample time.Duration }

// DefaultMinimalPeerVersion is the protocol version floor below which a
// peer's version message is rejected as too old to negotiate with. Config
// owns the real value; this default matches config.Default()'s
// MinimalPeerVersion.
const DefaultMinimalPeerVersion = 70001

// Config bundles the small amount of context the FSM needs beyond the
// slot itself, per message.
type Config struct {
	MinimalPeerVersion int32
	IBDMode            bool
	LocalMaxFullHeight int32
	GetaddrThreshold   int
	CandidateCount     int
	Magic              uint32
}

// HandleInbound applies the per-message transition table for one decoded
// message arriving on slot s, returning the effects the caller must carry
// out. now is the event-loop's current time, taken once per tick so every
// handler in that tick observes the same clock.
func HandleInbound(s *Slot, msg wire.Message, now time.Time, cfg Config) ([]Effect, error) {
	s.LastHeard = now

	switch m := msg.(type) {
	case *wire.MsgVersion:
		return handleVersion(s, m, now, cfg)
	case *wire.MsgVerAck:
		return handleVerAck(s, now, cfg)
	case *wire.MsgPing:
		return []Effect{EffectSend{Msg: wire.NewMsgPong(m.Nonce)}}, nil
	case *wire.MsgPong:
		return handlePong(s, m, now)
	case *wire.MsgAddr:
		return handleAddr(m), nil
	case *wire.MsgHeaders:
		return handleHeaders(m), nil
	case *wire.MsgBlock:
		return handleBlock(s, m), nil
	case *wire.MsgGetAddr:
		return []Effect{EffectRespondGetAddr{}}, nil
	case *wire.MsgInv:
		// Unsolicited inv announcements are not acted on; block discovery
		// runs off headers and the missing-block sweep instead.
		return nil, nil
	case *wire.MsgReject:
		return nil, nil
	default:
		s.UnknownCommandCount++
		return nil, nil
	}
}

func handleVersion(s *Slot, m *wire.MsgVersion, now time.Time, cfg Config) ([]Effect, error) {
	s.ProtocolVersion = m.ProtocolVersion
	s.Services = uint64(m.Services)
	s.ChainHeightHint = int32(m.LastBlock)

	wasHandshaken := s.Handshake.Done()
	if m.ProtocolVersion >= cfg.MinimalPeerVersion {
		s.Handshake.WeAcceptThem = true
	}

	var effects []Effect
	if !wasHandshaken && s.Handshake.Done() {
		effects = append(effects, postHandshakeEffects(s, cfg)...)
	}
	return effects, nil
}

func handleVerAck(s *Slot, now time.Time, cfg Config) ([]Effect, error) {
	wasHandshaken := s.Handshake.Done()
	s.Handshake.TheyAcceptedUs = true

	effects := []Effect{EffectSend{Msg: wire.NewMsgVerAck()}}
	if !wasHandshaken && s.Handshake.Done() {
		effects = append(effects, postHandshakeEffects(s, cfg)...)
	}
	return effects, nil
}

// postHandshakeEffects runs once, the moment both handshake directions
// complete.
func postHandshakeEffects(s *Slot, cfg Config) []Effect {
	if cfg.IBDMode && s.ChainHeightHint < cfg.LocalMaxFullHeight {
		return []Effect{EffectReplace{Reason: "useless for sync during IBD"}}
	}

	var effects []Effect
	if cfg.CandidateCount < cfg.GetaddrThreshold {
		effects = append(effects, EffectSend{Msg: wire.NewMsgGetAddr()})
	}
	effects = append(effects, EffectSendPing{})
	return effects
}

func handlePong(s *Slot, m *wire.MsgPong, now time.Time) ([]Effect, error) {
	if m.Nonce != s.Ping.Nonce {
		// Stale nonce: logged and ignored, must not update latency or
		// clear the pending ping.
		return nil, nil
	}
	s.Ping.PongReceivedAt = now
	sample := now.Sub(s.Ping.PingSentAt)
	s.Ping.PushLatency(sample)

	if s.Ping.FullyTested() {
		return []Effect{EffectLatencySample{Sample: s.Ping.Average()}}, nil
	}
	return nil, nil
}

func handleAddr(m *wire.MsgAddr) []Effect {
	var effects []Effect
	for _, na := range m.AddrList {
		ip4 := na.IP.To4()
		if ip4 == nil {
			continue // IPv6 records are skipped; the registry is IPv4-only
		}
		var raw [4]byte
		copy(raw[:], ip4)
		effects = append(effects, EffectInsertAddr{
			IP:       raw,
			Port:     na.Port,
			Services: uint64(na.Services),
			LastSeen: na.Timestamp.Add(-2 * time.Hour),
		})
	}
	return effects
}

func handleHeaders(m *wire.MsgHeaders) []Effect {
	effects := make([]Effect, 0, len(m.Headers))
	for _, h := range m.Headers {
		effects = append(effects, EffectFeedHeader{Header: h})
	}
	return effects
}

func handleBlock(s *Slot, m *wire.MsgBlock) []Effect {
	s.Requesting = zeroHash
	return []Effect{EffectFeedBlock{Block: m}}
}

var zeroHash = chainhash.Hash{}

// EmitVersion records when our own version message was actually written,
// as opposed to when the dial completed.
func (s *Slot) EmitVersion(now time.Time) {
	s.Handshake.Start = now
}

// EmitPingWritten records ping_sent_at on write completion (not on
// enqueue), and stores the nonce that was actually sent.
func (s *Slot) EmitPingWritten(nonce uint64, now time.Time) {
	s.Ping.Nonce = nonce
	s.Ping.PingSentAt = now
}

// ValidateRequesting is a defensive check used by tests and the
// connectivity sweep to assert that Requesting is either the zero hash
// or exactly one hash we are waiting on from a Ready peer.
func (s *Slot) ValidateRequesting() error {
	if s.Requesting == zeroHash {
		return nil
	}
	if s.State != Ready {
		return fmt.Errorf("slot %d has outstanding request %s while not ready", s.Index, s.Requesting)
	}
	return nil
}
