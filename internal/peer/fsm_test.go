package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		MinimalPeerVersion: 70001,
		GetaddrThreshold:   256,
		CandidateCount:     0,
	}
}

func effectsContainReplace(effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(EffectReplace); ok {
			return true
		}
	}
	return false
}

// TestHandshakeSymmetry checks a peer is not hand-shaken after only a
// version>=minimal and becomes hand-shaken once the verack follows.
func TestHandshakeSymmetry(t *testing.T) {
	now := time.Now()
	s := &Slot{State: Handshaking}
	cfg := baseConfig()

	require.False(t, s.Handshake.Done())

	ver := &wire.MsgVersion{ProtocolVersion: 70015, LastBlock: 100}
	_, err := HandleInbound(s, ver, now, cfg)
	require.NoError(t, err)
	require.True(t, s.Handshake.WeAcceptThem)
	require.False(t, s.Handshake.Done(), "verack not yet received")

	effects, err := HandleInbound(s, wire.NewMsgVerAck(), now, cfg)
	require.NoError(t, err)
	require.True(t, s.Handshake.Done())
	require.False(t, effectsContainReplace(effects))
}

func TestHandshake_BelowMinimalVersionNeverReady(t *testing.T) {
	now := time.Now()
	s := &Slot{State: Handshaking}
	cfg := baseConfig()

	ver := &wire.MsgVersion{ProtocolVersion: 60000, LastBlock: 100}
	_, _ = HandleInbound(s, ver, now, cfg)
	_, _ = HandleInbound(s, wire.NewMsgVerAck(), now, cfg)

	require.False(t, s.Handshake.WeAcceptThem)
	require.False(t, s.Handshake.Done())
}

func TestPostHandshake_IBDReplacesUselessPeer(t *testing.T) {
	now := time.Now()
	s := &Slot{State: Handshaking}
	cfg := baseConfig()
	cfg.IBDMode = true
	cfg.LocalMaxFullHeight = 1000

	_, _ = HandleInbound(s, &wire.MsgVersion{ProtocolVersion: 70015, LastBlock: 10}, now, cfg)
	effects, err := HandleInbound(s, wire.NewMsgVerAck(), now, cfg)
	require.NoError(t, err)
	require.True(t, effectsContainReplace(effects))
}

func TestPostHandshake_GetaddrBelowThreshold(t *testing.T) {
	now := time.Now()
	s := &Slot{State: Handshaking}
	cfg := baseConfig()
	cfg.GetaddrThreshold = 10
	cfg.CandidateCount = 3

	_, _ = HandleInbound(s, &wire.MsgVersion{ProtocolVersion: 70015, LastBlock: 10}, now, cfg)
	effects, _ := HandleInbound(s, wire.NewMsgVerAck(), now, cfg)

	var sawGetAddr, sawPing bool
	for _, e := range effects {
		if send, ok := e.(EffectSend); ok {
			if send.Msg.Command() == "getaddr" {
				sawGetAddr = true
			}
		}
		if _, ok := e.(EffectSendPing); ok {
			sawPing = true
		}
	}
	require.True(t, sawGetAddr)
	require.True(t, sawPing)
}

// TestPong_StaleNonceIgnored checks a pong carrying a nonce that doesn't
// match the outstanding ping is dropped without touching latency state.
func TestPong_StaleNonceIgnored(t *testing.T) {
	now := time.Now()
	s := &Slot{}
	s.EmitPingWritten(42, now.Add(-50*time.Millisecond))

	effects, err := HandleInbound(s, wire.NewMsgPong(99), now, baseConfig())
	require.NoError(t, err)
	require.Nil(t, effects)
	require.True(t, s.Ping.PongReceivedAt.IsZero())
	require.Equal(t, uint64(42), s.Ping.Nonce, "pending ping must not be cleared")
}

func TestPong_MatchingNonceRecordsLatency(t *testing.T) {
	now := time.Now()
	s := &Slot{}
	sentAt := now.Add(-50 * time.Millisecond)
	s.EmitPingWritten(7, sentAt)

	_, err := HandleInbound(s, wire.NewMsgPong(7), now, baseConfig())
	require.NoError(t, err)
	require.False(t, s.Ping.PongReceivedAt.IsZero())
	require.Equal(t, 1, s.Ping.ringLen)
}

func TestAddr_NonIPv4Skipped(t *testing.T) {
	now := time.Now()
	m := wire.NewMsgAddr()
	v6 := &wire.NetAddress{
		Timestamp: now,
		IP:        []byte{0x20, 0x01, 0xd, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		Port:      8333,
	}
	require.NoError(t, m.AddAddress(v6))

	effects := handleAddr(m)
	require.Empty(t, effects)
}

func TestAddr_TimestampPenalty(t *testing.T) {
	now := time.Now()
	m := wire.NewMsgAddr()
	na := &wire.NetAddress{Timestamp: now, IP: []byte{10, 0, 0, 1}, Port: 8333}
	require.NoError(t, m.AddAddress(na))

	effects := handleAddr(m)
	require.Len(t, effects, 1)
	insert := effects[0].(EffectInsertAddr)
	require.WithinDuration(t, now.Add(-2*time.Hour), insert.LastSeen, time.Second)
}
