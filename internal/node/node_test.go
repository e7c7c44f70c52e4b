package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/sourcenet/btcp2p/internal/chainstore"
	"github.com/sourcenet/btcp2p/internal/config"
	"github.com/sourcenet/btcp2p/internal/connmgr"
	"github.com/sourcenet/btcp2p/internal/frame"
	"github.com/sourcenet/btcp2p/internal/peer"
	"github.com/sourcenet/btcp2p/internal/wireproto"
)

func newTestNode(t *testing.T) *Node {
	cfg := config.Default()
	cfg.OperationPort = 0
	cfg.HTTPStatusAddr = ""
	cfg.DataDir = t.TempDir()
	cfg.Network = "testnet3"
	store := chainstore.NewKVStore(dbm.NewMemDB())
	n, err := New(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { n.admin.Close() })
	return n
}

// attachPipe wires slot idx's socket to the client half of a net.Pipe and
// drives the EventConnected transition exactly as the real loop would,
// returning the server half for the test to act as the remote peer.
func attachPipe(t *testing.T, n *Node, idx int) (server net.Conn) {
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })

	s := n.slots[idx]
	cand := n.registry.Upsert(net.IPv4(10, 0, 0, byte(idx+1)), 8333, 0, time.Now())
	require.NoError(t, n.registry.Bind(cand.Key(), idx))
	s.CandidateKey = cand.Key()
	s.Addr = cand.IP
	s.Port = cand.Port
	s.State = peer.Dialing
	s.ConnStart = time.Now()

	n.handleConnEvent(context.Background(), connmgr.Event{
		Kind: connmgr.EventConnected, Slot: idx, Generation: s.Generation, Conn: client,
	})
	return srv
}

// readFrame reads exactly one frame off conn, decoding enough to return its
// command name.
func readFrame(t *testing.T, conn net.Conn) wireproto.Header {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	codec := frame.New(uint32(wire.TestNet3))
	defer codec.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		frames, _, err := codec.Feed(buf[:n])
		require.NoError(t, err)
		if len(frames) > 0 {
			return wireproto.Header{Command: frames[0].Command}
		}
	}
}

func sendMsg(t *testing.T, conn net.Conn, msg wire.Message) {
	raw, err := wireproto.EncodeFrame(wire.TestNet3, msg)
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

// drainOneEvent pulls exactly one event off the connection manager and
// dispatches it, mirroring one iteration of loop() without starting the
// whole supervised goroutine tree.
func drainOneEvent(t *testing.T, n *Node) {
	select {
	case ev := <-n.connmgr.Events():
		n.handleConnEvent(context.Background(), ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connmgr event")
	}
}

func TestHandshakeCompletesBothDirections(t *testing.T) {
	n := newTestNode(t)
	server := attachPipe(t, n, 0)

	hdr := readFrame(t, server)
	require.Equal(t, wire.CmdVersion, hdr.Command, "our version must be sent immediately on connect")

	ver := wire.NewMsgVersion(
		wire.NewNetAddressIPPort(net.IPv4zero, 0, 0),
		wire.NewNetAddressIPPort(net.IPv4(10, 0, 0, 1), 8333, 0),
		1234, 100,
	)
	ver.ProtocolVersion = 70015
	sendMsg(t, server, ver)
	drainOneEvent(t, n) // EventWriteDone for our version
	drainOneEvent(t, n) // EventRead carrying their version

	sendMsg(t, server, wire.NewMsgVerAck())
	drainOneEvent(t, n) // EventRead carrying their verack

	// Our verack reply, then getaddr (candidates < threshold), then ping.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		hdr = readFrame(t, server)
		seen[hdr.Command] = true
	}
	require.True(t, seen[wire.CmdVerAck])
	require.True(t, seen[wire.CmdPing])
	require.True(t, seen[wire.CmdGetAddr])

	require.True(t, n.slots[0].Handshake.Done())
}

func TestCorruptedFrameDroppedNotFatal(t *testing.T) {
	n := newTestNode(t)
	server := attachPipe(t, n, 0)
	readFrame(t, server) // our outbound version; discard

	good, err := wireproto.EncodeFrame(wire.TestNet3, wire.NewMsgPing(42))
	require.NoError(t, err)

	bad := make([]byte, len(good))
	copy(bad, good)
	bad[len(bad)-1] ^= 0xFF // corrupt the payload so the checksum no longer matches

	_, err = server.Write(append(bad, good...))
	require.NoError(t, err)

	drainOneEvent(t, n) // our outbound version's write completion
	drainOneEvent(t, n) // the read carrying both frames; only the valid ping decodes

	hdr := readFrame(t, server)
	require.Equal(t, wire.CmdPong, hdr.Command, "the corrupted frame must be dropped, not fatal")
}

func TestTaskResetIBDMode_Transitions(t *testing.T) {
	n := newTestNode(t)
	n.ibdMode = true

	for i := int32(0); i < 1000; i++ {
		h := &wire.BlockHeader{Nonce: uint32(i)}
		if i > 0 {
			prev, _ := n.store.Tip()
			h.PrevBlock = prev
		}
		_, err := n.store.SubmitHeader(h)
		require.NoError(t, err)
	}
	_, tipHeight := n.store.Tip()
	require.EqualValues(t, 999, tipHeight)

	n.taskResetIBDMode()
	require.True(t, n.ibdMode, "no full blocks yet: stays in IBD")
}
