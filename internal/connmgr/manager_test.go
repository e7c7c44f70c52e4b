package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/sourcenet/btcp2p/internal/candidate"
	"github.com/sourcenet/btcp2p/internal/peer"
)

func newTestManager(n int) (*Manager, *candidate.Registry) {
	slots := make([]*peer.Slot, n)
	for i := range slots {
		slots[i] = &peer.Slot{Index: i}
	}
	reg := candidate.New(1)
	return NewManager(slots, reg, wire.TestNet3, 16), reg
}

func TestConnectToBestCandidateAsPeer_EmptyRegistryDefers(t *testing.T) {
	defer leaktest.Check(t)()
	mgr, _ := newTestManager(1)

	ok, err := mgr.ConnectToBestCandidateAsPeer(context.Background(), 0, time.Now(), time.Second)
	require.NoError(t, err)
	require.False(t, ok, "empty registry at dial time defers rather than errors")
}

func TestWriteMessage_RoundTripsOverPipe(t *testing.T) {
	defer leaktest.Check(t)()
	mgr, _ := newTestManager(1)

	client, server := net.Pipe()
	defer server.Close()

	mgr.AttachConnected(0, client)
	require.NoError(t, mgr.WriteMessage(0, wire.NewMsgVerAck()))

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	select {
	case ev := <-mgr.Events():
		require.Equal(t, EventWriteDone, ev.Kind)
		require.Equal(t, "verack", ev.Command)
		require.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion event")
	}
}

func TestReplacePeer_IdempotentAgainstDoubleClose(t *testing.T) {
	defer leaktest.Check(t)()
	mgr, reg := newTestManager(1)

	client, server := net.Pipe()
	defer server.Close()

	cand := reg.Upsert(net.IPv4(10, 0, 0, 1), 8333, 0, time.Now())
	require.NoError(t, reg.Bind(cand.Key(), 0))
	mgr.Slots[0].CandidateKey = cand.Key()
	mgr.AttachConnected(0, client)

	mgr.ReplacePeer(0)
	mgr.ReplacePeer(0) // must not spawn a second close goroutine

	select {
	case ev := <-mgr.Events():
		require.Equal(t, EventClosed, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}

	select {
	case ev := <-mgr.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
		// expected: no second close was queued
	}

	require.False(t, reg.IsPeer(cand.Key()), "unbind must happen synchronously in ReplacePeer")
}
