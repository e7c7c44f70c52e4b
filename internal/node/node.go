// Package node wires the peer table, candidate registry, connection
// manager, scheduler, and chain store into a single-threaded event loop:
// one goroutine owns every slot, the candidate registry, and the chain
// store handle, and everything else (dialers, readers, writers, timers,
// the admin listener) only ever hands work back to this loop through a
// channel.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/sourcenet/btcp2p/internal/addrstore"
	"github.com/sourcenet/btcp2p/internal/admin"
	"github.com/sourcenet/btcp2p/internal/candidate"
	"github.com/sourcenet/btcp2p/internal/chainstore"
	"github.com/sourcenet/btcp2p/internal/config"
	"github.com/sourcenet/btcp2p/internal/connmgr"
	"github.com/sourcenet/btcp2p/internal/httpapi"
	"github.com/sourcenet/btcp2p/internal/metrics"
	"github.com/sourcenet/btcp2p/internal/peer"
	"github.com/sourcenet/btcp2p/internal/scheduler"
	"github.com/sourcenet/btcp2p/internal/wireproto"
)

var zeroHash = chainhash.Hash{}

// Node owns every piece of mutable state the event loop touches. Nothing
// outside the loop goroutine may read or write Slots, Registry, or Store
// without going through the channels below — that is what makes the rest
// of the package lock-free.
type Node struct {
	cfg   config.Config
	magic wire.BitcoinNet
	log   zerolog.Logger

	slots    []*peer.Slot
	registry *candidate.Registry
	connmgr  *connmgr.Manager
	sched    *scheduler.Scheduler
	admin    *admin.Listener
	http     *httpapi.Server
	store    chainstore.Store
	metrics  *metrics.Metrics

	ibdMode   bool
	startedAt time.Time

	// pendingPing correlates an in-flight ping write with the nonce that
	// will be recorded as ping_sent_at only once the write actually
	// completes, not when it's enqueued.
	pendingPing map[int]uint64

	statusMu sync.Mutex
	status   httpapi.StatusSnapshot

	killOnce sync.Once
	killCh   chan struct{}
}

// New assembles a Node ready to Run. store is the chain-store adapter
// (C8); a caller with no real chain engine can pass chainstore.NewKVStore.
func New(cfg config.Config, store chainstore.Store, log zerolog.Logger) (*Node, error) {
	magic, err := wireproto.Net(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	slotCount := cfg.MaxOutgoing
	if cfg.MaxOutgoingIBD > slotCount {
		slotCount = cfg.MaxOutgoingIBD
	}
	slots := make([]*peer.Slot, slotCount)
	for i := range slots {
		slots[i] = &peer.Slot{Index: i}
	}

	registry := candidate.New(time.Now().UnixNano())
	n := &Node{
		cfg:         cfg,
		magic:       magic,
		log:         log,
		slots:       slots,
		registry:    registry,
		connmgr:     connmgr.NewManager(slots, registry, magic, 256),
		sched:       scheduler.New(64),
		store:       store,
		metrics:     metrics.New(),
		pendingPing: make(map[int]uint64),
		startedAt:   time.Now(),
		killCh:      make(chan struct{}),
	}

	if err := addrstore.LoadSnapshot(registry, n.addrBookPath()); err != nil {
		return nil, fmt.Errorf("node: load address book: %w", err)
	}
	for _, addr := range cfg.BootstrapPeers {
		host, port, perr := net.SplitHostPort(addr)
		if perr != nil {
			log.Warn().Str("addr", addr).Err(perr).Msg("skipping malformed bootstrap peer")
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			log.Warn().Str("addr", addr).Msg("skipping non-IPv4 bootstrap peer")
			continue
		}
		var p uint16
		fmt.Sscanf(port, "%d", &p)
		registry.Upsert(ip, p, 0, time.Now())
	}

	n.http = httpapi.New(cfg.HTTPStatusAddr, n.Snapshot)

	ln, err := admin.Listen(cfg.OperationPort, cfg.Backlog, n.requestShutdown)
	if err != nil {
		return nil, err
	}
	n.admin = ln

	return n, nil
}

func (n *Node) addrBookPath() string {
	if n.cfg.DataDir == "" {
		return ""
	}
	return n.cfg.DataDir + "/addrbook.json"
}

func (n *Node) requestShutdown() {
	n.killOnce.Do(func() { close(n.killCh) })
}

// targetSlotCount returns the outbound slot count for the current IBD
// mode.
func (n *Node) targetSlotCount() int {
	if n.ibdMode {
		return n.cfg.MaxOutgoingIBD
	}
	return n.cfg.MaxOutgoing
}

// Run starts every supervised goroutine and blocks until ctx is canceled,
// a fatal startup-class error occurs, or the admin listener receives KILL.
func (n *Node) Run(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	n.registerTasks(gctx)

	g.Go(func() error { return n.admin.Serve(gctx) })
	if n.cfg.HTTPStatusAddr != "" {
		g.Go(func() error { return n.http.Serve(gctx) })
	}
	g.Go(func() error {
		// cancel unblocks every other supervised goroutine once the loop
		// exits, for any reason (KILL, parent cancellation, or error) —
		// errgroup only cancels gctx on a non-nil error, which a clean
		// KILL shutdown never produces.
		err := n.loop(gctx)
		cancel()
		return err
	})

	if err := g.Wait(); err != nil && parent.Err() == nil {
		return err
	}
	return nil
}

func (n *Node) registerTasks(ctx context.Context) {
	p := n.cfg.Periods
	n.sched.Register(ctx, "ping_peers", p.PingPeers(), false)
	n.sched.Register(ctx, "check_peers_connectivity", p.CheckConnectivity(), false)
	n.sched.Register(ctx, "exchange_data_with_peers", p.ExchangeData(), false)
	n.sched.Register(ctx, "reset_ibd_mode", p.ResetIBDMode(), false)
	n.sched.Register(ctx, "print_node_status", p.PrintStatus(), false)
	n.sched.Register(ctx, "save_chain_data", p.SaveChainData(), false)
	n.sched.Register(ctx, "autoexit", p.Autoexit(), true)
}

// seedInitialDials fires the first round of outbound dials. It must run
// on the loop goroutine, same as every other caller of
// ConnectToBestCandidateAsPeer, since it touches the registry's entries
// map, its rng, and slot state with no lock of their own.
func (n *Node) seedInitialDials(ctx context.Context) {
	target := n.targetSlotCount()
	now := time.Now()
	for i := 0; i < target && i < len(n.slots); i++ {
		if _, err := n.connmgr.ConnectToBestCandidateAsPeer(ctx, i, now, n.cfg.Tolerances.Latency()); err != nil {
			n.log.Warn().Err(err).Int("slot", i).Msg("initial dial failed")
		}
	}
}

// loop is the single-threaded core: every line below runs on exactly one
// goroutine, which is why none of the state it touches needs a lock.
func (n *Node) loop(ctx context.Context) error {
	n.seedInitialDials(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.killCh:
			n.log.Info().Msg("KILL received, stopping event loop")
			return nil
		case ev := <-n.connmgr.Events():
			n.handleConnEvent(ctx, ev)
		case f := <-n.sched.Fires():
			n.handleFire(ctx, f)
		}
	}
}

func (n *Node) handleConnEvent(ctx context.Context, ev connmgr.Event) {
	if ev.Slot < 0 || ev.Slot >= len(n.slots) {
		return
	}
	s := n.slots[ev.Slot]
	if ev.Generation != s.Generation {
		return // stale callback for a slot that has since been recycled
	}

	switch ev.Kind {
	case connmgr.EventConnected:
		n.connmgr.AttachConnected(ev.Slot, ev.Conn)
		s.ConnID = uuid.New()
		n.connmgr.StartReading(ctx, ev.Slot, s.Generation, ev.Conn)
		n.sendVersion(ev.Slot)

	case connmgr.EventConnectFailed:
		n.log.Debug().Int("slot", ev.Slot).Err(ev.Err).Msg("dial failed")
		n.registry.Disable(s.CandidateKey)
		n.connmgr.ReplacePeer(ev.Slot)

	case connmgr.EventRead:
		n.handleRead(ev)

	case connmgr.EventReadError:
		wasReady := s.IsReady()
		n.log.Debug().Int("slot", ev.Slot).Err(ev.Err).Bool("was_ready", wasReady).Msg("read terminated")
		n.connmgr.ReplacePeer(ev.Slot)

	case connmgr.EventWriteDone:
		n.handleWriteDone(ev)

	case connmgr.EventClosed:
		delete(n.pendingPing, ev.Slot)
		n.connmgr.FinishClose(ev.Slot)
		ok, err := n.connmgr.ConnectToBestCandidateAsPeer(ctx, ev.Slot, time.Now(), n.cfg.Tolerances.Latency())
		if err != nil {
			n.log.Warn().Int("slot", ev.Slot).Err(err).Msg("redial failed")
		} else if !ok {
			// No candidate available right now: reset to Empty so the
			// connectivity sweep picks this slot back up on its next
			// tick instead of leaving it stuck in Closing.
			n.log.Debug().Int("slot", ev.Slot).Msg("no candidate available, deferring to next sweep")
			s.Reset(ev.Slot)
		}
	}
}

func (n *Node) handleWriteDone(ev connmgr.Event) {
	if ev.Err != nil {
		n.log.Warn().Int("slot", ev.Slot).Str("command", ev.Command).Err(ev.Err).Msg("write failed")
		return
	}
	n.metrics.MessagesSent.Add(1)

	s := n.slots[ev.Slot]
	switch ev.Command {
	case wire.CmdVersion:
		s.EmitVersion(time.Now())
	case wire.CmdPing:
		if nonce, ok := n.pendingPing[ev.Slot]; ok {
			s.EmitPingWritten(nonce, time.Now())
			delete(n.pendingPing, ev.Slot)
		}
	}
}

func (n *Node) handleRead(ev connmgr.Event) {
	s := n.slots[ev.Slot]
	if s.Codec == nil {
		return
	}
	frames, noise, err := s.Codec.Feed(ev.Data)
	if noise > 0 {
		n.log.Debug().Int("slot", ev.Slot).Int("noise_bytes", noise).Msg("discarded noise before magic")
	}
	if err != nil {
		n.metrics.FrameChecksumFails.Add(1)
		n.log.Warn().Int("slot", ev.Slot).Err(err).Msg("frame codec error, replacing peer")
		n.connmgr.ReplacePeer(ev.Slot)
		return
	}

	now := time.Now()
	for _, fr := range frames {
		n.metrics.MessagesReceived.Add(1)
		msg, derr := wireproto.DecodePayload(fr.Command, fr.Payload)
		if derr != nil {
			if derr == wireproto.ErrUnknownCommand {
				s.UnknownCommandCount++
			} else {
				n.log.Debug().Int("slot", ev.Slot).Str("command", fr.Command).Err(derr).Msg("decode error, dropping frame")
			}
			continue
		}
		if n.silenced(fr.Command) {
			n.log.Trace().Int("slot", ev.Slot).Str("command", fr.Command).Msg("inbound")
		} else {
			n.log.Debug().Int("slot", ev.Slot).Str("command", fr.Command).Msg("inbound")
		}

		effects, herr := peer.HandleInbound(s, msg, now, n.fsmConfig())
		if herr != nil {
			n.log.Warn().Int("slot", ev.Slot).Err(herr).Msg("fsm error")
			continue
		}
		n.interpretEffects(ev.Slot, effects, now)

		// A slot is ready the instant both handshake booleans go true —
		// the FSM itself only tracks the booleans, so the loop is what
		// advances the slot's State.
		if s.State == peer.Handshaking && s.Handshake.Done() {
			s.State = peer.Ready
			n.metrics.HandshakesOK.Add(1)
		}
	}
}

func (n *Node) silenced(command string) bool {
	for _, c := range n.cfg.SilentIncomingMessageCommands {
		if c == command {
			return true
		}
	}
	return false
}

func (n *Node) fsmConfig() peer.Config {
	return peer.Config{
		MinimalPeerVersion: n.cfg.MinimalPeerVersion,
		IBDMode:            n.ibdMode,
		LocalMaxFullHeight: n.store.MaxFullBlockHeight(),
		GetaddrThreshold:   n.cfg.GetaddrThreshold,
		CandidateCount:     n.registry.Size(),
		Magic:              uint32(n.magic),
	}
}

func (n *Node) interpretEffects(idx int, effects []peer.Effect, now time.Time) {
	s := n.slots[idx]
	for _, raw := range effects {
		switch e := raw.(type) {
		case peer.EffectSend:
			n.writeMessage(idx, e.Msg)

		case peer.EffectReplace:
			n.log.Info().Int("slot", idx).Str("reason", e.Reason).Msg("replacing peer")
			n.connmgr.ReplacePeer(idx)

		case peer.EffectDisableAndReplace:
			n.log.Info().Int("slot", idx).Str("reason", e.Reason).Msg("disabling candidate and replacing peer")
			n.registry.Disable(s.CandidateKey)
			n.connmgr.ReplacePeer(idx)

		case peer.EffectInsertAddr:
			ip := net.IPv4(e.IP[0], e.IP[1], e.IP[2], e.IP[3])
			n.registry.Upsert(ip, e.Port, e.Services, e.LastSeen)

		case peer.EffectFeedHeader:
			status, err := n.store.SubmitHeader(e.Header)
			if err != nil {
				n.log.Warn().Int("slot", idx).Err(err).Msg("submit header failed")
				continue
			}
			if status == chainstore.HeaderNew {
				n.metrics.HeadersAccepted.Add(1)
			}

		case peer.EffectFeedBlock:
			status, err := n.store.SubmitBlock(e.Block)
			if err != nil {
				n.log.Warn().Int("slot", idx).Err(err).Msg("submit block failed")
				continue
			}
			if status == chainstore.BlockNew {
				n.metrics.BlocksAccepted.Add(1)
			}

		case peer.EffectRespondGetAddr:
			n.sendAddr(idx, now)

		case peer.EffectSendPing:
			n.sendPing(idx)

		case peer.EffectLatencySample:
			n.registry.RecordLatency(s.CandidateKey, e.Sample)
		}
	}
}

func (n *Node) writeMessage(idx int, msg wire.Message) {
	if err := n.connmgr.WriteMessage(idx, msg); err != nil {
		n.log.Warn().Int("slot", idx).Str("command", msg.Command()).Err(err).Msg("write failed")
	}
}

func (n *Node) sendVersion(idx int) {
	s := n.slots[idx]
	_, tipHeight := n.store.Tip()

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.ServiceFlag(n.cfg.Services))
	you := wire.NewNetAddressIPPort(s.Addr, s.Port, 0)
	nonce, _ := wire.RandomUint64()

	v := wire.NewMsgVersion(me, you, nonce, tipHeight)
	v.ProtocolVersion = int32(n.cfg.ProtocolVersion)
	v.Services = wire.ServiceFlag(n.cfg.Services)
	v.UserAgent = n.cfg.UserAgent

	n.writeMessage(idx, v)
}

func (n *Node) sendPing(idx int) {
	nonce, _ := wire.RandomUint64()
	n.pendingPing[idx] = nonce
	n.writeMessage(idx, wire.NewMsgPing(nonce))
}

func (n *Node) sendAddr(idx int, now time.Time) {
	picked := n.registry.Sample(now, n.cfg.MaxAddrResponse)
	if len(picked) == 0 {
		return
	}
	msg := wire.NewMsgAddr()
	for _, c := range picked {
		_ = msg.AddAddress(&wire.NetAddress{
			Timestamp: c.LastSeen,
			Services:  wire.ServiceFlag(c.Services),
			IP:        c.IP,
			Port:      c.Port,
		})
	}
	n.writeMessage(idx, msg)
}

// handleFire dispatches one scheduler.Fire to its task body.
func (n *Node) handleFire(ctx context.Context, f scheduler.Fire) {
	switch f.Name {
	case "ping_peers":
		n.taskPingPeers(f.At)
	case "check_peers_connectivity":
		n.taskCheckConnectivity(ctx, f.At)
	case "exchange_data_with_peers":
		n.taskExchangeData(f.At)
	case "reset_ibd_mode":
		n.taskResetIBDMode()
	case "print_node_status":
		n.taskPrintStatus(f.At)
	case "save_chain_data":
		n.taskSaveChainData()
	case "autoexit":
		n.log.Info().Msg("autoexit fired")
		n.requestShutdown()
	}
}

func (n *Node) taskPingPeers(now time.Time) {
	for idx, s := range n.slots {
		if !s.IsReady() {
			continue
		}
		if !s.Ping.PingSentAt.IsZero() && s.Ping.PongReceivedAt.Before(s.Ping.PingSentAt) {
			// Previous ping never got a matching pong: synthesize a sample
			// so a stuck peer's score decays instead of freezing.
			sample := now.Sub(s.Ping.PingSentAt)
			s.Ping.PushLatency(sample)
			if s.Ping.FullyTested() {
				n.registry.RecordLatency(s.CandidateKey, s.Ping.Average())
			}
			n.metrics.PingsTimedOut.Add(1)
		}
		n.sendPing(idx)
	}
}

func (n *Node) taskCheckConnectivity(ctx context.Context, now time.Time) {
	handshakeTol := n.cfg.Tolerances.Handshake()
	peerLife := n.cfg.Tolerances.PeerLife()
	latencyTol := n.cfg.Tolerances.Latency()

	for idx, s := range n.slots {
		if idx >= n.targetSlotCount() {
			continue
		}
		switch {
		case s.State == peer.Empty:
			if _, err := n.connmgr.ConnectToBestCandidateAsPeer(ctx, idx, now, latencyTol); err != nil {
				n.log.Warn().Int("slot", idx).Err(err).Msg("sweep dial failed")
			}

		case !s.Handshake.Done():
			// Measure from the moment our own version was actually
			// written, not from dial completion — TCP connect and the
			// first write can be seconds apart under load. Before we've
			// written anything, Start is still zero and ConnStart is the
			// only clock available.
			start := s.ConnStart
			if !s.Handshake.Start.IsZero() {
				start = s.Handshake.Start
			}
			if handshakeTol > 0 && now.Sub(start) > handshakeTol {
				n.log.Info().Int("slot", idx).Msg("handshake timeout")
				n.metrics.HandshakesFailed.Add(1)
				n.registry.Disable(s.CandidateKey)
				n.connmgr.ReplacePeer(idx)
			}

		case peerLife > 0 && now.Sub(s.ConnStart) > peerLife:
			n.log.Info().Int("slot", idx).Msg("peer life exceeded")
			n.connmgr.ReplacePeer(idx)

		case s.Ping.FullyTested() && s.Ping.Average() > latencyTol:
			n.log.Warn().Int("slot", idx).Dur("avg_latency", s.Ping.Average()).Msg("average latency above tolerance")
		}
	}
}

func (n *Node) taskExchangeData(now time.Time) {
	idle := 0
	for _, s := range n.slots {
		if s.IsReady() && s.Requesting == zeroHash {
			idle++
		}
	}
	missing := n.store.MissingBlocks(idle)
	tipHash, tipHeight := n.store.Tip()

	mi := 0
	for idx, s := range n.slots {
		if !s.IsReady() {
			continue
		}
		if s.ChainHeightHint > tipHeight {
			gh := wire.NewMsgGetHeaders()
			th := tipHash
			_ = gh.AddBlockLocatorHash(&th)
			gh.HashStop = chainhash.Hash{}
			n.writeMessage(idx, gh)
		}
		if s.Requesting == zeroHash && mi < len(missing) {
			hash := missing[mi]
			mi++
			gd := wire.NewMsgGetData()
			_ = gd.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
			n.writeMessage(idx, gd)
			s.Requesting = hash
		}
	}
}

func (n *Node) taskResetIBDMode() {
	_, tipHeight := n.store.Tip()
	maxFull := n.store.MaxFullBlockHeight()
	if tipHeight <= 0 {
		n.ibdMode = true
		return
	}
	ratio := float64(maxFull+1) / float64(tipHeight+1)
	n.ibdMode = ratio <= n.cfg.IBDModeAvailabilityThreshold
}

func (n *Node) taskPrintStatus(now time.Time) {
	tipHash, tipHeight := n.store.Tip()
	connected := 0
	for _, s := range n.slots {
		if s.IsReady() {
			connected++
		}
	}

	snap := httpapi.StatusSnapshot{
		Uptime:          now.Sub(n.startedAt),
		PeersConnected:  connected,
		CandidatesKnown: n.registry.Size(),
		ChainTip:        tipHash.String(),
		ChainHeight:     tipHeight,
		MaxFullHeight:   n.store.MaxFullBlockHeight(),
		IBDMode:         n.ibdMode,
	}
	n.statusMu.Lock()
	n.status = snap
	n.statusMu.Unlock()

	n.metrics.PeersConnected.Set(float64(connected))
	n.metrics.CandidatesKnown.Set(float64(n.registry.Size()))

	n.log.Info().
		Int("peers", connected).
		Int("candidates", n.registry.Size()).
		Int32("tip_height", tipHeight).
		Int32("max_full_height", n.store.MaxFullBlockHeight()).
		Bool("ibd_mode", n.ibdMode).
		Msg("node status")
}

// dbBackedStore is implemented by chain stores that expose the raw
// tendermint/tm-db handle they persist through, letting the address book's
// ordered index share it instead of opening a database of its own.
type dbBackedStore interface {
	DB() dbm.DB
}

func (n *Node) taskSaveChainData() {
	if err := n.store.Save(); err != nil {
		n.log.Warn().Err(err).Msg("chain store save failed")
	}
	if path := n.addrBookPath(); path != "" {
		if err := addrstore.SaveSnapshot(n.registry, path); err != nil {
			n.log.Warn().Err(err).Msg("address book save failed")
		}
	}
	if dbs, ok := n.store.(dbBackedStore); ok {
		if err := addrstore.PersistOrdered(dbs.DB(), n.registry); err != nil {
			n.log.Warn().Err(err).Msg("address book ordered index save failed")
		}
	}
}

// Snapshot implements httpapi.SnapshotFunc. It reads the last computed
// status under a mutex rather than reaching into Node's event-loop-owned
// state directly, since it runs on the HTTP server's own goroutine.
func (n *Node) Snapshot() httpapi.StatusSnapshot {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	return n.status
}
