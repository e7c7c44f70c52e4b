// Package config decodes the node's TOML configuration file into the
// structures the rest of the node depends on.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcutil"
)

// Tolerances holds the millisecond liveness thresholds used by the
// check_peers_connectivity sweep.
type Tolerances struct {
	HandshakeMS int64 `toml:"handshake"`
	LatencyMS   int64 `toml:"latency"`
	PeerLifeMS  int64 `toml:"peerLife"`
}

func (t Tolerances) Handshake() time.Duration { return time.Duration(t.HandshakeMS) * time.Millisecond }
func (t Tolerances) Latency() time.Duration   { return time.Duration(t.LatencyMS) * time.Millisecond }

// PeerLife returns 0 when the option is disabled, the same "zero disables"
// convention the handshake tolerance and every period follow. A zero
// latency tolerance is not a disable switch.
func (t Tolerances) PeerLife() time.Duration { return time.Duration(t.PeerLifeMS) * time.Millisecond }

// Periods holds the millisecond intervals for each scheduler task. Zero
// disables the task.
type Periods struct {
	PingPeersMS              int64 `toml:"pingPeers"`
	CheckConnectivityMS      int64 `toml:"checkPeersConnectivity"`
	ExchangeDataMS           int64 `toml:"exchangeDataWithPeers"`
	ResetIBDModeMS           int64 `toml:"resetIbdMode"`
	PrintStatusMS            int64 `toml:"printNodeStatus"`
	SaveChainDataMS          int64 `toml:"saveChainData"`
	AutoexitMS               int64 `toml:"autoexit"`
}

func (p Periods) dur(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (p Periods) PingPeers() time.Duration         { return p.dur(p.PingPeersMS) }
func (p Periods) CheckConnectivity() time.Duration { return p.dur(p.CheckConnectivityMS) }
func (p Periods) ExchangeData() time.Duration      { return p.dur(p.ExchangeDataMS) }
func (p Periods) ResetIBDMode() time.Duration      { return p.dur(p.ResetIBDModeMS) }
func (p Periods) PrintStatus() time.Duration       { return p.dur(p.PrintStatusMS) }
func (p Periods) SaveChainData() time.Duration     { return p.dur(p.SaveChainDataMS) }
func (p Periods) Autoexit() time.Duration          { return p.dur(p.AutoexitMS) }

// Config is the full set of options the daemon reads from its TOML file,
// covering wire-protocol behavior, connection tuning, and the surrounding
// ambient concerns (storage, logging, HTTP status).
type Config struct {
	ProtocolVersion int32  `toml:"protocolVersion"`
	Services        uint64 `toml:"services"`
	UserAgent       string `toml:"userAgent"`

	MaxOutgoing    int `toml:"maxOutgoing"`
	MaxOutgoingIBD int `toml:"maxOutgoingIBD"`

	GetaddrThreshold             int     `toml:"getaddrThreshold"`
	IBDModeAvailabilityThreshold float64 `toml:"ibdModeAvailabilityThreshold"`
	MinimalPeerVersion           int32   `toml:"minimalPeerVersion"`

	Tolerances Tolerances `toml:"tolerances"`
	Periods    Periods    `toml:"periods"`

	Backlog       int    `toml:"backlog"`
	OperationPort int    `toml:"operationPort"`
	AddrLife      int64  `toml:"addrLife"`

	SilentIncomingMessageCommands []string `toml:"silentIncomingMessageCommands"`

	// Ambient options: not part of the wire protocol itself.
	Network         string `toml:"network"`  // "mainnet" | "testnet3"
	DataDir         string `toml:"dataDir"`
	LogLevel        string `toml:"logLevel"`
	HTTPStatusAddr  string `toml:"httpStatusAddr"`
	MaxAddrResponse int    `toml:"maxAddrResponse"`

	BootstrapPeers []string `toml:"bootstrapPeers"`
}

// Default returns sane out-of-the-box operating parameters: ping ~11s,
// connectivity sweep ~10s, data exchange ~1s, IBD reset ~60s, status
// print ~2s, save ~120s, autoexit ~30min, admin port 9494.
func Default() Config {
	return Config{
		ProtocolVersion: 70015,
		Services:        0,
		UserAgent:       "/btcp2p:0.1.0/",
		MaxOutgoing:     8,
		MaxOutgoingIBD:  16,

		GetaddrThreshold:             256,
		IBDModeAvailabilityThreshold: 0.95,
		MinimalPeerVersion:           70001,

		Tolerances: Tolerances{
			HandshakeMS: 20_000,
			LatencyMS:   2_000,
			PeerLifeMS:  0,
		},
		Periods: Periods{
			PingPeersMS:         11_000,
			CheckConnectivityMS: 10_000,
			ExchangeDataMS:      1_000,
			ResetIBDModeMS:      60_000,
			PrintStatusMS:       2_000,
			SaveChainDataMS:     120_000,
			AutoexitMS:          30 * 60 * 1000,
		},

		Backlog:       16,
		OperationPort: 9494,
		AddrLife:      int64((7 * 24 * time.Hour).Seconds()),

		Network:         "testnet3",
		LogLevel:        "info",
		MaxAddrResponse: 250,
	}
}

// Load decodes a TOML file on top of Default(), then resolves DataDir via
// btcutil.AppDataDir when left blank.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = btcutil.AppDataDir("btcp2pd", false)
	}
	return cfg, nil
}
