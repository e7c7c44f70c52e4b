// Package addrstore persists the candidate registry across restarts: a
// full JSON snapshot for reload on boot, plus an ordered secondary index
// for callers that want to scan candidates best-first without an
// in-memory sort.
package addrstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/sourcenet/btcp2p/internal/candidate"
)

// snapshotEntry is the on-disk JSON shape for one candidate.
type snapshotEntry struct {
	IP         string    `json:"ip"`
	Port       uint16    `json:"port"`
	Services   uint64    `json:"services"`
	LastSeen   time.Time `json:"last_seen"`
	Status     int       `json:"status"`
	AvgLatency int64     `json:"avg_latency_ns"`
}

// SaveSnapshot writes the whole registry to path via an atomic
// rename-on-write, so a crash mid-write can never hand the next boot a
// torn file.
func SaveSnapshot(reg *candidate.Registry, path string) error {
	all := reg.All()
	entries := make([]snapshotEntry, 0, len(all))
	for _, c := range all {
		entries = append(entries, snapshotEntry{
			IP:         c.IP.String(),
			Port:       c.Port,
			Services:   c.Services,
			LastSeen:   c.LastSeen,
			Status:     int(c.Status),
			AvgLatency: int64(c.AvgLatency),
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal address book: %w", err)
	}
	if err := atomicfile.WriteData(path, data, 0o644); err != nil {
		return fmt.Errorf("write address book %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reloads a previously-saved registry into reg. A missing
// file is not an error — it just means there is nothing to bootstrap from
// yet.
func LoadSnapshot(reg *candidate.Registry, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read address book %s: %w", path, err)
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode address book %s: %w", path, err)
	}
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		c := reg.Upsert(ip, e.Port, e.Services, e.LastSeen)
		if e.Status == int(candidate.Disabled) {
			reg.Disable(c.Key())
		}
		if e.AvgLatency > 0 {
			reg.RecordLatency(c.Key(), time.Duration(e.AvgLatency))
		}
	}
	return nil
}

// PersistOrdered mirrors the registry into an embedded KV store with keys
// encoded by google/orderedcode as ("addr", statusByte, -lastSeenUnix,
// address), so a full scan visits candidates best-first without a
// separate sort. It shares whatever dbm.DB handle the caller already has
// open for other state; the "addr" component keeps its keys out of that
// handle's other namespaces.
func PersistOrdered(db dbm.DB, reg *candidate.Registry) error {
	for _, c := range reg.All() {
		key, err := orderKey(c)
		if err != nil {
			return fmt.Errorf("encode candidate key: %w", err)
		}
		val, err := json.Marshal(snapshotEntry{
			IP: c.IP.String(), Port: c.Port, Services: c.Services,
			LastSeen: c.LastSeen, Status: int(c.Status), AvgLatency: int64(c.AvgLatency),
		})
		if err != nil {
			return err
		}
		if err := db.Set(key, val); err != nil {
			return fmt.Errorf("persist candidate %s: %w", c.Key(), err)
		}
	}
	return nil
}

func orderKey(c *candidate.Candidate) ([]byte, error) {
	return orderedcode.Append(nil, "addr", int64(c.Status), -c.LastSeen.Unix(), string(c.Key()))
}
