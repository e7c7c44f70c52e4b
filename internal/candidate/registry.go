// Package candidate implements the address book of known peers: its
// scoring function and best_non_peer selection, the IPv4-only peer
// discovery model Bitcoin Core's addrman uses.
package candidate

import (
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Status is a candidate's lifecycle state.
type Status int

const (
	Active Status = iota
	Disabled
)

// Key identifies a candidate by its IPv4 address and port; IPv6 candidates
// are never dialed.
type Key string

func KeyOf(ip net.IP, port uint16) Key {
	return Key(fmt.Sprintf("%s:%d", ip.To4().String(), port))
}

// Candidate is one entry in the registry.
type Candidate struct {
	IP       net.IP
	Port     uint16
	Services uint64

	LastSeen   time.Time
	Status     Status
	AvgLatency time.Duration // 0 means "unknown"
}

func (c Candidate) Key() Key { return KeyOf(c.IP, c.Port) }

// Registry is mutable only from within the event loop; it carries no lock
// of its own.
type Registry struct {
	entries map[Key]*Candidate
	boundBy map[Key]int // candidate -> slot index, for "is currently a peer"
	rng     *rand.Rand
}

func New(seed int64) *Registry {
	return &Registry{
		entries: make(map[Key]*Candidate),
		boundBy: make(map[Key]int),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (r *Registry) Size() int { return len(r.entries) }

// Get returns the candidate for key, and whether it exists.
func (r *Registry) Get(key Key) (*Candidate, bool) {
	c, ok := r.entries[key]
	return c, ok
}

// Upsert inserts addr with lastSeen as given. It applies no penalty itself:
// for an addr relay the caller has already subtracted the standard 2-hour
// timestamp penalty (see peer.handleAddr). If the candidate
// already exists, the timestamp becomes the max of the existing and new
// values, so a stale re-announcement can never regress a fresher one.
func (r *Registry) Upsert(ip net.IP, port uint16, services uint64, lastSeen time.Time) *Candidate {
	key := KeyOf(ip, port)
	if existing, ok := r.entries[key]; ok {
		if lastSeen.After(existing.LastSeen) {
			existing.LastSeen = lastSeen
		}
		if services != 0 {
			existing.Services = services
		}
		return existing
	}
	c := &Candidate{
		IP:       ip.To4(),
		Port:     port,
		Services: services,
		LastSeen: lastSeen,
		Status:   Active,
	}
	r.entries[key] = c
	return c
}

// Disable marks a candidate disabled; candidates are never destroyed, only
// disabled, so a bad peer's history still counts against it on resurface.
func (r *Registry) Disable(key Key) {
	if c, ok := r.entries[key]; ok {
		c.Status = Disabled
	}
}

// RecordLatency replaces the candidate's average latency with avg, the
// mean of the peer's latency ring, once that ring is fully tested.
func (r *Registry) RecordLatency(key Key, avg time.Duration) {
	if c, ok := r.entries[key]; ok {
		c.AvgLatency = avg
	}
}

// Bind records that slot is now using this candidate, enforcing that a
// candidate already bound elsewhere cannot be bound again.
func (r *Registry) Bind(key Key, slot int) error {
	if existing, ok := r.boundBy[key]; ok && existing != slot {
		return fmt.Errorf("candidate %s already bound to slot %d", key, existing)
	}
	r.boundBy[key] = slot
	return nil
}

// Unbind releases the candidate so it can be selected again.
func (r *Registry) Unbind(key Key) {
	delete(r.boundBy, key)
}

// IsPeer reports whether key is currently bound to a slot.
func (r *Registry) IsPeer(key Key) bool {
	_, ok := r.boundBy[key]
	return ok
}

// Score weights.
const (
	statusScoreActive   = 0.0
	statusScoreDisabled = -10.0

	timestampScoreOld   = 0.8 // age > 7d
	timestampScoreMid   = 1.0 // 1d < age <= 7d
	timestampScoreFresh = 0.5 // age <= 1d

	shuffleScoreMax = 2.0
)

// Score computes score = status + timestamp + latency + shuffle, using
// latencyTolerance as the numerator of latency_score.
func Score(c *Candidate, now time.Time, latencyTolerance time.Duration, rng *rand.Rand) float64 {
	score := statusScore(c.Status)
	score += timestampScore(now.Sub(c.LastSeen))
	score += latencyScore(c.AvgLatency, latencyTolerance)
	score += rng.Float64() * shuffleScoreMax
	return score
}

func statusScore(s Status) float64 {
	if s == Disabled {
		return statusScoreDisabled
	}
	return statusScoreActive
}

func timestampScore(age time.Duration) float64 {
	switch {
	case age > 7*24*time.Hour:
		return timestampScoreOld
	case age > 24*time.Hour:
		return timestampScoreMid
	default:
		return timestampScoreFresh
	}
}

func latencyScore(avg, tolerance time.Duration) float64 {
	if avg <= 0 {
		return 1.0
	}
	return float64(tolerance) / float64(avg)
}

// BestNonPeer selects the maximum-scoring candidate not currently bound to
// a peer slot. It returns ok=false when the registry has no unbound
// candidate, leaving reconnection to the caller's next sweep.
func (r *Registry) BestNonPeer(now time.Time, latencyTolerance time.Duration) (*Candidate, bool) {
	var best *Candidate
	bestScore := -1e18
	for key, c := range r.entries {
		if r.IsPeer(key) {
			continue
		}
		s := Score(c, now, latencyTolerance, r.rng)
		if s > bestScore {
			bestScore = s
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// All returns every candidate, for snapshotting/persistence/status display.
func (r *Registry) All() []*Candidate {
	out := make([]*Candidate, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	return out
}
