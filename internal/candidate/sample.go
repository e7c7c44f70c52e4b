package candidate

import (
	"time"

	"github.com/mroth/weightedrand"
)

// Sample draws up to n candidates without replacement to answer a peer's
// getaddr, weighted by freshness. This is a distinct scoring function
// from Score: it biases toward candidates we can recommend to someone
// else, not toward candidates we should dial next.
func (r *Registry) Sample(now time.Time, n int) []*Candidate {
	all := r.All()
	if len(all) == 0 || n <= 0 {
		return nil
	}
	if n > len(all) {
		n = len(all)
	}

	choices := make([]weightedrand.Choice, 0, len(all))
	for _, c := range all {
		ageHours := now.Sub(c.LastSeen).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		weight := uint(1000.0 / (1.0 + ageHours))
		if weight == 0 {
			weight = 1
		}
		choices = append(choices, weightedrand.Choice{Item: c, Weight: weight})
	}

	picked := make([]*Candidate, 0, n)
	seen := make(map[Key]bool, n)
	// weightedrand.Chooser picks with replacement; re-roll on a repeat and
	// shrink the remaining pool so the loop always terminates.
	remaining := choices
	for len(picked) < n && len(remaining) > 0 {
		chooser, err := weightedrand.NewChooser(remaining...)
		if err != nil {
			break
		}
		cand := chooser.Pick().(*Candidate)
		if seen[cand.Key()] {
			remaining = removeChoice(remaining, cand.Key())
			continue
		}
		seen[cand.Key()] = true
		picked = append(picked, cand)
		remaining = removeChoice(remaining, cand.Key())
	}
	return picked
}

func removeChoice(choices []weightedrand.Choice, key Key) []weightedrand.Choice {
	out := choices[:0:0]
	for _, ch := range choices {
		if ch.Item.(*Candidate).Key() != key {
			out = append(out, ch)
		}
	}
	return out
}
