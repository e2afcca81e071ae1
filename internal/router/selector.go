package router

import (
	"sort"

	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/registry"
)

// errorPenaltyWeight converts a processor's errors-last-minute into a score
// penalty so recently failing processors rank below clean ones.
const errorPenaltyWeight = 0.01

// candidate is one scored selection option.
type candidate struct {
	entry *registry.Entry
	score float64
}

// selectProcessors ranks the routable processors for a frame, best first.
// The ranking honors breakers, health, and capacity headroom:
//
//	score = (1 - capacity_used) * priority_weight - recent_error_penalty
//
// Frame priority never influences selection; it governs queue ordering.
// Processor-declared priority acts as a multiplicative boost only.
func selectProcessors(f *frame.FrameRef, reg *registry.Registry, breakers *circuitbreaker.Manager, defaultCapability string) []*registry.Entry {
	capability := f.Capability(defaultCapability)
	entries := reg.Candidates(capability)
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	byID := make(map[string]*registry.Entry, len(entries))
	for i, e := range entries {
		ids[i] = e.Registration.ID
		byID[e.Registration.ID] = e
	}

	ranked := make([]candidate, 0, len(entries))
	for _, id := range breakers.AvailableSubset(ids) {
		e := byID[id]
		if e.Health.Status == registry.StatusUnhealthy {
			continue
		}
		if e.Health.CapacityUsed >= 1.0 {
			continue
		}

		weight := e.Registration.Priority
		if weight <= 0 {
			weight = 1.0
		}
		score := (1-e.Health.CapacityUsed)*weight -
			float64(e.Health.ErrorsLastMinute)*errorPenaltyWeight
		ranked = append(ranked, candidate{entry: e, score: score})
	}
	if len(ranked) == 0 {
		return nil
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].entry.Health.CapacityUsed != ranked[j].entry.Health.CapacityUsed {
			return ranked[i].entry.Health.CapacityUsed < ranked[j].entry.Health.CapacityUsed
		}
		return ranked[i].entry.Registration.ID < ranked[j].entry.Registration.ID
	})

	out := make([]*registry.Entry, len(ranked))
	for i, c := range ranked {
		out[i] = c.entry
	}
	return out
}
