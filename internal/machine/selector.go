// Copyright 2025 James Ross
package machine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
)

// Selector implements MachineSelector (spec §4.2): pick a machine from a
// candidate set using round-robin or least-load. Selection is advisory —
// the dispatcher must still call Admit, which may fail under contention.
type Selector struct {
	mu       sync.Mutex
	counters map[string]*uint64 // group key -> round-robin cursor
}

func NewSelector() *Selector {
	return &Selector{counters: make(map[string]*uint64)}
}

// Select filters candidates to eligible machines and applies strategy.
// groupKey scopes the round-robin cursor (e.g. the MachineGroup.ID); it is
// unused by least-load. Returns (machine, false) if no candidate is
// eligible.
func (s *Selector) Select(groupKey string, candidates []domain.Machine, strategy domain.LoadBalancerStrategy) (domain.Machine, bool) {
	eligible := make([]domain.Machine, 0, len(candidates))
	for _, m := range candidates {
		if m.Eligible() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return domain.Machine{}, false
	}

	switch strategy {
	case domain.StrategyRoundRobin:
		cursor := s.cursorFor(groupKey)
		i := atomic.AddUint64(cursor, 1) - 1
		return eligible[int(i%uint64(len(eligible)))], true
	case domain.StrategyLeastLoad:
		sorted := make([]domain.Machine, len(eligible))
		copy(sorted, eligible)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].CurrentQueue < sorted[j].CurrentQueue
		})
		return sorted[0], true
	default:
		// Unknown strategy: fall back to first eligible, preserving
		// candidate-slice order, same as an unweighted least-load tie.
		return eligible[0], true
	}
}

func (s *Selector) cursorFor(groupKey string) *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[groupKey]
	if !ok {
		var zero uint64
		c = &zero
		s.counters[groupKey] = c
	}
	return c
}
