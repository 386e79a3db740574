package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/pools"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/store"
)

// Selector picks the solvers for a swarm. Explicit requests are honored
// after validation; otherwise candidates are filtered by pool membership,
// capability match and availability, then ranked by the configured
// preference order.
type Selector struct {
	registry *registry.Registry
	mu       sync.RWMutex
	order    []string
}

func New(reg *registry.Registry, cfg config.SelectorConfig) *Selector {
	return &Selector{
		registry: reg,
		order:    cfg.DefaultOrder,
	}
}

// Select returns the solver line-up for one swarm, count entries long. When
// fewer distinct solvers qualify than count, the line-up cycles so workers
// race the same solver under different tuning profiles.
func (s *Selector) Select(pool *store.Pool, characteristics []string, requested []string, count int) ([]string, error) {
	if len(requested) > 0 {
		for _, name := range requested {
			if _, ok := s.registry.GetDefinition(name); !ok {
				return nil, fmt.Errorf("unknown solver %q", name)
			}
		}
		return requested, nil
	}

	ranked, err := s.rank(pool, characteristics, nil)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no solver available for characteristics %v", characteristics)
	}

	lineup := make([]string, 0, count)
	for i := 0; i < count; i++ {
		lineup = append(lineup, ranked[i%len(ranked)])
	}
	return lineup, nil
}

// Alternative returns the best qualifying solver not in exclude, used when a
// failed attempt is rerouted to a different solver.
func (s *Selector) Alternative(characteristics []string, exclude []string) (string, bool) {
	ranked, err := s.rank(nil, characteristics, exclude)
	if err != nil || len(ranked) == 0 {
		return "", false
	}
	return ranked[0], true
}

func (s *Selector) rank(pool *store.Pool, characteristics []string, exclude []string) ([]string, error) {
	rows, err := s.registry.List()
	if err != nil {
		return nil, fmt.Errorf("list solvers: %w", err)
	}
	available := make(map[string]bool, len(rows))
	for _, row := range rows {
		available[row.ID] = row.Available
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var candidates []string
	for _, name := range s.registry.Names() {
		if excluded[name] || !available[name] {
			continue
		}
		if pool != nil && !pools.Contains(pool, name) {
			continue
		}
		if !s.supportsAll(name, characteristics) {
			continue
		}
		candidates = append(candidates, name)
	}

	s.mu.RLock()
	pos := make(map[string]int, len(s.order))
	for i, name := range s.order {
		pos[name] = i + 1
	}
	s.mu.RUnlock()

	// Preferred solvers first in configured order, the rest alphabetical
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := pos[candidates[i]], pos[candidates[j]]
		if pi != pj {
			if pi == 0 {
				return false
			}
			if pj == 0 {
				return true
			}
			return pi < pj
		}
		return candidates[i] < candidates[j]
	})

	return candidates, nil
}

func (s *Selector) supportsAll(name string, characteristics []string) bool {
	for _, c := range characteristics {
		if !s.registry.Supports(name, c) {
			return false
		}
	}
	return true
}

func (s *Selector) DefaultOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order
}

// SetDefaultOrder updates the preference order used for ranking.
func (s *Selector) SetDefaultOrder(order []string) {
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
}
