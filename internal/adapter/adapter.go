// Package adapter defines the contract between the orchestration core and
// the platforms that host agents.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Adapter discovers and controls agents on one platform.
type Adapter interface {
	// Platform returns the platform this adapter serves.
	Platform() domain.Platform

	// Discover returns a full snapshot of the agents currently on the
	// platform. Metrics the platform cannot report are left nil.
	Discover(ctx context.Context) ([]domain.Agent, error)

	// Execute runs a command against one agent and returns its output.
	// Failures wrap domain.ErrAdapterUnavailable, domain.ErrRemoteExecutionFailed
	// or domain.ErrTimeout; on timeout the output collected so far is returned.
	Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error)
}

// Set maps each platform to at most one adapter.
type Set struct {
	mu       sync.RWMutex
	adapters map[domain.Platform]Adapter
}

// NewSet creates a set holding the given adapters.
func NewSet(adapters ...Adapter) (*Set, error) {
	s := &Set{adapters: make(map[domain.Platform]Adapter)}
	for _, a := range adapters {
		if err := s.Register(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds an adapter for its platform.
func (s *Set) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	p := a.Platform()
	if !p.Valid() {
		return fmt.Errorf("unknown platform %q", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[p]; exists {
		return fmt.Errorf("adapter already registered for %s", p)
	}
	s.adapters[p] = a
	return nil
}

// For returns the adapter serving platform.
func (s *Set) For(p domain.Platform) (Adapter, error) {
	s.mu.RLock()
	a := s.adapters[p]
	s.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("%w: no adapter for platform %s", domain.ErrAdapterUnavailable, p)
	}
	return a, nil
}

// All returns the registered adapters ordered by platform.
func (s *Set) All() []Adapter {
	s.mu.RLock()
	out := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform() < out[j].Platform() })
	return out
}

// PriceTable maps a pricing key (instance type, queue, ...) to an hourly rate.
type PriceTable map[string]float64

// Cost returns the cost for key, or nil when the key is not priced.
func (t PriceTable) Cost(key string) *domain.Cost {
	rate, ok := t[key]
	if !ok {
		return nil
	}
	return domain.CostFromHourly(rate)
}
