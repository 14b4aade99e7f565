// Package registry holds the authoritative in-memory view of every agent.
//
// Upsert is the single mutation entry point: adapters, heartbeat ingest and
// the dispatcher all funnel their observations through it. Reads return deep
// copies so callers never observe a partially applied update.
package registry

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
)

// Publisher receives registry deltas. Publish is called with the registry
// lock held and must not block.
type Publisher interface {
	Publish(event domain.Event)
}

// Result describes what an Upsert did.
type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultUnchanged Result = "unchanged"
	ResultStale     Result = "stale"
	ResultConflict  Result = "conflict"
)

type entry struct {
	agent domain.Agent
	// provisional is set while the identity is only self-reported. Any
	// platform source may still claim the agent.
	provisional bool
}

// Registry is the authoritative map of agent id to unified state.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*entry
	publisher Publisher
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates an empty registry. publisher and m may be nil.
func New(publisher Publisher, clk clock.Clock, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		agents:    make(map[string]*entry),
		publisher: publisher,
		clock:     clk,
		logger:    logger.With().Str("component", "registry").Logger(),
		metrics:   m,
	}
}

// Upsert merges one observation into the registry.
func (r *Registry) Upsert(obs domain.Observation) (Result, error) {
	if obs.AgentID == "" {
		return "", fmt.Errorf("%w: observation without agent id", domain.ErrInvalidCommand)
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[obs.AgentID]
	if !ok {
		e = r.create(obs)
		r.agents[obs.AgentID] = e
		r.metrics.Upsert(obs.Source, string(ResultCreated))
		r.publishAgent(domain.EventTypeAgentUpserted, e.agent)
		r.refreshGauges()
		return ResultCreated, nil
	}

	if obs.Platform == domain.PlatformSelfReported && !e.provisional {
		// A platform owns this agent; keep the liveness data only.
		obs.Platform, obs.Handle = "", ""
	}
	if obs.Platform != "" && !e.provisional {
		if obs.Platform != e.agent.Platform || (obs.Handle != "" && obs.Handle != e.agent.Handle) {
			r.metrics.IdentityConflict()
			r.metrics.Upsert(obs.Source, string(ResultConflict))
			r.logger.Error().
				Str("agent_id", obs.AgentID).
				Str("source", obs.Source).
				Str("platform", string(e.agent.Platform)).
				Str("handle", e.agent.Handle).
				Str("claimed_platform", string(obs.Platform)).
				Str("claimed_handle", obs.Handle).
				Msg("conflicting identity, observation dropped")
			return ResultConflict, fmt.Errorf("%w: agent %s is %s/%s, %s claimed %s/%s",
				domain.ErrConflictingIdentity, obs.AgentID, e.agent.Platform, e.agent.Handle,
				obs.Source, obs.Platform, obs.Handle)
		}
	}

	if obs.ObservedAt.Before(e.agent.LastSeen) {
		r.metrics.Upsert(obs.Source, string(ResultStale))
		return ResultStale, nil
	}

	before := e.agent.Clone()
	if obs.Platform != "" && e.provisional {
		e.agent.Platform = obs.Platform
		if obs.Handle != "" {
			e.agent.Handle = obs.Handle
		}
		e.provisional = obs.Platform == domain.PlatformSelfReported
	}
	r.apply(e, obs)

	if observablyEqual(before, e.agent) {
		r.metrics.Upsert(obs.Source, string(ResultUnchanged))
		return ResultUnchanged, nil
	}
	r.metrics.Upsert(obs.Source, string(ResultUpdated))
	r.publishAgent(domain.EventTypeAgentUpserted, e.agent)
	if before.Status != e.agent.Status {
		r.refreshGauges()
	}
	return ResultUpdated, nil
}

func (r *Registry) create(obs domain.Observation) *entry {
	e := &entry{
		agent: domain.Agent{
			ID:        obs.AgentID,
			Name:      obs.Name,
			Type:      obs.Type,
			Platform:  obs.Platform,
			Handle:    obs.Handle,
			Status:    domain.StatusStarting,
			FirstSeen: obs.ObservedAt,
			LastSeen:  obs.ObservedAt,
		},
	}
	if e.agent.Platform == "" {
		e.agent.Platform = domain.PlatformSelfReported
		e.agent.Handle = obs.AgentID
	}
	e.provisional = e.agent.Platform == domain.PlatformSelfReported
	if e.agent.Name == "" {
		e.agent.Name = obs.AgentID
	}
	r.apply(e, obs)
	return e
}

func (r *Registry) apply(e *entry, obs domain.Observation) {
	a := &e.agent
	a.LastSeen = obs.ObservedAt
	a.Source = obs.Source
	if obs.Name != "" {
		a.Name = obs.Name
	}
	if obs.Type != "" {
		a.Type = obs.Type
	}
	if obs.Capabilities != nil {
		a.Capabilities = slices.Clone(obs.Capabilities)
	}
	if obs.Metadata != nil {
		a.Metadata = maps.Clone(obs.Metadata)
	}
	a.Metrics = a.Metrics.Merge(obs.Metrics)
	if obs.TasksCompletedDelta != 0 {
		var n int64
		if a.Metrics.TasksCompleted != nil {
			n = *a.Metrics.TasksCompleted
		}
		a.Metrics.TasksCompleted = domain.Int(n + obs.TasksCompletedDelta)
	}
	if obs.Cost != nil {
		c := *obs.Cost
		a.Cost = &c
	}
	if obs.CurrentTask != nil {
		a.CurrentTask = *obs.CurrentTask
	}
	if obs.LastError != nil {
		a.LastError = *obs.LastError
	}

	path := resolvePath(a.Status, obs.Status, obs.Lifecycle)
	if path == nil {
		r.metrics.RejectedTransition(a.Status, obs.Status)
		r.logger.Debug().
			Str("agent_id", a.ID).
			Str("source", obs.Source).
			Str("from", string(a.Status)).
			Str("to", string(obs.Status)).
			Msg("ignoring illegal status transition")
		return
	}
	if len(path) > 0 {
		a.Status = path[len(path)-1]
		if a.Status != domain.StatusBusy && obs.CurrentTask == nil {
			a.CurrentTask = ""
		}
	}
}

// Get returns a copy of the agent with the given id.
func (r *Registry) Get(id string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, false
	}
	return e.agent.Clone(), true
}

// List returns copies of all agents ordered by id.
func (r *Registry) List() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []domain.Agent {
	out := make([]domain.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithSnapshot calls fn with a consistent snapshot while holding the read
// lock, so no delta can be published until fn returns. fn must not call
// back into the registry.
func (r *Registry) WithSnapshot(fn func(agents []domain.Agent)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.listLocked())
}

// Remove deletes an agent and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	if r.publisher != nil {
		ev := domain.NewEvent(domain.EventTypeAgentRemoved, r.clock.Now())
		ev.AgentID = id
		r.publisher.Publish(ev)
	}
	r.refreshGauges()
	return true
}

// SweepStale marks every agent not observed within window as offline and
// returns their ids. Staleness is not a fault, so lastError is untouched.
func (r *Registry) SweepStale(window time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, e := range r.agents {
		if e.agent.Status == domain.StatusOffline || now.Sub(e.agent.LastSeen) <= window {
			continue
		}
		prev := e.agent.Status
		e.agent.Status = domain.StatusOffline
		e.agent.CurrentTask = ""
		stale = append(stale, id)
		r.logger.Info().
			Str("agent_id", id).
			Str("from", string(prev)).
			Dur("since_last_seen", now.Sub(e.agent.LastSeen)).
			Msg("agent went stale")
		r.publishAgent(domain.EventTypeAgentUpserted, e.agent)
	}
	if len(stale) > 0 {
		r.refreshGauges()
	}
	sort.Strings(stale)
	return stale
}

// Collect removes agents that have not been observed for longer than maxAge.
func (r *Registry) Collect(maxAge time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.agents {
		if now.Sub(e.agent.LastSeen) > maxAge {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		r.removeLocked(id)
		r.logger.Info().Str("agent_id", id).Dur("max_age", maxAge).Msg("agent garbage collected")
	}
	return removed
}

func (r *Registry) publishAgent(t domain.EventType, a domain.Agent) {
	if r.publisher == nil {
		return
	}
	ev := domain.NewEvent(t, r.clock.Now())
	ev.AgentID = a.ID
	snapshot := a.Clone()
	ev.Agent = &snapshot
	r.publisher.Publish(ev)
}

func (r *Registry) refreshGauges() {
	if r.metrics == nil {
		return
	}
	counts := make(map[domain.AgentStatus]int, len(domain.Statuses))
	for _, e := range r.agents {
		counts[e.agent.Status]++
	}
	r.metrics.SetAgentCounts(counts)
}

// observablyEqual compares two agents ignoring lastSeen and source.
func observablyEqual(a, b domain.Agent) bool {
	return a.Name == b.Name &&
		a.Type == b.Type &&
		a.Platform == b.Platform &&
		a.Handle == b.Handle &&
		a.Status == b.Status &&
		slices.Equal(a.Capabilities, b.Capabilities) &&
		maps.Equal(a.Metadata, b.Metadata) &&
		a.Metrics.Equal(b.Metrics) &&
		costEqual(a.Cost, b.Cost) &&
		a.CurrentTask == b.CurrentTask &&
		a.LastError == b.LastError
}

func costEqual(a, b *domain.Cost) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
