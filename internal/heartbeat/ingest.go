// Package heartbeat ingests liveness pushes from self-reporting agents and
// keeps a small per-agent mailbox of commands delivered on the next push.
package heartbeat

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/registry"
)

// Source is the observation source name used for heartbeats.
const Source = "heartbeat"

const (
	DefaultSweepInterval = 2 * time.Minute
	// MailboxSize bounds queued commands per agent.
	MailboxSize = 32
)

// Upserter is the registry entry point heartbeats are funnelled into.
type Upserter interface {
	Upsert(obs domain.Observation) (registry.Result, error)
}

// Ingest owns the heartbeat records. It is safe for concurrent use.
type Ingest struct {
	mu      sync.Mutex
	records map[string]domain.HeartbeatRecord
	mailbox map[string][]domain.CommandRequest

	registry Upserter
	window   time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
}

// New creates an ingest. window is the staleness window; records older than
// twice the window are evicted.
func New(reg Upserter, window time.Duration, clk clock.Clock, logger zerolog.Logger) *Ingest {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ingest{
		records:  make(map[string]domain.HeartbeatRecord),
		mailbox:  make(map[string][]domain.CommandRequest),
		registry: reg,
		window:   window,
		clock:    clk,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Record accepts a heartbeat. Only an empty agent id is rejected; unknown
// statuses are recorded as error. The returned commands were queued for the
// agent since its previous heartbeat.
func (i *Ingest) Record(ctx context.Context, in domain.HeartbeatInput) (domain.HeartbeatRecord, []domain.CommandRequest, error) {
	if in.AgentID == "" {
		return domain.HeartbeatRecord{}, nil, fmt.Errorf("%w: heartbeat without agent id", domain.ErrInvalidCommand)
	}

	now := i.clock.Now()
	rec := domain.HeartbeatRecord{
		AgentID:        in.AgentID,
		ReceivedAt:     now,
		ReportedStatus: domain.ParseStatus(in.Status),
		Name:           in.Name,
		Type:           in.Type,
		Capabilities:   slices.Clone(in.Capabilities),
		Metrics:        in.Metrics.Clone(),
		Metadata:       in.Metadata,
	}
	if in.Cost != nil {
		c := *in.Cost
		rec.Cost = &c
	}

	i.mu.Lock()
	if prev, ok := i.records[in.AgentID]; !ok || !rec.ReceivedAt.Before(prev.ReceivedAt) {
		i.records[in.AgentID] = rec
	}
	pending := i.mailbox[in.AgentID]
	delete(i.mailbox, in.AgentID)
	i.mu.Unlock()

	task := in.CurrentTask
	obs := domain.Observation{
		AgentID:      in.AgentID,
		Source:       Source,
		ObservedAt:   now,
		Name:         in.Name,
		Type:         in.Type,
		Status:       rec.ReportedStatus,
		Capabilities: rec.Capabilities,
		Metrics:      rec.Metrics,
		Cost:         rec.Cost,
		Metadata:     in.Metadata,
		CurrentTask:  &task,
	}
	if _, err := i.registry.Upsert(obs); err != nil {
		i.logger.Warn().Err(err).Str("agent_id", in.AgentID).Msg("heartbeat not applied to registry")
	}
	if len(pending) > 0 {
		i.logger.Debug().Str("agent_id", in.AgentID).Int("commands", len(pending)).Msg("delivering queued commands")
	}
	return rec, pending, nil
}

// Get returns the latest heartbeat for an agent.
func (i *Ingest) Get(agentID string) (domain.HeartbeatRecord, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.records[agentID]
	return rec, ok
}

// ListActive returns records received within window, ordered by agent id.
func (i *Ingest) ListActive(window time.Duration) []domain.HeartbeatRecord {
	cutoff := i.clock.Now().Add(-window)

	i.mu.Lock()
	out := make([]domain.HeartbeatRecord, 0, len(i.records))
	for _, rec := range i.records {
		if !rec.ReceivedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	i.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].AgentID < out[b].AgentID })
	return out
}

// Enqueue queues a command for delivery on the agent's next heartbeat.
// It fails when the agent has no live heartbeat or its mailbox is full.
func (i *Ingest) Enqueue(req domain.CommandRequest) error {
	cutoff := i.clock.Now().Add(-i.window)

	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.records[req.AgentID]
	if !ok || rec.ReceivedAt.Before(cutoff) {
		return fmt.Errorf("%w: no live heartbeat from %s", domain.ErrAdapterUnavailable, req.AgentID)
	}
	if len(i.mailbox[req.AgentID]) >= MailboxSize {
		return fmt.Errorf("%w: mailbox for %s is full", domain.ErrRemoteExecutionFailed, req.AgentID)
	}
	i.mailbox[req.AgentID] = append(i.mailbox[req.AgentID], req)
	return nil
}

// Pending returns the number of commands queued for an agent.
func (i *Ingest) Pending(agentID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.mailbox[agentID])
}

// Evict drops records older than twice the staleness window along with their
// undelivered commands, and returns the evicted agent ids.
func (i *Ingest) Evict(now time.Time) []string {
	cutoff := now.Add(-2 * i.window)

	i.mu.Lock()
	var evicted []string
	for id, rec := range i.records {
		if rec.ReceivedAt.Before(cutoff) {
			delete(i.records, id)
			delete(i.mailbox, id)
			evicted = append(evicted, id)
		}
	}
	i.mu.Unlock()

	sort.Strings(evicted)
	if len(evicted) > 0 {
		i.logger.Info().Strs("agent_ids", evicted).Msg("evicted stale heartbeats")
	}
	return evicted
}

// Run evicts stale records every interval until ctx is cancelled.
func (i *Ingest) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			i.Evict(i.clock.Now())
		}
	}
}
