// Package selfreport adapts agents that only announce themselves through
// heartbeats. Commands are queued and handed over on the next heartbeat.
package selfreport

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/domain"
)

// Heartbeats is the part of the heartbeat ingest this adapter needs.
type Heartbeats interface {
	ListActive(window time.Duration) []domain.HeartbeatRecord
	Enqueue(req domain.CommandRequest) error
}

// Adapter implements adapter.Adapter for self-reporting agents.
type Adapter struct {
	heartbeats Heartbeats
	window     time.Duration
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an adapter that treats agents heard from within window as live.
func New(hb Heartbeats, window time.Duration) *Adapter {
	return &Adapter{heartbeats: hb, window: window}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformSelfReported }

// Discover implements adapter.Adapter.
func (a *Adapter) Discover(ctx context.Context) ([]domain.Agent, error) {
	records := a.heartbeats.ListActive(a.window)
	agents := make([]domain.Agent, 0, len(records))
	for _, r := range records {
		agents = append(agents, domain.Agent{
			ID:           r.AgentID,
			Name:         r.Name,
			Type:         r.Type,
			Platform:     domain.PlatformSelfReported,
			Handle:       r.AgentID,
			Status:       r.ReportedStatus,
			Capabilities: r.Capabilities,
			Metrics:      r.Metrics.Clone(),
			Cost:         r.Cost,
			Metadata:     r.Metadata,
			LastSeen:     r.ReceivedAt,
		})
	}
	return agents, nil
}

// Execute implements adapter.Adapter. The command is only queued; its
// output arrives with the agent's next heartbeat.
func (a *Adapter) Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	req.AgentID = agent.ID
	if err := a.heartbeats.Enqueue(req); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s queued for %s, delivered on next heartbeat", req.Action, agent.ID), nil
}
