// Package vm adapts long-lived virtual machines. Instances come from an
// Inventory and commands run over a Runner, normally SSH.
package vm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
)

const (
	// DefaultUnit is the systemd unit the agent runs as.
	DefaultUnit = "agentfleet-agent"
	// DefaultExecTimeout bounds a single remote command.
	DefaultExecTimeout = 30 * time.Second

	logTailLines = 200
)

// Adapter implements adapter.Adapter for VMs.
type Adapter struct {
	inventory Inventory
	runner    Runner
	prices    adapter.PriceTable
	timeout   time.Duration
	clock     clock.Clock
}

// New creates a VM adapter.
func New(inv Inventory, runner Runner, prices adapter.PriceTable, timeout time.Duration, clk clock.Clock) *Adapter {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{inventory: inv, runner: runner, prices: prices, timeout: timeout, clock: clk}
}

var _ adapter.Adapter = (*Adapter)(nil)

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformVM }

// Discover implements adapter.Adapter.
func (a *Adapter) Discover(ctx context.Context) ([]domain.Agent, error) {
	instances, err := a.inventory.Instances(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAdapterUnavailable, err)
	}
	now := a.clock.Now()
	agents := make([]domain.Agent, 0, len(instances))
	for _, inst := range instances {
		agents = append(agents, a.toAgent(inst, now))
	}
	return agents, nil
}

func (a *Adapter) toAgent(inst Instance, now time.Time) domain.Agent {
	id := inst.AgentID
	if id == "" {
		id = "vm-" + inst.ID
	}
	name := inst.Name
	if name == "" {
		name = id
	}
	meta := map[string]string{"host": inst.Host}
	if inst.InstanceType != "" {
		meta["instance_type"] = inst.InstanceType
	}
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	return domain.Agent{
		ID:           id,
		Name:         name,
		Type:         inst.AgentType,
		Platform:     domain.PlatformVM,
		Handle:       inst.ID,
		Status:       MapState(inst.State),
		Capabilities: inst.Capabilities,
		Metrics: domain.Metrics{
			CPUPercent:    inst.CPUPercent,
			MemoryPercent: inst.MemPercent,
			DiskPercent:   inst.DiskPercent,
		},
		Cost:     a.prices.Cost(inst.InstanceType),
		Metadata: meta,
		LastSeen: now,
	}
}

// MapState maps a native instance state onto the canonical status set.
func MapState(state string) domain.AgentStatus {
	switch strings.ToLower(state) {
	case "pending":
		return domain.StatusStarting
	case "running":
		return domain.StatusIdle
	case "stopping", "stopped", "shutting-down", "terminated":
		return domain.StatusOffline
	}
	return domain.StatusError
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error) {
	inst, err := a.inventory.Instance(ctx, agent.Handle)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAdapterUnavailable, err)
	}
	command, err := Command(req, inst.Unit)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner.Run(runCtx, inst, command)
}

// Command renders the shell command for req against a systemd unit.
func Command(req domain.CommandRequest, unit string) (string, error) {
	if unit == "" {
		unit = DefaultUnit
	}
	switch req.Action {
	case domain.ActionStart, domain.ActionStop, domain.ActionRestart:
		return fmt.Sprintf("sudo systemctl %s %s", req.Action, unit), nil
	case domain.ActionStatus:
		return fmt.Sprintf("systemctl status %s --no-pager", unit), nil
	case domain.ActionLogs:
		return fmt.Sprintf("journalctl -u %s -n %d --no-pager", unit, logTailLines), nil
	case domain.ActionDeploy:
		if req.Payload == "" {
			return "", fmt.Errorf("%w: deploy without payload", domain.ErrInvalidCommand)
		}
		return "sh -c " + shellQuote(req.Payload), nil
	}
	return "", fmt.Errorf("%w: unknown action %q", domain.ErrInvalidCommand, req.Action)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
