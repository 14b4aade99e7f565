// Package dispatch routes commands to agents: every command is assessed by
// the policy engine, executed through the agent's platform adapter under a
// timeout, and its effect written back to the registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/registry"
)

// Source is the observation source name for dispatcher writes.
const Source = "dispatcher"

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultBulkParallel   = 8
	// BulkAgentID is the agent id recorded for bulk deploy assessments.
	BulkAgentID = "*"
)

// Registry is the registry surface the dispatcher reads and writes.
type Registry interface {
	Get(id string) (domain.Agent, bool)
	List() []domain.Agent
	Upsert(obs domain.Observation) (registry.Result, error)
}

// Assessor decides whether a command may run.
type Assessor interface {
	Assess(ctx context.Context, command, agentID string, action domain.Action) domain.PolicyAssessment
}

// Options tunes the dispatcher.
type Options struct {
	CommandTimeout time.Duration
	BulkParallel   int
}

// Dispatcher executes commands. It is safe for concurrent use.
type Dispatcher struct {
	registry  Registry
	policy    Assessor
	adapters  *adapter.Set
	publisher registry.Publisher
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a dispatcher. publisher may be nil.
func New(reg Registry, policy Assessor, adapters *adapter.Set, publisher registry.Publisher, opts Options, clk clock.Clock, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.BulkParallel <= 0 {
		opts.BulkParallel = DefaultBulkParallel
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		registry:  reg,
		policy:    policy,
		adapters:  adapters,
		publisher: publisher,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		metrics:   m,
	}
}

// Dispatch assesses and runs one command.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.CommandRequest) (domain.CommandOutcome, error) {
	if err := validate(req); err != nil {
		return domain.CommandOutcome{}, err
	}
	agent, ok := d.registry.Get(req.AgentID)
	if !ok {
		return domain.CommandOutcome{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, req.AgentID)
	}

	assessment := d.policy.Assess(ctx, req.CommandText(), agent.ID, req.Action)
	if !assessment.Allowed {
		return d.denied(agent, req, assessment)
	}

	ad, err := d.adapters.For(agent.Platform)
	if err != nil {
		d.metrics.Command(req.Action, "unavailable")
		return d.outcome(agent, req, assessment.AuditID, d.clock.Now()), err
	}
	return d.run(ctx, ad, agent, req, assessment.AuditID)
}

// SubmitTask deploys a task payload to one agent.
func (d *Dispatcher) SubmitTask(ctx context.Context, agentID, task string) (domain.CommandOutcome, error) {
	return d.Dispatch(ctx, domain.CommandRequest{AgentID: agentID, Action: domain.ActionDeploy, Payload: task})
}

// DeployAll deploys one payload to every matching agent. The payload is
// assessed once; a denial stops the deploy before any adapter is called.
func (d *Dispatcher) DeployAll(ctx context.Context, req domain.BulkDeployRequest) (domain.BulkDeployResult, error) {
	if req.Payload == "" {
		return domain.BulkDeployResult{}, fmt.Errorf("%w: deploy without payload", domain.ErrInvalidCommand)
	}
	if req.Platform != "" && !req.Platform.Valid() {
		return domain.BulkDeployResult{}, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalidCommand, req.Platform)
	}

	assessment := d.policy.Assess(ctx, req.Payload, BulkAgentID, domain.ActionDeploy)
	result := domain.BulkDeployResult{AuditID: assessment.AuditID, Outcomes: []domain.CommandOutcome{}}
	if !assessment.Allowed {
		d.metrics.Command(domain.ActionDeploy, "denied")
		d.publishDenied(BulkAgentID, assessment)
		return result, &domain.PolicyDeniedError{Assessment: assessment}
	}

	var targets []domain.Agent
	for _, a := range d.registry.List() {
		if req.Matches(a) {
			targets = append(targets, a)
		}
	}
	outcomes := make([]domain.CommandOutcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.BulkParallel)
	for i, agent := range targets {
		i, agent := i, agent
		g.Go(func() error {
			cmd := domain.CommandRequest{AgentID: agent.ID, Action: domain.ActionDeploy, Payload: req.Payload}
			ad, err := d.adapters.For(agent.Platform)
			if err != nil {
				d.metrics.Command(domain.ActionDeploy, "unavailable")
				out := d.outcome(agent, cmd, assessment.AuditID, d.clock.Now())
				out.Error = err.Error()
				outcomes[i] = out
				return nil
			}
			out, err := d.run(gctx, ad, agent, cmd, assessment.AuditID)
			if err != nil {
				out.Error = err.Error()
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.Error == "" {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.Outcomes = outcomes
	d.logger.Info().
		Str("audit_id", assessment.AuditID).
		Int("targets", len(targets)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("bulk deploy finished")
	return result, nil
}

func validate(req domain.CommandRequest) error {
	if req.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", domain.ErrInvalidCommand)
	}
	if !req.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidCommand, req.Action)
	}
	if req.Action == domain.ActionDeploy && req.Payload == "" {
		return fmt.Errorf("%w: deploy requires a payload", domain.ErrInvalidCommand)
	}
	return nil
}

func (d *Dispatcher) denied(agent domain.Agent, req domain.CommandRequest, a domain.PolicyAssessment) (domain.CommandOutcome, error) {
	d.metrics.Command(req.Action, "denied")
	d.publishDenied(agent.ID, a)
	d.logger.Warn().
		Str("agent_id", agent.ID).
		Str("action", string(req.Action)).
		Str("audit_id", a.AuditID).
		Int("risk_level", a.RiskLevel).
		Str("reason", a.Reason).
		Msg("command denied by policy")
	out := d.outcome(agent, req, a.AuditID, a.Timestamp)
	out.Error = a.Reason
	return out, &domain.PolicyDeniedError{Assessment: a}
}

type execResult struct {
	output string
	err    error
}

// run executes req and writes the effect back to the registry.
func (d *Dispatcher) run(ctx context.Context, ad adapter.Adapter, agent domain.Agent, req domain.CommandRequest, auditID string) (domain.CommandOutcome, error) {
	started := d.clock.Now()
	marked := req.Action == domain.ActionDeploy && agent.Status == domain.StatusIdle
	if marked {
		d.upsert(domain.Observation{
			AgentID:     agent.ID,
			Status:      domain.StatusBusy,
			CurrentTask: domain.String(req.Payload),
		})
	}

	execCtx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
	defer cancel()

	// The adapter may ignore cancellation; the buffered channel lets its
	// goroutine finish on its own.
	done := make(chan execResult, 1)
	go func() {
		out, err := ad.Execute(execCtx, agent, req)
		done <- execResult{output: out, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %s on %s after %s", domain.ErrTimeout, req.Action, agent.ID, d.opts.CommandTimeout)
		} else {
			res.err = execCtx.Err()
		}
	}

	obs := domain.Observation{AgentID: agent.ID}
	label := "ok"
	switch {
	case res.err == nil:
		if req.Action.Mutating() {
			obs.LastError = domain.String("")
		}
		switch req.Action {
		case domain.ActionStart, domain.ActionRestart:
			obs.Status = domain.StatusIdle
			obs.Lifecycle = true
		case domain.ActionStop:
			obs.Status = domain.StatusOffline
		case domain.ActionDeploy:
			obs.Status = domain.StatusIdle
			obs.TasksCompletedDelta = 1
		}
	case errors.Is(res.err, domain.ErrTimeout):
		label = "timeout"
		obs.Status = domain.StatusError
		obs.LastError = domain.String(res.err.Error())
	default:
		label = "failed"
		if errors.Is(res.err, context.Canceled) {
			label = "cancelled"
		}
		obs.LastError = domain.String(res.err.Error())
		if marked {
			// Undo the busy mark; leaving busy clears the task.
			obs.Status = agent.Status
		}
	}
	d.upsert(obs)
	d.metrics.Command(req.Action, label)

	out := d.outcome(agent, req, auditID, started)
	out.Output = res.output
	if current, ok := d.registry.Get(agent.ID); ok {
		out.Status = current.Status
	}
	if res.err != nil {
		out.Error = res.err.Error()
		d.logger.Warn().Err(res.err).Str("agent_id", agent.ID).Str("action", string(req.Action)).Msg("command failed")
	} else {
		d.logger.Info().Str("agent_id", agent.ID).Str("action", string(req.Action)).Str("command_id", out.CommandID).Msg("command completed")
	}

	if d.publisher != nil {
		ev := domain.NewEvent(domain.EventTypeCommandResult, out.CompletedAt)
		ev.AgentID = agent.ID
		o := out
		ev.Outcome = &o
		d.publisher.Publish(ev)
	}
	return out, res.err
}

func (d *Dispatcher) upsert(obs domain.Observation) {
	obs.Source = Source
	obs.ObservedAt = d.clock.Now()
	if _, err := d.registry.Upsert(obs); err != nil {
		d.logger.Warn().Err(err).Str("agent_id", obs.AgentID).Msg("failed to record command effect")
	}
}

func (d *Dispatcher) outcome(agent domain.Agent, req domain.CommandRequest, auditID string, started time.Time) domain.CommandOutcome {
	return domain.CommandOutcome{
		CommandID:   uuid.NewString(),
		AgentID:     agent.ID,
		Action:      req.Action,
		AuditID:     auditID,
		Status:      agent.Status,
		StartedAt:   started,
		CompletedAt: d.clock.Now(),
	}
}

func (d *Dispatcher) publishDenied(agentID string, a domain.PolicyAssessment) {
	if d.publisher == nil {
		return
	}
	ev := domain.NewEvent(domain.EventTypePolicyDenied, a.Timestamp)
	ev.AgentID = agentID
	assessment := a
	ev.Assessment = &assessment
	d.publisher.Publish(ev)
}
