// Package batch adapts agents running as batch jobs on a key/value backed
// job queue. Commands are written next to the job and answered by the job's
// sidecar through a result record.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/kv"
)

// Key layout.
const (
	JobKeyPrefix     = "/agentfleet/jobs/"
	CommandKeyPrefix = "/agentfleet/commands/"
	ResultKeyPrefix  = "/agentfleet/results/"
)

const DefaultExecTimeout = 60 * time.Second

// Job is a job record.
type Job struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	AgentType    string            `json:"agent_type,omitempty"`
	Queue        string            `json:"queue,omitempty"`
	Status       string            `json:"status"`
	CurrentTask  string            `json:"current_task,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TasksDone    *int64            `json:"tasks_completed,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at,omitempty"`
}

// Command is written for a job's sidecar to pick up.
type Command struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	Action    domain.Action `json:"action"`
	Payload   string        `json:"payload,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Result is written by the sidecar, possibly several times as output grows.
type Result struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output"`
	Done      bool   `json:"done"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
}

// Adapter implements adapter.Adapter for batch jobs.
type Adapter struct {
	store   kv.Store
	prices  adapter.PriceTable
	timeout time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a batch adapter. prices is keyed by queue name.
func New(store kv.Store, prices adapter.PriceTable, timeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Adapter {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{store: store, prices: prices, timeout: timeout, clock: clk, logger: logger}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformBatchJob }

// Discover implements adapter.Adapter.
func (a *Adapter) Discover(ctx context.Context) ([]domain.Agent, error) {
	entries, err := a.store.List(ctx, JobKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", domain.ErrAdapterUnavailable, err)
	}
	now := a.clock.Now()
	agents := make([]domain.Agent, 0, len(entries))
	for _, e := range entries {
		var job Job
		if err := json.Unmarshal(e.Value, &job); err != nil {
			a.logger.Warn().Err(err).Str("key", e.Key).Msg("skipping malformed job record")
			continue
		}
		if job.ID == "" {
			job.ID = strings.TrimPrefix(e.Key, JobKeyPrefix)
		}
		agents = append(agents, a.toAgent(job, now))
	}
	return agents, nil
}

func (a *Adapter) toAgent(job Job, now time.Time) domain.Agent {
	id := job.AgentID
	if id == "" {
		id = "job-" + job.ID
	}
	name := job.Name
	if name == "" {
		name = id
	}
	meta := map[string]string{"queue": job.Queue, "state": job.Status}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	agent := domain.Agent{
		ID:           id,
		Name:         name,
		Type:         job.AgentType,
		Platform:     domain.PlatformBatchJob,
		Handle:       job.ID,
		Status:       MapState(job.Status),
		Capabilities: job.Capabilities,
		Metrics:      domain.Metrics{TasksCompleted: job.TasksDone},
		Cost:         a.prices.Cost(job.Queue),
		Metadata:     meta,
		LastSeen:     now,
	}
	if agent.Status == domain.StatusBusy {
		agent.CurrentTask = job.CurrentTask
	}
	return agent
}

// MapState maps a job queue state onto the canonical status set.
func MapState(state string) domain.AgentStatus {
	switch strings.ToUpper(state) {
	case "SUBMITTED", "PENDING", "RUNNABLE", "STARTING":
		return domain.StatusStarting
	case "RUNNING":
		return domain.StatusBusy
	case "SUCCEEDED":
		return domain.StatusOffline
	}
	return domain.StatusError
}

// Execute implements adapter.Adapter. It waits for a done result until the
// adapter timeout and returns the latest partial output on timeout.
func (a *Adapter) Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error) {
	if !req.Action.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", domain.ErrInvalidCommand, req.Action)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := Command{
		ID:        uuid.NewString(),
		JobID:     agent.Handle,
		Action:    req.Action,
		Payload:   req.Payload,
		CreatedAt: a.clock.Now(),
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to encode command: %w", err)
	}

	rev, err := a.store.Put(ctx, CommandKeyPrefix+cmd.JobID+"/"+cmd.ID, body)
	if err != nil {
		return "", fmt.Errorf("%w: write command: %v", domain.ErrAdapterUnavailable, err)
	}
	// Any result is written after the command, so watching from the next
	// revision also replays one that landed before the watch started.
	results := a.store.Watch(ctx, ResultKeyPrefix+cmd.ID, rev+1)

	var latest Result
	for {
		select {
		case <-ctx.Done():
			return latest.Output, timeoutErr(ctx, cmd)
		case e, ok := <-results:
			if !ok {
				if ctx.Err() != nil {
					return latest.Output, timeoutErr(ctx, cmd)
				}
				return latest.Output, fmt.Errorf("%w: result watch closed for %s", domain.ErrAdapterUnavailable, cmd.ID)
			}
			if e.Deleted {
				continue
			}
			if err := json.Unmarshal(e.Value, &latest); err != nil {
				a.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("ignoring malformed result")
				continue
			}
			if !latest.Done {
				continue
			}
			if latest.Error != "" || latest.ExitCode != 0 {
				return latest.Output, fmt.Errorf("%w: exit status %d: %s", domain.ErrRemoteExecutionFailed, latest.ExitCode, latest.Error)
			}
			return latest.Output, nil
		}
	}
}

func timeoutErr(ctx context.Context, cmd Command) error {
	return fmt.Errorf("%w: command %s on job %s: %v", domain.ErrTimeout, cmd.ID, cmd.JobID, ctx.Err())
}
