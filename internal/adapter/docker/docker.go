// Package docker adapts agents running as containers on a Docker engine.
// Containers opt in with the agentfleet.id label.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
)

// Container labels read by the adapter.
const (
	LabelID           = "agentfleet.id"
	LabelName         = "agentfleet.name"
	LabelType         = "agentfleet.type"
	LabelTask         = "agentfleet.task"
	LabelCapabilities = "agentfleet.capabilities"
	LabelPriceKey     = "agentfleet.price"
)

const (
	DefaultExecTimeout = 30 * time.Second
	logTail            = "200"
	stopTimeoutSeconds = 10
)

// API is the subset of the Docker client the adapter uses.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// NewClient connects to the engine configured by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Adapter implements adapter.Adapter for containers.
type Adapter struct {
	api     API
	prices  adapter.PriceTable
	timeout time.Duration
	clock   clock.Clock
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a container adapter. prices is keyed by the agentfleet.price
// label, falling back to the image name.
func New(api API, prices adapter.PriceTable, timeout time.Duration, clk clock.Clock) *Adapter {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{api: api, prices: prices, timeout: timeout, clock: clk}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() domain.Platform { return domain.PlatformContainerTask }

// Discover implements adapter.Adapter.
func (a *Adapter) Discover(ctx context.Context) ([]domain.Agent, error) {
	list, err := a.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelID)),
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	now := a.clock.Now()
	agents := make([]domain.Agent, 0, len(list))
	for _, c := range list {
		agent := a.toAgent(c, now)
		if agent.Status == domain.StatusIdle || agent.Status == domain.StatusBusy {
			agent.Metrics = a.stats(ctx, c.ID)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (a *Adapter) toAgent(c container.Summary, now time.Time) domain.Agent {
	labels := c.Labels
	name := labels[LabelName]
	if name == "" && len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	status := MapState(string(c.State))
	task := labels[LabelTask]
	if status == domain.StatusIdle && task != "" {
		status = domain.StatusBusy
	}
	var caps []string
	if raw := labels[LabelCapabilities]; raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				caps = append(caps, s)
			}
		}
	}
	priceKey := labels[LabelPriceKey]
	if priceKey == "" {
		priceKey = c.Image
	}
	return domain.Agent{
		ID:           labels[LabelID],
		Name:         name,
		Type:         labels[LabelType],
		Platform:     domain.PlatformContainerTask,
		Handle:       c.ID,
		Status:       status,
		Capabilities: caps,
		Cost:         a.prices.Cost(priceKey),
		Metadata:     map[string]string{"image": c.Image, "state": string(c.State)},
		CurrentTask:  task,
		LastSeen:     now,
	}
}

// MapState maps a Docker container state onto the canonical status set.
func MapState(state string) domain.AgentStatus {
	switch state {
	case "created", "restarting":
		return domain.StatusStarting
	case "running":
		return domain.StatusIdle
	case "paused", "exited", "removing":
		return domain.StatusOffline
	}
	return domain.StatusError
}

// statsResponse is the part of the engine's stats payload we read.
type statsResponse struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// stats returns container metrics. Any failure leaves them absent.
func (a *Adapter) stats(ctx context.Context, id string) domain.Metrics {
	resp, err := a.api.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return domain.Metrics{}
	}
	defer resp.Body.Close()

	var s statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return domain.Metrics{}
	}
	return metricsFromStats(s)
}

func metricsFromStats(s statsResponse) domain.Metrics {
	var m domain.Metrics
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta >= 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		m.CPUPercent = domain.Float(cpuDelta / sysDelta * cpus * 100)
	}
	if s.MemoryStats.Limit > 0 {
		m.MemoryPercent = domain.Float(float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100)
	}
	if len(s.Networks) > 0 {
		var rx, tx uint64
		for _, n := range s.Networks {
			rx += n.RxBytes
			tx += n.TxBytes
		}
		m.NetworkInBytes = domain.Int(int64(rx))
		m.NetworkOutBytes = domain.Int(int64(tx))
	}
	return m
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	id := agent.Handle

	switch req.Action {
	case domain.ActionStart:
		if err := a.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return "", classify(ctx, err)
		}
		return "started " + shortID(id), nil
	case domain.ActionStop:
		timeout := stopTimeoutSeconds
		if err := a.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			return "", classify(ctx, err)
		}
		return "stopped " + shortID(id), nil
	case domain.ActionRestart:
		timeout := stopTimeoutSeconds
		if err := a.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			return "", classify(ctx, err)
		}
		return "restarted " + shortID(id), nil
	case domain.ActionStatus:
		info, err := a.api.ContainerInspect(ctx, id)
		if err != nil {
			return "", classify(ctx, err)
		}
		if info.ContainerJSONBase == nil || info.State == nil {
			return "", fmt.Errorf("%w: inspect of %s returned no state", domain.ErrRemoteExecutionFailed, shortID(id))
		}
		return fmt.Sprintf("%s: %s (exit %d)", shortID(id), info.State.Status, info.State.ExitCode), nil
	case domain.ActionLogs:
		return a.logs(ctx, id)
	case domain.ActionDeploy:
		if req.Payload == "" {
			return "", fmt.Errorf("%w: deploy without payload", domain.ErrInvalidCommand)
		}
		return a.exec(ctx, id, []string{"sh", "-c", req.Payload})
	}
	return "", fmt.Errorf("%w: unknown action %q", domain.ErrInvalidCommand, req.Action)
}

func (a *Adapter) logs(ctx context.Context, id string) (string, error) {
	rc, err := a.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTail})
	if err != nil {
		return "", classify(ctx, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), classify(ctx, err)
	}
	return buf.String(), nil
}

func (a *Adapter) exec(ctx context.Context, id string, cmd []string) (string, error) {
	created, err := a.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	attach, err := a.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", classify(ctx, err)
	}
	defer attach.Close()

	var out lockedBuffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		return out.String(), fmt.Errorf("%w: exec in %s: %v", domain.ErrTimeout, shortID(id), ctx.Err())
	case err := <-done:
		if err != nil {
			return out.String(), classify(ctx, err)
		}
	}

	inspect, err := a.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.String(), classify(ctx, err)
	}
	if inspect.ExitCode != 0 {
		return out.String(), fmt.Errorf("%w: exit status %d", domain.ErrRemoteExecutionFailed, inspect.ExitCode)
	}
	return out.String(), nil
}

// classify maps a client error onto the adapter error taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", domain.ErrAdapterUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrRemoteExecutionFailed, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
