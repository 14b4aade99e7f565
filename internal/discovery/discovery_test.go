package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/adapter/adaptertest"
	"github.com/xiaot623/agentfleet/internal/adapter/selfreport"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/heartbeat"
	"github.com/xiaot623/agentfleet/internal/registry"
)

func newTestRunner(t *testing.T, adapters ...adapter.Adapter) (*Runner, *registry.Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(nil, clk, zerolog.Nop(), nil)
	set, err := adapter.NewSet(adapters...)
	require.NoError(t, err)
	return New(reg, set, Options{Interval: 10 * time.Millisecond}, zerolog.Nop(), nil), reg, clk
}

func TestDiscoveryMergeScenario(t *testing.T) {
	vm := adaptertest.New(domain.PlatformVM)
	runner, reg, clk := newTestRunner(t, vm)

	vm.SetAgents(domain.Agent{ID: "a1", Platform: domain.PlatformVM, Handle: "i-1", Status: domain.StatusIdle, LastSeen: clk.Now()})
	n, err := runner.RunOnce(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusIdle, got.Status)
	assert.Equal(t, Source(domain.PlatformVM), got.Source)

	clk.Advance(time.Second)
	vm.SetAgents(domain.Agent{ID: "a1", Platform: domain.PlatformVM, Handle: "i-1", Status: domain.StatusBusy, CurrentTask: "crawl", LastSeen: clk.Now()})
	_, err = runner.RunOnce(context.Background(), vm)
	require.NoError(t, err)

	got, _ = reg.Get("a1")
	assert.Equal(t, domain.StatusBusy, got.Status)
	assert.Equal(t, "crawl", got.CurrentTask)
	assert.Equal(t, clk.Now(), got.LastSeen)
}

func TestFailingAdapterIsIsolated(t *testing.T) {
	vm := adaptertest.New(domain.PlatformVM)
	batch := adaptertest.New(domain.PlatformBatchJob)
	runner, reg, clk := newTestRunner(t, vm, batch)

	vm.FailDiscover(errors.New("inventory down"))
	batch.SetAgents(domain.Agent{ID: "j1", Platform: domain.PlatformBatchJob, Handle: "job-1", Status: domain.StatusBusy, LastSeen: clk.Now()})

	_, err := runner.RunOnce(context.Background(), vm)
	assert.Error(t, err)
	_, err = runner.RunOnce(context.Background(), batch)
	require.NoError(t, err)

	assert.Len(t, reg.List(), 1)
}

func TestConflictingIdentityKeepsOriginal(t *testing.T) {
	vm := adaptertest.New(domain.PlatformVM)
	docker := adaptertest.New(domain.PlatformContainerTask)
	runner, reg, clk := newTestRunner(t, vm, docker)

	vm.SetAgents(domain.Agent{ID: "dup", Platform: domain.PlatformVM, Handle: "i-1", Status: domain.StatusIdle, LastSeen: clk.Now()})
	docker.SetAgents(domain.Agent{ID: "dup", Platform: domain.PlatformContainerTask, Handle: "c-1", Status: domain.StatusBusy, LastSeen: clk.Now()})

	_, err := runner.RunOnce(context.Background(), vm)
	require.NoError(t, err)
	_, err = runner.RunOnce(context.Background(), docker)
	require.NoError(t, err)

	got, _ := reg.Get("dup")
	assert.Equal(t, domain.PlatformVM, got.Platform)
	assert.Equal(t, "i-1", got.Handle)
	assert.Equal(t, domain.StatusIdle, got.Status)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	vm := adaptertest.New(domain.PlatformVM)
	runner, reg, _ := newTestRunner(t, vm)
	vm.SetAgents(domain.Agent{ID: "a1", Platform: domain.PlatformVM, Handle: "i-1", Status: domain.StatusIdle})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("a1")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// conflictCounter counts identity conflicts reported by the registry.
type conflictCounter struct {
	*registry.Registry
	conflicts int
}

func (c *conflictCounter) Upsert(obs domain.Observation) (registry.Result, error) {
	res, err := c.Registry.Upsert(obs)
	if errors.Is(err, domain.ErrConflictingIdentity) {
		c.conflicts++
	}
	return res, err
}

func TestHeartbeatAgentOwnedByPlatform(t *testing.T) {
	tests := []struct {
		name           string
		heartbeatFirst bool
	}{
		{"heartbeat first", true},
		{"platform first", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
			reg := &conflictCounter{Registry: registry.New(nil, clk, zerolog.Nop(), nil)}
			ingest := heartbeat.New(reg, 5*time.Minute, clk, zerolog.Nop())
			self := selfreport.New(ingest, 5*time.Minute)
			vm := adaptertest.New(domain.PlatformVM)
			set, err := adapter.NewSet(self, vm)
			require.NoError(t, err)
			runner := New(reg, set, Options{}, zerolog.Nop(), nil)
			ctx := context.Background()

			beat := func() {
				_, _, err := ingest.Record(ctx, domain.HeartbeatInput{
					AgentID: "a1",
					Status:  "busy",
					Metrics: domain.Metrics{CPUPercent: domain.Float(70)},
				})
				require.NoError(t, err)
				_, err = runner.RunOnce(ctx, self)
				require.NoError(t, err)
			}
			observeVM := func() {
				vm.SetAgents(domain.Agent{ID: "a1", Platform: domain.PlatformVM, Handle: "i-1", Status: domain.StatusBusy, LastSeen: clk.Now()})
				_, err := runner.RunOnce(ctx, vm)
				require.NoError(t, err)
			}

			if tt.heartbeatFirst {
				beat()
				clk.Advance(time.Second)
				observeVM()
			} else {
				observeVM()
				clk.Advance(time.Second)
				beat()
			}
			for i := 0; i < 3; i++ {
				clk.Advance(time.Second)
				beat()
				observeVM()
			}

			got, ok := reg.Get("a1")
			require.True(t, ok)
			assert.Equal(t, domain.PlatformVM, got.Platform)
			assert.Equal(t, "i-1", got.Handle)
			assert.Equal(t, domain.StatusBusy, got.Status)
			require.NotNil(t, got.Metrics.CPUPercent)
			assert.Equal(t, 70.0, *got.Metrics.CPUPercent)
			assert.Zero(t, reg.conflicts)

			a, err := set.For(got.Platform)
			require.NoError(t, err)
			assert.Equal(t, domain.PlatformVM, a.Platform())
		})
	}
}
