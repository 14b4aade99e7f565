package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/kv"
)

func newTestAdapter(store kv.Store, timeout time.Duration) *Adapter {
	clk := clock.Fake(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	return New(store, adapter.PriceTable{"gpu-queue": 2.0}, timeout, clk, zerolog.Nop())
}

func putJSON(t *testing.T, store kv.Store, key string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), key, b)
	require.NoError(t, err)
}

// sidecar answers the first command written for jobID with results.
func sidecar(t *testing.T, store *kv.Memory, jobID string, results ...Result) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := store.List(context.Background(), CommandKeyPrefix+jobID+"/")
			if len(entries) > 0 {
				var cmd Command
				if err := json.Unmarshal(entries[0].Value, &cmd); err != nil {
					return
				}
				for _, r := range results {
					r.CommandID = cmd.ID
					b, _ := json.Marshal(r)
					_, _ = store.Put(context.Background(), ResultKeyPrefix+cmd.ID, b)
					time.Sleep(5 * time.Millisecond)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

// instantStore answers every command inside Put and registers watches late,
// the way an etcd watch is only established after a round trip.
type instantStore struct {
	*kv.Memory
	result Result
}

func (s *instantStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	rev, err := s.Memory.Put(ctx, key, value)
	if err != nil || !strings.HasPrefix(key, CommandKeyPrefix) {
		return rev, err
	}
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return rev, err
	}
	r := s.result
	r.CommandID = cmd.ID
	b, _ := json.Marshal(r)
	_, err = s.Memory.Put(ctx, ResultKeyPrefix+cmd.ID, b)
	return rev, err
}

func (s *instantStore) Watch(ctx context.Context, key string, rev int64) <-chan kv.Entry {
	out := make(chan kv.Entry)
	go func() {
		defer close(out)
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return
		}
		for e := range s.Memory.Watch(ctx, key, rev) {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func TestMapState(t *testing.T) {
	tests := map[string]domain.AgentStatus{
		"SUBMITTED": domain.StatusStarting,
		"PENDING":   domain.StatusStarting,
		"RUNNABLE":  domain.StatusStarting,
		"STARTING":  domain.StatusStarting,
		"RUNNING":   domain.StatusBusy,
		"SUCCEEDED": domain.StatusOffline,
		"FAILED":    domain.StatusError,
		"ARCHIVED":  domain.StatusError,
	}
	for state, want := range tests {
		assert.Equal(t, want, MapState(state), state)
	}
}

func TestDiscover(t *testing.T) {
	store := kv.NewMemory()
	done := int64(7)
	putJSON(t, store, JobKeyPrefix+"j-1", Job{ID: "j-1", AgentID: "trainer-1", Queue: "gpu-queue", Status: "RUNNING", CurrentTask: "epoch-3", TasksDone: &done})
	putJSON(t, store, JobKeyPrefix+"j-2", Job{Status: "PENDING"})

	agents, err := newTestAdapter(store, time.Second).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, "trainer-1", agents[0].ID)
	assert.Equal(t, domain.PlatformBatchJob, agents[0].Platform)
	assert.Equal(t, domain.StatusBusy, agents[0].Status)
	assert.Equal(t, "epoch-3", agents[0].CurrentTask)
	assert.Equal(t, int64(7), *agents[0].Metrics.TasksCompleted)
	require.NotNil(t, agents[0].Cost)
	assert.InDelta(t, 48.0, agents[0].Cost.Daily, 1e-9)

	assert.Equal(t, "job-j-2", agents[1].ID)
	assert.Equal(t, "j-2", agents[1].Handle)
	assert.Equal(t, domain.StatusStarting, agents[1].Status)
	assert.Empty(t, agents[1].CurrentTask)
}

func TestExecuteWaitsForDoneResult(t *testing.T) {
	store := kv.NewMemory()
	a := newTestAdapter(store, 2*time.Second)
	sidecar(t, store, "j-1",
		Result{Output: "step 1\n"},
		Result{Output: "step 1\nstep 2\n", Done: true},
	)

	out, err := a.Execute(context.Background(), domain.Agent{ID: "trainer-1", Handle: "j-1"}, domain.CommandRequest{Action: domain.ActionDeploy, Payload: "train.sh"})
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2\n", out)

	entries, err := store.List(context.Background(), CommandKeyPrefix+"j-1/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var cmd Command
	require.NoError(t, json.Unmarshal(entries[0].Value, &cmd))
	assert.Equal(t, domain.ActionDeploy, cmd.Action)
	assert.Equal(t, "train.sh", cmd.Payload)
	assert.True(t, strings.HasSuffix(entries[0].Key, cmd.ID))
}

func TestExecuteFailedResult(t *testing.T) {
	store := kv.NewMemory()
	a := newTestAdapter(store, 2*time.Second)
	sidecar(t, store, "j-1", Result{Output: "oops", Done: true, ExitCode: 1})

	out, err := a.Execute(context.Background(), domain.Agent{Handle: "j-1"}, domain.CommandRequest{Action: domain.ActionStatus})
	assert.True(t, errors.Is(err, domain.ErrRemoteExecutionFailed))
	assert.Equal(t, "oops", out)
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	store := kv.NewMemory()
	a := newTestAdapter(store, 300*time.Millisecond)
	sidecar(t, store, "j-1", Result{Output: "halfway"})

	out, err := a.Execute(context.Background(), domain.Agent{Handle: "j-1"}, domain.CommandRequest{Action: domain.ActionLogs})
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, "halfway", out)
}

func TestExecuteSeesResultWrittenBeforeWatch(t *testing.T) {
	store := &instantStore{Memory: kv.NewMemory(), result: Result{Output: "fast", Done: true}}
	a := newTestAdapter(store, time.Second)

	out, err := a.Execute(context.Background(), domain.Agent{Handle: "j-1"}, domain.CommandRequest{Action: domain.ActionStatus})
	require.NoError(t, err)
	assert.Equal(t, "fast", out)
}
