// Package adaptertest provides an in-memory adapter for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Call records one Execute invocation.
type Call struct {
	AgentID string
	Request domain.CommandRequest
}

// Fake is a scriptable adapter. The zero value is not usable; use New.
type Fake struct {
	platform domain.Platform

	mu          sync.Mutex
	agents      []domain.Agent
	discoverErr error
	outputs     map[domain.Action]string
	execErr     error
	block       chan struct{}
	calls       []Call
}

// New creates a fake for platform.
func New(platform domain.Platform) *Fake {
	return &Fake{platform: platform, outputs: make(map[domain.Action]string)}
}

// Platform implements adapter.Adapter.
func (f *Fake) Platform() domain.Platform { return f.platform }

// SetAgents replaces the snapshot returned by Discover.
func (f *Fake) SetAgents(agents ...domain.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = make([]domain.Agent, len(agents))
	for i, a := range agents {
		f.agents[i] = a.Clone()
	}
}

// FailDiscover makes Discover return err until cleared with nil.
func (f *Fake) FailDiscover(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErr = err
}

// SetOutput sets the output returned for action.
func (f *Fake) SetOutput(action domain.Action, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[action] = out
}

// FailExecute makes Execute return err until cleared with nil.
func (f *Fake) FailExecute(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
}

// Hang makes Execute block, ignoring its context, until Release.
func (f *Fake) Hang() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
}

// Release unblocks executes started after Hang.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// Calls returns a copy of the recorded Execute calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Discover implements adapter.Adapter.
func (f *Fake) Discover(ctx context.Context) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	out := make([]domain.Agent, len(f.agents))
	for i, a := range f.agents {
		out[i] = a.Clone()
	}
	return out, nil
}

// Execute implements adapter.Adapter.
func (f *Fake) Execute(ctx context.Context, agent domain.Agent, req domain.CommandRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{AgentID: agent.ID, Request: req})
	block := f.block
	err := f.execErr
	out, ok := f.outputs[req.Action]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	if !ok {
		out = fmt.Sprintf("%s %s: ok", req.Action, agent.ID)
	}
	return out, nil
}
