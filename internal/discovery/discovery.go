// Package discovery polls every platform adapter and feeds the snapshots
// into the registry. A failing adapter only loses its own cycle.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/registry"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
	DefaultGCCycles = 10
)

// Registry is what discovery writes to.
type Registry interface {
	Upsert(obs domain.Observation) (registry.Result, error)
	Collect(maxAge time.Duration) []string
}

// Options tunes the discovery loops.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// GCCycles is how many intervals an agent may go unseen before it is
	// dropped from the registry.
	GCCycles int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.GCCycles <= 0 {
		o.GCCycles = DefaultGCCycles
	}
	return o
}

// Runner drives one discovery loop per adapter.
type Runner struct {
	registry Registry
	adapters *adapter.Set
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a runner.
func New(reg Registry, adapters *adapter.Set, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		registry: reg,
		adapters: adapters,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "discovery").Logger(),
		metrics:  m,
	}
}

// Source returns the observation source name for a platform.
func Source(p domain.Platform) string {
	return "discovery/" + string(p)
}

// RunOnce runs a single discovery cycle for a and returns how many agents
// it reported.
func (r *Runner) RunOnce(ctx context.Context, a adapter.Adapter) (int, error) {
	platform := a.Platform()
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	agents, err := a.Discover(ctx)
	r.metrics.DiscoveryDuration(platform, time.Since(start).Seconds())
	if err != nil {
		r.metrics.DiscoveryError(platform)
		r.logger.Warn().Err(err).Str("platform", string(platform)).Msg("discovery failed")
		return 0, err
	}

	source := Source(platform)
	for _, agent := range agents {
		if agent.ID == "" {
			r.logger.Warn().Str("platform", string(platform)).Str("handle", agent.Handle).Msg("skipping agent without id")
			continue
		}
		if agent.Platform == "" {
			agent.Platform = platform
		}
		if _, err := r.registry.Upsert(domain.ObservationFromAgent(source, agent)); err != nil {
			if !errors.Is(err, domain.ErrConflictingIdentity) {
				r.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("upsert failed")
			}
		}
	}
	return len(agents), nil
}

// Run polls every adapter until ctx is cancelled. Each adapter gets its own
// loop; a garbage-collection loop drops agents unseen for GCCycles intervals.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range r.adapters.All() {
		a := a
		g.Go(func() error {
			r.loop(ctx, a)
			return nil
		})
	}
	g.Go(func() error {
		r.collectLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, a adapter.Adapter) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		_, _ = r.RunOnce(ctx, a)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	maxAge := time.Duration(r.opts.GCCycles) * r.opts.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.registry.Collect(maxAge); len(removed) > 0 {
				r.logger.Info().Strs("agent_ids", removed).Msg("collected agents absent from discovery")
			}
		}
	}
}
