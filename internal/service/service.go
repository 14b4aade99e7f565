// Package service wires the fleet core together and owns its periodic tasks.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/adapter/selfreport"
	"github.com/xiaot623/agentfleet/internal/audit"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/config"
	"github.com/xiaot623/agentfleet/internal/discovery"
	"github.com/xiaot623/agentfleet/internal/dispatch"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/heartbeat"
	"github.com/xiaot623/agentfleet/internal/hub"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/policy"
	"github.com/xiaot623/agentfleet/internal/registry"
	"github.com/xiaot623/agentfleet/internal/repository"
)

// Options are the collaborators the service cannot build from config alone.
type Options struct {
	Config  *config.Config
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Store persists assessments. Nil keeps the audit trail in memory only.
	Store *repository.SQLiteStore
	// Adapters are the platform adapters. A self-reported adapter backed by
	// heartbeat ingest is added unless one is given or it is disabled.
	Adapters []adapter.Adapter
	// Closers are released by Close, after the store.
	Closers []func() error
}

type Service struct {
	config     *config.Config
	clock      clock.Clock
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	store      *repository.SQLiteStore
	registry   *registry.Registry
	hub        *hub.Hub
	audit      *audit.Log
	policy     *policy.Engine
	heartbeats *heartbeat.Ingest
	adapters   *adapter.Set
	discovery  *discovery.Runner
	dispatcher *dispatch.Dispatcher
	closers    []func() error
}

// New builds the core from opts.
func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger

	s := &Service{
		config:  cfg,
		clock:   clk,
		logger:  logger.With().Str("component", "service").Logger(),
		metrics: opts.Metrics,
		store:   opts.Store,
		closers: opts.Closers,
	}

	s.hub = hub.New(cfg.HubQueueSize, clk, logger, opts.Metrics)
	s.registry = registry.New(s.hub, clk, logger, opts.Metrics)

	var sink audit.Sink
	if opts.Store != nil {
		sink = opts.Store
	}
	s.audit = audit.New(cfg.AuditCapacity, sink, logger, opts.Metrics)

	policyContent, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	s.policy, err = policy.NewEngine(ctx, policyContent, policy.Config{
		RiskThreshold: cfg.File.Policy.RiskThreshold,
		AuditLevel:    cfg.File.Policy.AuditLevel,
	}, s.audit, clk, logger, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	s.heartbeats = heartbeat.New(s.registry, cfg.StalenessWindow, clk, logger)

	s.adapters, err = adapter.NewSet(opts.Adapters...)
	if err != nil {
		return nil, err
	}
	if _, err := s.adapters.For(domain.PlatformSelfReported); err != nil && cfg.File.Adapters.SelfReported.On(true) {
		if err := s.adapters.Register(selfreport.New(s.heartbeats, cfg.StalenessWindow)); err != nil {
			return nil, err
		}
	}

	s.discovery = discovery.New(s.registry, s.adapters, discovery.Options{
		Interval: cfg.DiscoveryInterval,
		Timeout:  cfg.DiscoveryTimeout,
		GCCycles: cfg.GCCycles,
	}, logger, opts.Metrics)

	s.dispatcher = dispatch.New(s.registry, s.policy, s.adapters, s.hub, dispatch.Options{
		CommandTimeout: cfg.CommandTimeout,
		BulkParallel:   cfg.BulkParallel,
	}, clk, logger, opts.Metrics)

	platforms := make([]string, 0, len(s.adapters.All()))
	for _, a := range s.adapters.All() {
		platforms = append(platforms, string(a.Platform()))
	}
	s.logger.Info().
		Strs("platforms", platforms).
		Int("risk_threshold", cfg.File.Policy.RiskThreshold).
		Str("audit_level", string(cfg.File.Policy.AuditLevel)).
		Msg("fleet core initialized")
	return s, nil
}

func loadPolicy(path string) (string, error) {
	if path == "" {
		return policy.DefaultPolicy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read policy file: %w", err)
	}
	return string(data), nil
}

// Close shuts down the hub and releases the store and any adapter clients.
// Run must have returned first.
func (s *Service) Close() error {
	s.hub.Close()
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Platforms lists the platforms with a registered adapter.
func (s *Service) Platforms() []domain.Platform {
	all := s.adapters.All()
	out := make([]domain.Platform, 0, len(all))
	for _, a := range all {
		out = append(out, a.Platform())
	}
	return out
}

// Hub returns the event hub.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}
