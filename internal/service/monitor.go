package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentfleet/internal/config"
)

// Run starts every periodic task and blocks until ctx is cancelled and all
// of them have returned.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.audit.Run(ctx) })
	g.Go(func() error { return s.discovery.Run(ctx) })
	g.Go(func() error { return s.heartbeats.Run(ctx, s.config.HeartbeatSweepInterval) })
	g.Go(func() error {
		s.RunStalenessMonitor(ctx)
		return nil
	})
	g.Go(func() error {
		s.RunBroadcastTicker(ctx)
		return nil
	})
	if s.store != nil && s.config.AuditRetention > 0 {
		g.Go(func() error {
			s.RunAuditPruner(ctx, time.Hour)
			return nil
		})
	}
	if s.config.ConfigFile != "" {
		w := config.NewWatcher(s.config.ConfigFile, s.config.File, s.ApplyFile, s.logger)
		g.Go(func() error { return w.Run(ctx) })
	}

	s.logger.Info().Msg("periodic tasks started")
	err := g.Wait()
	s.logger.Info().Msg("periodic tasks stopped")
	return err
}

// RunStalenessMonitor marks agents offline once they go unobserved for the
// staleness window.
func (s *Service) RunStalenessMonitor(ctx context.Context) {
	interval := s.config.StaleSweepInterval
	if interval <= 0 {
		interval = s.config.StalenessWindow / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Service) sweepStale() []string {
	stale := s.registry.SweepStale(s.config.StalenessWindow)
	if len(stale) > 0 {
		s.logger.Info().Strs("agent_ids", stale).Msg("marked stale agents offline")
	}
	return stale
}

// RunBroadcastTicker periodically pushes a full snapshot to subscribers.
func (s *Service) RunBroadcastTicker(ctx context.Context) {
	if s.config.BroadcastInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.config.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastSnapshot()
		}
	}
}

// RunAuditPruner deletes persisted assessments older than the retention
// period every interval.
func (s *Service) RunAuditPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneAudit(ctx)
		}
	}
}

func (s *Service) pruneAudit(ctx context.Context) (int64, error) {
	pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.config.AuditRetention)
	n, err := s.store.PruneBefore(pruneCtx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit prune failed")
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned audit records")
	}
	return n, nil
}

// ApplyFile applies the live-reloadable parts of a reloaded config file.
// Adapter changes take effect on restart.
func (s *Service) ApplyFile(file config.File) {
	if err := s.policy.Reconfigure(file.Policy.RiskThreshold, file.Policy.AuditLevel); err != nil {
		s.logger.Warn().Err(err).Msg("rejected policy settings from config file")
		return
	}
	s.logger.Info().
		Int("risk_threshold", file.Policy.RiskThreshold).
		Str("audit_level", string(file.Policy.AuditLevel)).
		Msg("policy settings reloaded")
}

// PolicySettings returns the policy knobs in effect.
func (s *Service) PolicySettings() config.PolicySettings {
	c := s.policy.Config()
	return config.PolicySettings{RiskThreshold: c.RiskThreshold, AuditLevel: c.AuditLevel}
}
