package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/adapter/batch"
	"github.com/xiaot623/agentfleet/internal/adapter/docker"
	"github.com/xiaot623/agentfleet/internal/adapter/vm"
	"github.com/xiaot623/agentfleet/internal/config"
	"github.com/xiaot623/agentfleet/internal/kv"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/repository"
)

// Build opens the audit store and the platform clients named in cfg and
// returns a ready service. Everything opened here is released by Close.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	var store *repository.SQLiteStore
	if cfg.AuditDatabaseURL != "" {
		var err error
		store, err = repository.NewSQLiteStore(cfg.AuditDatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize audit store: %w", err))
		}
		closers = append(closers, store.Close)
	}

	adapters, adapterClosers, err := buildAdapters(cfg, logger)
	closers = append(closers, adapterClosers...)
	if err != nil {
		return fail(err)
	}

	svc, err := New(ctx, Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Adapters: adapters,
		Closers:  adapterClosers,
	})
	if err != nil {
		return fail(err)
	}
	return svc, nil
}

func buildAdapters(cfg *config.Config, logger zerolog.Logger) ([]adapter.Adapter, []func() error, error) {
	settings := cfg.File.Adapters
	var (
		adapters []adapter.Adapter
		closers  []func() error
		store    kv.Store
	)

	kvStore := func() (kv.Store, error) {
		if store != nil {
			return store, nil
		}
		if len(cfg.File.Etcd.Endpoints) == 0 {
			logger.Warn().Str("component", "service").Msg("no etcd endpoints configured, using an in-process key/value store")
			store = kv.NewMemory()
			return store, nil
		}
		etcd, err := kv.NewEtcdStore(cfg.File.Etcd.Endpoints, cfg.File.Etcd.DialTimeout)
		if err != nil {
			return nil, err
		}
		closers = append(closers, etcd.Close)
		store = etcd
		return store, nil
	}

	if settings.VM.On(false) {
		st, err := kvStore()
		if err != nil {
			return nil, closers, err
		}
		runner, err := vm.NewSSHRunner(vm.SSHConfig{
			User:           settings.VM.SSHUser,
			KeyFile:        settings.VM.SSHKeyFile,
			KnownHostsFile: settings.VM.KnownHostsFile,
		})
		if err != nil {
			return nil, closers, err
		}
		if settings.VM.KnownHostsFile == "" {
			logger.Warn().Str("component", "service").Msg("no known_hosts file configured, vm host keys are not verified")
		}
		inv := vm.NewKVInventory(st, logger)
		adapters = append(adapters, vm.New(inv, runner, settings.VM.Pricing, settings.VM.ExecTimeout, nil))
	}

	if settings.Container.On(false) {
		cli, err := docker.NewClient()
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, cli.Close)
		adapters = append(adapters, docker.New(cli, settings.Container.Pricing, settings.Container.ExecTimeout, nil))
	}

	if settings.Batch.On(false) {
		st, err := kvStore()
		if err != nil {
			return nil, closers, err
		}
		adapters = append(adapters, batch.New(st, settings.Batch.Pricing, settings.Batch.ExecTimeout, nil, logger))
	}

	return adapters, closers, nil
}
