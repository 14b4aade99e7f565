package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xiaot623/agentfleet/internal/config"
	"github.com/xiaot623/agentfleet/internal/logging"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/service"
	server "github.com/xiaot623/agentfleet/internal/transport/http"
)

func newServeCommand() *cobra.Command {
	var addr, configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				os.Setenv("CONFIG_FILE", configFile)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info().
		Str("version", Version).
		Str("addr", cfg.HTTPAddr).
		Str("audit_db", cfg.AuditDatabaseURL).
		Str("config_file", cfg.ConfigFile).
		Msg("starting agentfleet")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg, logger, metrics.New(reg))
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to release resources")
		}
	}()

	e := server.NewServer(svc, cfg, reg, Version, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()
	logger.Info().Str("addr", cfg.HTTPAddr).Msg("API started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown http server gracefully")
	}
	if err := <-runErr; err != nil {
		return err
	}
	logger.Info().Msg("agentfleet stopped")
	return nil
}
