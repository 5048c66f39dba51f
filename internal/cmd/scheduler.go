package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/config"
	"github.com/3leaps/goprovision/internal/observability"
	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler daemon.

Each cycle the scheduler finalizes jobs whose process ended, processes
pending submit and cancel requests, and starts waiting jobs whose
resources are free. Under systemd (Type=notify) readiness is reported
after the first cycle.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.Flags().String("listen", "", "Serve health and metrics on this host:port")
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := initServiceLogger(cfg, "scheduler")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Metrics.Enabled {
		observability.InitMetrics()
	}
	looper, err := buildLooper(ctx, cfg, store, logger, notifyReady(logger))
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		srv, err := statusServer(cfg, store, listen, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer shutdownServer(srv, cfg, logger)
	}

	logger.Info("scheduler started",
		zap.String("jobs_dir", cfg.Scheduler.JobsDir),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("poll_interval", cfg.Scheduler.PollInterval),
		zap.Bool("strict_ordering", cfg.Scheduler.StrictOrdering))

	err = looper.Run(ctx)
	_, _ = daemon.SdNotify(false, "STOPPING=1")
	if err != nil {
		return exitError(exitFailure, "Scheduler stopped", err)
	}
	logger.Info("scheduler stopped")
	return nil
}

// buildLooper wires the Looper to the process spawner, metrics and archive.
func buildLooper(ctx context.Context, cfg *config.Config, store *jobstore.Store, logger *zap.Logger, ready func()) (*scheduler.Looper, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	layout := jobLayout(cfg)
	// #nosec G301 -- job dirs are read by operators and the API server
	if err := os.MkdirAll(layout.Root(), 0o755); err != nil {
		return nil, exitError(exitWriteError, "Failed to create jobs directory", err)
	}

	// Job processes re-read the same config file.
	var globalArgs []string
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, exitError(exitInvalidArg, "Invalid --config", err)
		}
		globalArgs = []string{"--config", abs}
	}
	if verbose {
		globalArgs = append(globalArgs, "--verbose")
	}

	spawner, err := scheduler.NewProcessSpawner(scheduler.ProcessSpawnerOptions{
		Layout:         layout,
		GlobalArgs:     globalArgs,
		CleanupTimeout: cfg.Scheduler.CleanupTimeout,
		Logger:         logger.Named("spawner"),
	})
	if err != nil {
		return nil, err
	}

	opts := scheduler.Options{
		Store:          store,
		Registry:       reg,
		Spawner:        spawner,
		Layout:         layout,
		PollInterval:   cfg.Scheduler.PollInterval,
		StrictOrdering: cfg.Scheduler.StrictOrdering,
		SpawnRate:      cfg.Scheduler.SpawnRate,
		SpawnBurst:     cfg.Scheduler.SpawnBurst,
		DefaultTimeout: cfg.Scheduler.TimeoutFor,
		Logger:         logger.Named("looper"),
		Ready:          ready,
	}
	if observability.Registry != nil {
		opts.Metrics = scheduler.NewMetrics(observability.Registry)
	}
	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		opts.Archiver = archiver
	}

	looper, err := scheduler.NewLooper(opts)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	return looper, nil
}

func notifyReady(logger *zap.Logger) func() {
	return func() {
		sent, err := daemon.SdNotify(false, "READY=1")
		if err != nil {
			logger.Warn("systemd notify failed", zap.Error(err))
			return
		}
		if sent {
			logger.Debug("systemd notified ready")
		}
	}
}
