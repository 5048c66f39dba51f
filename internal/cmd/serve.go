package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/config"
	"github.com/3leaps/goprovision/internal/observability"
	"github.com/3leaps/goprovision/internal/server"
	"github.com/3leaps/goprovision/internal/server/handlers"
	"github.com/3leaps/goprovision/pkg/jobstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

The server accepts submit and cancel requests, reports job and request
state, and streams job output and run directory bundles. With --scheduler
the scheduler loop runs in the same process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", 0, "Override server.port")
	serveCmd.Flags().Bool("scheduler", false, "Also run the scheduler loop")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	withScheduler, _ := cmd.Flags().GetBool("scheduler")

	logger, err := initServiceLogger(cfg, "server")
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

	jobsOpts := handlers.JobsOptions{
		Store:         store,
		Layout:        jobLayout(cfg),
		BundleInclude: cfg.Output.BundleInclude,
		Logger:        logger.Named("api"),
	}
	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return err
	}
	if archiver != nil {
		jobsOpts.Bundles = archiver
	}

	opts := append(serverOptions(cfg, store, logger), server.WithJobsAPI(handlers.NewJobsAPI(jobsOpts)))
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	if withScheduler {
		looper, err := buildLooper(ctx, cfg, store, logger, notifyReady(logger))
		if err != nil {
			shutdownServer(srv, cfg, logger)
			return err
		}
		go func() {
			if err := looper.Run(ctx); err != nil {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	} else {
		notifyReady(logger)()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			shutdownServer(srv, cfg, logger)
			return exitError(exitFailure, "Server stopped", err)
		}
	}
	shutdownServer(srv, cfg, logger)
	return nil
}

// serverOptions returns the options shared by the API and status servers.
func serverOptions(cfg *config.Config, store *jobstore.Store, logger *zap.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Health.Enabled {
		opts = append(opts, server.WithHealthManager(newHealthManager(cfg, store)))
	}
	if observability.Registry != nil {
		opts = append(opts, server.WithMetrics(observability.MetricsHandler()))
	}
	return opts
}

// statusServer serves health, version and metrics on listen (host:port).
func statusServer(cfg *config.Config, store *jobstore.Store, listen string, logger *zap.Logger) (*server.Server, error) {
	host, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, exitError(exitInvalidArg, "Invalid --listen", err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return nil, exitError(exitInvalidArg, "Invalid --listen", fmt.Errorf("bad port %q", rawPort))
	}
	return server.New(host, port, serverOptions(cfg, store, logger)...), nil
}

func shutdownServer(srv *server.Server, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}

func newHealthManager(cfg *config.Config, store *jobstore.Store) *handlers.HealthManager {
	m := handlers.NewHealthManager(versionInfo.Version)
	id := config.Identity()
	m.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	if store != nil {
		m.RegisterChecker("store", storeHealthChecker{store: store})
	}
	m.RegisterChecker("jobs_dir", jobsDirHealthChecker{dir: cfg.Scheduler.JobsDir})
	return m
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("missing config name")
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storeHealthChecker struct {
	store pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("job store not open")
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}

type jobsDirHealthChecker struct {
	dir string
}

func (c jobsDirHealthChecker) CheckHealth(_ context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("jobs directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("jobs directory %s is not a directory", c.dir)
	}
	return nil
}
