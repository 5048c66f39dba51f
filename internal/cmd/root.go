// Package cmd implements the goprovision command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/config"
	"github.com/3leaps/goprovision/internal/observability"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}
	appIdentity *config.AppIdentity

	cfgFile  string
	verbose  bool
	logLevel string
)

// SetVersionInfo records build metadata for --version and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

// GetAppIdentity returns the identity resolved at startup, or nil before.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "goprovision",
	Short: "Job scheduler for provisioning automation",
	Long: `goprovision runs long-lived provisioning jobs (OS installs, playbook runs,
power actions) as isolated processes under a central scheduler.

Jobs are queued as requests, admitted when the resources they lock are
free, and always get their cleanup routine run exactly once, even when
canceled or timed out.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $GOPROVISION_CONFIG or <appdata>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")
}

func initRoot(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	id := config.Identity()
	appIdentity = &id
	observability.InitCLILogger(id.BinaryName, verbose)
	return nil
}

// loadConfig loads the configuration with CLI overrides applied.
func loadConfig(ctx context.Context) (*config.Config, error) {
	var overrides []map[string]any
	if lvl := strings.TrimSpace(logLevel); lvl != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": lvl}})
	}
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, exitError(exitConfig, "Failed to load configuration", err)
	}
	return cfg, nil
}

// initServiceLogger replaces the CLI logger with the configured one for
// long-running commands.
func initServiceLogger(cfg *config.Config, name string) (*zap.Logger, error) {
	logger, err := observability.NewLogger(name, observability.LogConfig{
		Level:      cfg.Logging.Level,
		Profile:    cfg.Logging.Profile,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, exitError(exitConfig, "Invalid logging configuration", err)
	}
	observability.SetLogger(logger)
	return logger, nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCodeOf maps err to a process exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitFailure
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCodeOf(err)
}
