package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/observability"
	"github.com/3leaps/goprovision/pkg/scheduler"
	"github.com/3leaps/goprovision/pkg/wrapper"
)

// The job process entry points. The scheduler spawns _job-exec; the
// wrapper re-executes itself as _job-cleanup on the cleanup handoff.
var jobExecCmd = &cobra.Command{
	Use:    scheduler.ExecCommand,
	Short:  "Run one job (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runJobExec,
}

var jobCleanupCmd = &cobra.Command{
	Use:    wrapper.CleanupCommand,
	Short:  "Run the cleanup of an interrupted job (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runJobCleanup,
}

func init() {
	// Cleanup mode inherits ignored cancel signals from the job process,
	// but the runtime resets SIGTERM. Restore it before cobra runs.
	if wrapper.IsCleanupInvocation(os.Args[1:]) {
		wrapper.IgnoreCancelSignals()
	}

	rootCmd.AddCommand(jobExecCmd, jobCleanupCmd)

	jobExecCmd.Flags().Int64("job-id", 0, "Job id")
	jobExecCmd.Flags().String("run-id", "", "Run id of this spawn")

	jobCleanupCmd.Flags().String("dir", "", "Run directory holding the cleanup envelope")
	jobCleanupCmd.Flags().String("run-id", "", "Run id of the interrupted spawn")
	jobCleanupCmd.Flags().Duration("cleanup-timeout", wrapper.DefaultCleanupTimeout, "Cleanup time limit")
}

// jobLogger writes to stderr, which the spawner points at the job output.
// The wrapper adds the job fields.
func jobLogger() *zap.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger("job", observability.LogConfig{Level: level, Profile: observability.ProfileConsole})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// readJobArgs decodes the spawner payload and checks it against the flags.
func readJobArgs(r io.Reader, jobID int64, runID string) (wrapper.Args, error) {
	var args wrapper.Args
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, exitError(exitInvalidArg, "Invalid job arguments", err)
	}
	if jobID != 0 && args.JobID != jobID {
		return args, exitError(exitInvalidArg, "Invalid job arguments",
			fmt.Errorf("payload is for job %d, not %d", args.JobID, jobID))
	}
	if runID != "" && args.RunID != runID {
		return args, exitError(exitInvalidArg, "Invalid job arguments",
			fmt.Errorf("payload run id %q does not match %q", args.RunID, runID))
	}
	if args.Dir == "" || args.JobType == "" {
		return args, exitError(exitInvalidArg, "Invalid job arguments", fmt.Errorf("dir and job type are required"))
	}
	return args, nil
}

func runJobExec(cmd *cobra.Command, _ []string) error {
	jobID, _ := cmd.Flags().GetInt64("job-id")
	runID, _ := cmd.Flags().GetString("run-id")

	args, err := readJobArgs(cmd.InOrStdin(), jobID, runID)
	if err != nil {
		return err
	}
	logger := jobLogger()
	defer func() { _ = logger.Sync() }()

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	w, err := wrapper.New(wrapper.Options{Registry: reg, Logger: logger, Out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	if err := w.Run(cmd.Context(), args); err != nil {
		return exitError(exitFailure, "Job wrapper failed", err)
	}
	return nil
}

func runJobCleanup(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	timeout, _ := cmd.Flags().GetDuration("cleanup-timeout")
	if dir == "" {
		return exitError(exitInvalidArg, "Missing --dir", fmt.Errorf("cleanup mode needs the run directory"))
	}

	logger := jobLogger()
	defer func() { _ = logger.Sync() }()

	start := time.Now()
	if err := cleanupJob(cmd.Context(), logger, cmd.OutOrStdout(), dir, timeout); err != nil {
		return err
	}
	logger.Debug("cleanup mode done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// cleanupJob runs cleanup mode for the envelope in dir. Cancel signals
// stay ignored: the wrapper gets a signal channel that never fires.
func cleanupJob(ctx context.Context, logger *zap.Logger, out io.Writer, dir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = wrapper.DefaultCleanupTimeout
	}
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	w, err := wrapper.New(wrapper.Options{Registry: reg, Logger: logger, Out: out, Signals: make(chan os.Signal)})
	if err != nil {
		return err
	}
	if err := w.RunCleanup(ctx, dir, timeout); err != nil {
		return exitError(exitFailure, "Job cleanup failed", err)
	}
	return nil
}
