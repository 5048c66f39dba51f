package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/observability"
	"github.com/3leaps/goprovision/pkg/archive"
	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
)

var jobOutputCmd = &cobra.Command{
	Use:   "output <job_id>",
	Short: "Show the output of a job",
	Long: `Show the output of a job.

By default the whole output is printed. --offset skips lines, --qty limits
them, --tail shows only the last N lines, and --follow keeps printing new
output until the job ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobOutput,
}

var jobDownloadCmd = &cobra.Command{
	Use:   "download <job_id>",
	Short: "Download the run directory of a job as tar.gz",
	Long: `Download the run directory of a job as a gzip tarball.

Files are filtered by output.bundle_include (doublestar patterns). When the
run directory was already collected and archiving is enabled, the archived
bundle is fetched instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobDownload,
}

func init() {
	jobCmd.AddCommand(jobOutputCmd, jobDownloadCmd)

	jobOutputCmd.Flags().Int("offset", 0, "Skip this many lines")
	jobOutputCmd.Flags().Int("qty", -1, "Print at most this many lines (-1 = all)")
	jobOutputCmd.Flags().Int("tail", 0, "Print only the last N lines")
	jobOutputCmd.Flags().BoolP("follow", "f", false, "Follow output until the job ends")

	jobDownloadCmd.Flags().StringP("output", "o", "", "Destination file (default job-<id>.tar.gz, - for stdout)")
	jobDownloadCmd.Flags().StringSlice("include", nil, "Override output.bundle_include")
}

func runJobOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("job", args[0])
	if err != nil {
		return err
	}
	offset, _ := cmd.Flags().GetInt("offset")
	qty, _ := cmd.Flags().GetInt("qty")
	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := lookupJob(ctx, env.store, id)
	if err != nil {
		return err
	}
	dir := env.layout.JobDir(job.ID)

	if follow {
		return followJobOutput(ctx, env.store, job, dir)
	}

	var lines []string
	if tailN > 0 {
		lines, err = rundir.TailOutput(dir, tailN)
	} else {
		lines, err = rundir.ReadOutput(dir, offset, qty)
	}
	if err != nil {
		if rundir.IsNoOutput(err) {
			observability.CLILogger.Info("No output yet", zap.Int64("job_id", job.ID), zap.String("state", string(job.State)))
			return nil
		}
		return exitError(exitReadError, "Failed to read job output", err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

// followJobOutput streams output until the job is terminal or the user
// interrupts.
func followJobOutput(ctx context.Context, store *jobstore.Store, job *jobstore.Job, dir string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := func() bool {
		cur, err := store.GetJob(ctx, job.ID)
		if err != nil {
			return ctx.Err() != nil
		}
		return cur.State.Terminal()
	}

	err := rundir.FollowOutput(ctx, dir, os.Stdout, done)
	if rundir.IsNoOutput(err) {
		if job.State.Terminal() {
			return nil
		}
		return exitError(exitNotFound, fmt.Sprintf("Job %d has no output yet", job.ID), err)
	}
	if err != nil {
		return exitError(exitReadError, "Failed to follow job output", err)
	}
	return nil
}

func runJobDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID("job", args[0])
	if err != nil {
		return err
	}

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := lookupJob(ctx, env.store, id)
	if err != nil {
		return err
	}

	include, _ := cmd.Flags().GetStringSlice("include")
	if len(include) == 0 {
		include = env.cfg.Output.BundleInclude
	}
	dest, _ := cmd.Flags().GetString("output")
	if dest == "" {
		dest = fmt.Sprintf("job-%d.tar.gz", job.ID)
	}

	dir := env.layout.JobDir(job.ID)
	if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
		return writeDownload(dest, func(w io.Writer) (string, error) {
			n, err := rundir.WriteBundle(dir, w, include)
			return fmt.Sprintf("%d files from %s", n, dir), err
		})
	}

	a, err := newArchiver(ctx, env.cfg)
	if err != nil {
		return err
	}
	if a == nil {
		return exitError(exitNotFound, fmt.Sprintf("No files for job %d", job.ID), fmt.Errorf("run directory %s is gone and archive is disabled", dir))
	}
	rc, err := a.Open(ctx, job.ID)
	if err != nil {
		if archive.IsNotFound(err) {
			return exitError(exitNotFound, fmt.Sprintf("No files for job %d", job.ID), err)
		}
		return exitError(exitUnavailable, "Failed to read archive", err)
	}
	defer func() { _ = rc.Close() }()

	return writeDownload(dest, func(w io.Writer) (string, error) {
		_, err := io.Copy(w, rc)
		return "archive " + a.Key(job.ID), err
	})
}

// writeDownload writes to dest atomically, or to stdout for "-".
func writeDownload(dest string, fill func(io.Writer) (string, error)) error {
	if dest == "-" {
		if _, err := fill(os.Stdout); err != nil {
			return exitError(exitWriteError, "Failed to write bundle", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return exitError(exitWriteError, "Failed to create output", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	source, err := fill(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return exitError(exitWriteError, "Failed to write bundle", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return exitError(exitWriteError, "Failed to write bundle", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "wrote %s (%s)\n", dest, source)
	return nil
}
