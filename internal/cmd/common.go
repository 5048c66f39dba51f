package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/goprovision/internal/config"
	"github.com/3leaps/goprovision/pkg/archive"
	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/machine/command"
	"github.com/3leaps/goprovision/pkg/machine/echo"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// Exit codes.
var (
	exitFailure     = 1
	exitConfig      = foundry.ExitInvalidArgument
	exitInvalidArg  = foundry.ExitInvalidArgument
	exitUnavailable = foundry.ExitExternalServiceUnavailable
	exitNotFound    = foundry.ExitFileNotFound
	exitReadError   = foundry.ExitFileReadError
	exitWriteError  = foundry.ExitFileWriteError
	exitInterrupted = foundry.ExitSignalInt
)

// newRegistry returns the machines this binary can run.
func newRegistry() (*machine.Registry, error) {
	return machine.NewRegistry(echo.Definition(), command.Definition())
}

func openStore(ctx context.Context, cfg *config.Config) (*jobstore.Store, error) {
	store, err := jobstore.Open(ctx, jobstore.Config{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(exitUnavailable, "Failed to open job store", err)
	}
	return store, nil
}

func jobLayout(cfg *config.Config) *rundir.Layout {
	return rundir.NewLayout(cfg.Scheduler.JobsDir)
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	a, err := archive.New(ctx, archive.Config{
		Bucket:          cfg.Archive.Bucket,
		Prefix:          cfg.Archive.Prefix,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		Profile:         cfg.Archive.Profile,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		ForcePathStyle:  cfg.Archive.ForcePathStyle,
		Include:         cfg.Output.BundleInclude,
	}, nil)
	if err != nil {
		return nil, exitError(exitUnavailable, "Failed to configure archive", err)
	}
	return a, nil
}

// cliEnv bundles what the job and request commands share.
type cliEnv struct {
	cfg    *config.Config
	store  *jobstore.Store
	layout *rundir.Layout
}

func openCLIEnv(ctx context.Context) (*cliEnv, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, store: store, layout: jobLayout(cfg)}, nil
}

func (e *cliEnv) Close() {
	_ = e.store.Close()
}

func parseID(kind, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(exitInvalidArg, fmt.Sprintf("Invalid %s id %q", kind, raw), fmt.Errorf("%s id must be a positive integer", kind))
	}
	return id, nil
}

// lookupJob maps a missing job to a not-found exit code.
func lookupJob(ctx context.Context, store *jobstore.Store, id int64) (*jobstore.Job, error) {
	job, err := store.GetJob(ctx, id)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return nil, exitError(exitNotFound, fmt.Sprintf("Job %d not found", id), err)
		}
		return nil, exitError(exitUnavailable, "Failed to read job", err)
	}
	return job, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *jobstore.Timestamp) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
