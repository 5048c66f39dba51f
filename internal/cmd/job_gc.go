package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/observability"
)

var jobGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect finished jobs",
	Long: `Delete finished jobs (COMPLETED, FAILED, CANCELED) that ended more than
--max-age ago, together with their run directories.`,
	RunE: runJobGC,
}

func init() {
	jobCmd.AddCommand(jobGCCmd)
	jobGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobsGCResult struct {
	Deleted      int     `json:"deleted"`
	WouldDelete  int     `json:"would_delete"`
	DryRun       bool    `json:"dry_run"`
	MaxAgeString string  `json:"max_age"`
	JobIDs       []int64 `json:"job_ids"`
}

func runJobGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(exitInvalidArg, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(exitInvalidArg, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	ids, err := env.store.DeleteFinished(ctx, time.Now().Add(-maxAge), dryRun)
	if err != nil {
		return exitError(exitUnavailable, "Failed to collect jobs", err)
	}
	if !dryRun {
		for _, id := range ids {
			if err := env.layout.Remove(id); err != nil {
				observability.CLILogger.Warn("Failed to remove run directory", zap.Int64("job_id", id), zap.Error(err))
			}
		}
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr, JobIDs: ids}
		if dryRun {
			res.WouldDelete = len(ids)
		} else {
			res.Deleted = len(ids)
		}
		return printJSON(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", len(ids))
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", len(ids))
	return nil
}
