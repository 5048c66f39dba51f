package scheduler

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// MsgProcessDisappeared is the result of a job that ended without a
// readable result file.
const MsgProcessDisappeared = "Job process disappeared."

// reap finalizes active jobs whose process is gone.
func (l *Looper) reap(ctx context.Context) error {
	active, err := l.store.ActiveJobs(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		job := &active[i]
		if l.spawner.Validate(job) != ProcDead {
			continue
		}
		if err := l.finalize(ctx, job); err != nil {
			l.logger.Warn("finalize job", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// finalize moves a job whose process ended to its terminal state, then
// hands the run directory to the archiver.
func (l *Looper) finalize(ctx context.Context, job *jobstore.Job) error {
	dir := l.layout.JobDir(job.ID)
	res, err := rundir.ReadResult(dir)
	if err != nil {
		l.logger.Warn("job result unreadable", zap.Int64("job_id", job.ID), zap.Error(err))
		res = nil
	}
	state, msg := Outcome(res)

	if err := l.store.Finish(ctx, job.ID, state, msg); err != nil {
		return err
	}
	job.State, job.Result = state, msg
	l.metrics.incFinished(state)
	l.logger.Info("job finished", zap.Int64("job_id", job.ID), zap.String("state", string(state)), zap.String("result", msg))

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, job, dir); err != nil {
			l.logger.Warn("archive job output", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// Outcome maps a job result to its terminal state and result text. A nil
// result means the process ended without reporting.
func Outcome(res *rundir.Result) (jobstore.State, string) {
	if res == nil {
		return jobstore.StateFailed, MsgProcessDisappeared
	}

	cleanupOK := res.CleanupCode == nil || *res.CleanupCode == 0
	var (
		state jobstore.State
		msg   string
	)
	switch {
	case res.RetCode == rundir.RetSuccess && cleanupOK:
		state, msg = jobstore.StateCompleted, "Job finished successfully."
	case res.RetCode == rundir.RetSuccess:
		state, msg = jobstore.StateFailed, "Job finished but "+lowerFirst(cleanupText(res.CleanupCode))
	case res.RetCode == rundir.RetCanceled:
		state = jobstore.StateFailed
		if res.CleanupCode != nil && *res.CleanupCode == 0 {
			state = jobstore.StateCanceled
		}
		msg = "Job canceled. " + cleanupText(res.CleanupCode)
	case res.RetCode == rundir.RetTimeout:
		state, msg = jobstore.StateFailed, "Job timed out. "+cleanupText(res.CleanupCode)
	case res.RetCode == rundir.RetException:
		state, msg = jobstore.StateFailed, "Job failed abnormally. "+cleanupText(res.CleanupCode)
	case res.RetCode > 0:
		state, msg = jobstore.StateFailed, fmt.Sprintf("Job ended with error exit code %d. %s", res.RetCode, cleanupText(res.CleanupCode))
	default:
		state, msg = jobstore.StateFailed, fmt.Sprintf("Job ended with unknown code %d. %s", res.RetCode, cleanupText(res.CleanupCode))
	}
	if res.Message != "" {
		msg += " Details: " + res.Message
	}
	return state, msg
}

func cleanupText(code *int) string {
	switch {
	case code == nil:
		return "Cleanup did not report."
	case *code == 0:
		return "Cleanup completed."
	case *code == rundir.RetTimeout:
		return "Cleanup timed out."
	case *code == rundir.RetException:
		return "Cleanup failed abnormally."
	default:
		return fmt.Sprintf("Cleanup failed with exit code %d.", *code)
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
