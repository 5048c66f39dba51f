package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/resources"
)

func newRunID() string {
	return uuid.NewString()
}

// admit starts waiting jobs of the current time slot, highest rank first,
// whose resources are free.
func (l *Looper) admit(ctx context.Context) error {
	active, err := l.store.ActiveJobs(ctx)
	if err != nil {
		return err
	}
	ledger := resources.NewLedger()
	for _, j := range active {
		ledger.Hold(j.ID, j.Resources)
	}

	waiting, err := l.store.WaitingJobs(ctx)
	if err != nil {
		return err
	}

	now := l.now()
	slot := l.currentSlot(now)
	for i := range waiting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job := &waiting[i]
		log := l.logger.With(zap.Int64("job_id", job.ID))

		if job.StartDate != nil && job.StartDate.After(now) {
			continue
		}
		// A job outside the current slot reserves nothing, so it never
		// holds back jobs that may run now.
		if job.TimeSlot != slot {
			log.Debug("job waits for its time slot", zap.String("time_slot", job.TimeSlot), zap.String("current_slot", slot))
			continue
		}
		if conflicts := ledger.Conflicts(job.Resources); len(conflicts) > 0 {
			log.Debug("job blocked", zap.String("resource", conflicts[0].Resource), zap.Int64("holder", conflicts[0].Holder.JobID))
			if l.strict {
				ledger.Reserve(job.ID, job.Resources)
			}
			continue
		}
		if !l.limiter.Allow() {
			log.Debug("spawn rate reached, admission continues next cycle")
			return nil
		}
		if err := l.dispatch(ctx, job, log); err != nil {
			log.Error("dispatch failed, job stays waiting", zap.Error(err))
			if l.strict {
				ledger.Reserve(job.ID, job.Resources)
			}
			continue
		}
		ledger.Hold(job.ID, job.Resources)
	}
	return nil
}

// dispatch spawns the job process and records it as RUNNING. If the state
// change fails the process is killed, so a job never runs twice.
func (l *Looper) dispatch(ctx context.Context, job *jobstore.Job, log *zap.Logger) error {
	runID := l.newRunID()
	pid, err := l.spawner.Spawn(ctx, job, runID)
	if err != nil {
		l.metrics.incSpawnFailure()
		return fmt.Errorf("spawn: %w", err)
	}

	if err := l.store.MarkRunning(ctx, job.ID, pid, runID); err != nil {
		orphan := *job
		orphan.PID, orphan.RunID = pid, runID
		if kerr := l.spawner.Terminate(&orphan, true); kerr != nil {
			log.Error("kill unrecorded job process", zap.Int("pid", pid), zap.Error(kerr))
		}
		return fmt.Errorf("mark running: %w", err)
	}

	job.State, job.PID, job.RunID = jobstore.StateRunning, pid, runID
	l.metrics.incDispatched()
	log.Info("job dispatched", zap.String("job_type", job.JobType), zap.Int("pid", pid), zap.String("run_id", runID))
	return nil
}
