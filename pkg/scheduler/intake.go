package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/resources"
)

// Request results recorded for cancel outcomes.
const (
	msgCanceledWaiting = "Job canceled."
	msgCancelStarted   = "Job cancel signaled, cleanup started."
	msgForceCanceled   = "Job forcefully canceled while in cleanup."
	msgEndedDuringReq  = "Job has ended while processing request."
	msgAlreadyEnded    = "Job has already ended."
	msgJobNotFound     = "Job not found."
)

// intake processes pending requests in submit order.
func (l *Looper) intake(ctx context.Context) error {
	reqs, err := l.store.PendingRequests(ctx)
	if err != nil {
		return err
	}
	for i := range reqs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req := &reqs[i]
		log := l.logger.With(zap.Int64("request_id", req.ID), zap.String("action", string(req.Action)))

		var outcome string
		switch req.Action {
		case jobstore.ActionSubmit:
			outcome, err = l.submit(ctx, req, log)
		case jobstore.ActionCancel:
			outcome, err = l.cancel(ctx, req, log)
		default:
			outcome = "error"
			err = l.store.FailRequest(ctx, req.ID, fmt.Sprintf("Unknown action %q.", req.Action))
		}
		if err != nil {
			log.Warn("request not processed, retrying next cycle", zap.Error(err))
			continue
		}
		if outcome != "" {
			l.metrics.incRequest(req.Action, outcome)
		}
	}
	return nil
}

// reject marks a request as ERROR with reason.
func (l *Looper) reject(ctx context.Context, req *jobstore.Request, log *zap.Logger, reason string) (string, error) {
	log.Info("request rejected", zap.String("reason", reason))
	if err := l.store.FailRequest(ctx, req.ID, reason); err != nil {
		return "", err
	}
	return "error", nil
}

func (l *Looper) submit(ctx context.Context, req *jobstore.Request, log *zap.Logger) (string, error) {
	def, err := l.registry.Lookup(req.JobType)
	if err != nil {
		return l.reject(ctx, req, log, fmt.Sprintf("Unknown job type %q.", req.JobType))
	}
	parsed, err := def.Parse(req.Parameters)
	if err != nil {
		return l.reject(ctx, req, log, fmt.Sprintf("Invalid parameters: %v", err))
	}
	if err := resources.Validate(parsed.Resources); err != nil {
		return l.reject(ctx, req, log, fmt.Sprintf("Invalid resources: %v", err))
	}
	set := parsed.Resources.Normalize()
	slot, err := jobstore.ParseTimeSlot(req.TimeSlot)
	if err != nil {
		return l.reject(ctx, req, log, fmt.Sprintf("Invalid time slot %q.", req.TimeSlot))
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = int(l.defaultTimeout(req.JobType) / time.Second)
	}

	if req.StartDate != nil {
		if err := l.checkSchedule(ctx, set, req.StartDate.Time, timeout); err != nil {
			return l.reject(ctx, req, log, fmt.Sprintf("Cannot schedule job: %v", err))
		}
	}

	job := &jobstore.Job{
		JobType:     req.JobType,
		Resources:   set,
		Submitter:   req.Submitter,
		Description: parsed.Description,
		Parameters:  req.Parameters,
		Priority:    req.Priority,
		TimeSlot:    slot,
		StartDate:   req.StartDate,
		Timeout:     timeout,
	}
	id, err := l.store.SubmitJob(ctx, req.ID, job)
	switch {
	case jobstore.IsDuplicate(err):
		log.Warn("request already produced a job", zap.Error(err))
		return "", l.store.CompleteRequest(ctx, req.ID, "Job already created.", nil)
	case jobstore.IsStateConflict(err):
		log.Info("request retired concurrently", zap.Error(err))
		return "", nil
	case err != nil:
		return "", err
	}
	log.Info("job created", zap.Int64("job_id", id), zap.String("job_type", job.JobType),
		zap.Stringer("resources", set), zap.Int("priority", job.Priority))
	return "completed", nil
}

// checkSchedule refuses a start-dated job that lacks a timeout or whose
// window collides with an active or another start-dated job.
func (l *Looper) checkSchedule(ctx context.Context, set resources.Set, start time.Time, timeout int) error {
	active, err := l.store.ActiveJobs(ctx)
	if err != nil {
		return err
	}
	waiting, err := l.store.WaitingJobs(ctx)
	if err != nil {
		return err
	}

	now := l.now()
	var activeWin, scheduled []resources.Window
	for _, j := range active {
		started := now
		if j.StartTS != nil {
			started = j.StartTS.Time
		}
		activeWin = append(activeWin, resources.Window{JobID: j.ID, Set: j.Resources, Start: started, Timeout: j.TimeoutDuration()})
	}
	for _, j := range waiting {
		if j.StartDate != nil {
			scheduled = append(scheduled, resources.Window{JobID: j.ID, Set: j.Resources, Start: j.StartDate.Time, Timeout: j.TimeoutDuration()})
		}
	}

	candidate := resources.Window{Set: set, Start: start, Timeout: time.Duration(timeout) * time.Second}
	return resources.CheckSchedule(candidate, true, activeWin, scheduled, now)
}

func (l *Looper) cancel(ctx context.Context, req *jobstore.Request, log *zap.Logger) (string, error) {
	if req.JobID == nil {
		return l.reject(ctx, req, log, "Cancel request names no job.")
	}
	job, err := l.store.GetJob(ctx, *req.JobID)
	if jobstore.IsNotFound(err) {
		return "completed", l.store.CompleteRequest(ctx, req.ID, msgJobNotFound, nil)
	}
	if err != nil {
		return "", err
	}
	log = log.With(zap.Int64("job_id", job.ID), zap.String("state", string(job.State)))

	switch job.State {
	case jobstore.StateWaiting:
		if err := l.store.CancelWaiting(ctx, job.ID, msgCanceledWaiting); err != nil {
			return "", err
		}
		log.Info("waiting job canceled")
		return "completed", l.store.CompleteRequest(ctx, req.ID, msgCanceledWaiting, &job.ID)

	case jobstore.StateRunning:
		switch l.spawner.Validate(job) {
		case ProcDead:
			if err := l.finalize(ctx, job); err != nil {
				return "", err
			}
			return "completed", l.store.CompleteRequest(ctx, req.ID, msgEndedDuringReq, &job.ID)
		case ProcUnknown:
			log.Warn("job process state unknown, cancel stays pending")
			return "", nil
		case ProcCleaning:
			// Cleanup mode must not be signaled.
			log.Info("job already in cleanup, not signaled")
		default:
			if err := l.spawner.Terminate(job, false); err != nil {
				return "", err
			}
			log.Info("running job signaled to stop")
		}
		if err := l.store.MarkCleaning(ctx, job.ID); err != nil {
			return "", err
		}
		return "completed", l.store.CompleteRequest(ctx, req.ID, msgCancelStarted, &job.ID)

	case jobstore.StateCleaning:
		if err := l.spawner.Terminate(job, true); err != nil {
			return "", err
		}
		if err := l.store.Finish(ctx, job.ID, jobstore.StateCanceled, msgForceCanceled); err != nil {
			return "", err
		}
		l.metrics.incFinished(jobstore.StateCanceled)
		log.Warn("job killed during cleanup")
		return "completed", l.store.CompleteRequest(ctx, req.ID, msgForceCanceled, &job.ID)

	default:
		return "completed", l.store.CompleteRequest(ctx, req.ID, msgAlreadyEnded, &job.ID)
	}
}
