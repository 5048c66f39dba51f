package scheduler

import (
	"context"

	"github.com/3leaps/goprovision/pkg/jobstore"
)

// ProcessState is what the scheduler can tell about a job process.
type ProcessState int

const (
	// ProcUnknown means the process could not be inspected; the caller
	// retries later.
	ProcUnknown ProcessState = iota
	ProcRunning
	// ProcCleaning means the process is alive and has already handed off
	// to cleanup mode.
	ProcCleaning
	ProcDead
)

func (s ProcessState) String() string {
	switch s {
	case ProcRunning:
		return "running"
	case ProcCleaning:
		return "cleaning"
	case ProcDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Spawner starts and controls job processes.
type Spawner interface {
	// Spawn starts a detached job process in its own process group and
	// returns its pid. runID is unique per spawn and lets Validate tell
	// the job process apart from an unrelated process reusing the pid.
	Spawn(ctx context.Context, job *jobstore.Job, runID string) (int, error)

	// Terminate signals the job's whole process group: SIGTERM, or
	// SIGKILL when force is set. A process that is already gone is not
	// an error.
	Terminate(job *jobstore.Job, force bool) error

	// Validate reports whether the job process is still alive, and
	// ProcCleaning once it runs in cleanup mode.
	Validate(job *jobstore.Job) ProcessState
}
