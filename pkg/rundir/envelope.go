package rundir

import (
	"os"
	"time"
)

// Cause explains why a job took the cleanup handoff path.
type Cause string

const (
	CauseCanceled  Cause = "canceled"
	CauseTimeout   Cause = "timeout"
	CauseException Cause = "exception"
)

// RetCode maps a cause to the return code reported for the start phase.
func (c Cause) RetCode() int {
	switch c {
	case CauseCanceled:
		return RetCanceled
	case CauseTimeout:
		return RetTimeout
	default:
		return RetException
	}
}

// Envelope carries what a fresh process image needs to run only the
// cleanup phase of a job.
type Envelope struct {
	JobID      int64     `json:"job_id"`
	JobType    string    `json:"job_type"`
	RunID      string    `json:"run_id,omitempty"`
	Dir        string    `json:"dir"`
	Parameters string    `json:"parameters"`
	RetCode    int       `json:"ret_code"`
	Cause      Cause     `json:"cause"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func WriteEnvelope(dir string, env Envelope) error {
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	return writeJSONAtomic(dir, EnvelopeFile, env)
}

func ReadEnvelope(dir string) (*Envelope, error) {
	var env Envelope
	if err := readJSON(dir, EnvelopeFile, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func RemoveEnvelope(dir string) error {
	err := os.Remove(EnvelopePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
