package rundir

import (
	"os"
	"time"
)

// Return codes shared by the wrapper and the scheduler. Positive values are
// machine-defined failure codes.
const (
	RetSuccess   = 0
	RetCanceled  = -1
	RetTimeout   = -2
	RetException = -3
)

// Result is the outcome of a job process.
//
// CleanupCode is nil when the cleanup phase never reported (for example
// the process was replaced for cleanup and died before writing).
type Result struct {
	RetCode     int       `json:"ret_code"`
	CleanupCode *int      `json:"cleanup_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
}

// WriteResult persists the result of the job owning dir.
func WriteResult(dir string, res Result) error {
	if res.EndedAt.IsZero() {
		res.EndedAt = time.Now().UTC()
	}
	return writeJSONAtomic(dir, ResultFile, res)
}

// ReadResult loads the result written by the wrapper.
func ReadResult(dir string) (*Result, error) {
	var res Result
	if err := readJSON(dir, ResultFile, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClearResult removes a stale result before a new run starts.
func ClearResult(dir string) error {
	err := os.Remove(ResultPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Code returns a pointer to c, for filling Result.CleanupCode.
func Code(c int) *int {
	return &c
}
