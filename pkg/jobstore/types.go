package jobstore

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/goprovision/pkg/resources"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "WAITING"
	StateRunning   State = "RUNNING"
	StateCleaning  State = "CLEANING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Active reports whether a job in this state holds its resources.
func (s State) Active() bool {
	return s == StateRunning || s == StateCleaning
}

// ParseState accepts a state name in any case.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StateWaiting, StateRunning, StateCleaning, StateCompleted, StateFailed, StateCanceled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Action is what a request asks the scheduler to do.
type Action string

const (
	ActionSubmit Action = "SUBMIT"
	ActionCancel Action = "CANCEL"
)

// RequestState is the processing state of a request.
type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestCompleted RequestState = "COMPLETED"
	RequestError     RequestState = "ERROR"
)

// Time slots. A waiting job is admitted only during its own slot;
// DefaultTimeSlot is used when a submission names none.
const (
	DefaultTimeSlot = "DEFAULT"
	NightTimeSlot   = "NIGHT"
)

// TimeSlots lists the accepted time slots.
var TimeSlots = []string{DefaultTimeSlot, NightTimeSlot}

// ParseTimeSlot normalizes slot to upper case. An empty slot is
// DefaultTimeSlot; an unknown one is ErrInvalid.
func ParseTimeSlot(slot string) (string, error) {
	slot = strings.ToUpper(strings.TrimSpace(slot))
	if slot == "" {
		return DefaultTimeSlot, nil
	}
	for _, known := range TimeSlots {
		if slot == known {
			return slot, nil
		}
	}
	return "", fmt.Errorf("%w: time slot %q is not one of %s", ErrInvalid, slot, strings.Join(TimeSlots, ", "))
}

// Job is a scheduled unit of automation bound to one machine type.
type Job struct {
	ID          int64         `db:"id" json:"id"`
	RequestID   int64         `db:"request_id" json:"request_id"`
	JobType     string        `db:"job_type" json:"job_type"`
	State       State         `db:"state" json:"state"`
	PID         int           `db:"pid" json:"pid,omitempty"`
	RunID       string        `db:"run_id" json:"run_id,omitempty"`
	Resources   resources.Set `db:"resources" json:"resources"`
	Submitter   string        `db:"submitter" json:"submitter"`
	Description string        `db:"description" json:"description"`
	Parameters  string        `db:"parameters" json:"parameters"`
	Priority    int           `db:"priority" json:"priority"`
	TimeSlot    string        `db:"time_slot" json:"time_slot"`
	StartDate   *Timestamp    `db:"start_date" json:"start_date,omitempty"`
	// Timeout is the allowed run time in seconds; 0 means unlimited.
	Timeout    int        `db:"timeout" json:"timeout"`
	SubmitDate Timestamp  `db:"submit_date" json:"submit_date"`
	StartTS    *Timestamp `db:"start_ts" json:"start_ts,omitempty"`
	EndTS      *Timestamp `db:"end_ts" json:"end_ts,omitempty"`
	Result     string     `db:"result" json:"result"`
}

// TimeoutDuration returns Timeout as a duration.
func (j *Job) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}

// Request is a submit or cancel intent consumed once by the scheduler.
type Request struct {
	ID          int64        `db:"id" json:"id"`
	Action      Action       `db:"action" json:"action"`
	JobType     string       `db:"job_type" json:"job_type,omitempty"`
	JobID       *int64       `db:"job_id" json:"job_id,omitempty"`
	Submitter   string       `db:"submitter" json:"submitter"`
	Parameters  string       `db:"parameters" json:"parameters,omitempty"`
	Priority    int          `db:"priority" json:"priority"`
	TimeSlot    string       `db:"time_slot" json:"time_slot"`
	StartDate   *Timestamp   `db:"start_date" json:"start_date,omitempty"`
	Timeout     int          `db:"timeout" json:"timeout"`
	SubmitDate  Timestamp    `db:"submit_date" json:"submit_date"`
	State       RequestState `db:"state" json:"state"`
	Result      string       `db:"result" json:"result"`
}

// TimestampLayout is the stored text form. Fixed width keeps string order
// equal to time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is a UTC instant stored as fixed-width text so the same schema
// works on sqlite and postgres.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// AtPtr wraps t as a *Timestamp.
func AtPtr(t time.Time) *Timestamp {
	ts := At(t)
	return &ts
}

func (t Timestamp) Value() (driver.Value, error) {
	return t.UTC().Format(TimestampLayout), nil
}

func (t *Timestamp) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		t.Time = v.UTC()
		return nil
	default:
		return fmt.Errorf("unsupported timestamp column type %T", src)
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return t.UTC().MarshalJSON()
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	return t.Time.UnmarshalJSON(b)
}
