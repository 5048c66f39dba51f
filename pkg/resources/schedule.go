package resources

import (
	"errors"
	"fmt"
	"time"
)

// GracePeriod pads every scheduled window to absorb dispatch latency.
const GracePeriod = 300 * time.Second

var (
	// ErrStartDateNeedsTimeout rejects a scheduled job that could run forever.
	ErrStartDateNeedsTimeout = errors.New("a job with a start date must have a timeout")

	// ErrScheduleOverlap rejects a scheduled job whose window collides with
	// another job on the same resources.
	ErrScheduleOverlap = errors.New("job window overlaps another scheduled job")
)

// IsScheduleConflict reports whether err came from CheckSchedule.
func IsScheduleConflict(err error) bool {
	return errors.Is(err, ErrStartDateNeedsTimeout) || errors.Is(err, ErrScheduleOverlap)
}

// Window is the time a job is expected to occupy its resources. A zero
// Timeout means the window never ends.
type Window struct {
	JobID   int64
	Set     Set
	Start   time.Time
	Timeout time.Duration
}

// CheckSchedule decides whether candidate, which has a start date, can be
// queued without colliding with active jobs or other start-dated waiting
// jobs. Candidates without a start date always fit: they simply wait.
func CheckSchedule(candidate Window, hasStartDate bool, active, scheduled []Window, now time.Time) error {
	if !hasStartDate {
		return nil
	}
	if candidate.Timeout <= 0 {
		return ErrStartDateNeedsTimeout
	}

	start := candidate.Start
	if start.Before(now) {
		start = now
	}

	check := func(other Window, otherStart time.Time) error {
		if !candidate.Set.Overlaps(other.Set) {
			return nil
		}
		if windowsOverlap(start, otherStart, candidate.Timeout, other.Timeout) {
			return fmt.Errorf("%w: job %d", ErrScheduleOverlap, other.JobID)
		}
		return nil
	}

	for _, a := range active {
		if err := check(a, a.Start); err != nil {
			return err
		}
	}
	for _, w := range scheduled {
		if w.JobID == candidate.JobID {
			continue
		}
		otherStart := w.Start
		if otherStart.Before(now) {
			otherStart = now
		}
		if err := check(w, otherStart); err != nil {
			return err
		}
	}
	return nil
}

func windowsOverlap(startA, startB time.Time, timeoutA, timeoutB time.Duration) bool {
	endA := startA.Add(timeoutA + GracePeriod)
	endB := startB.Add(timeoutB + GracePeriod)

	switch {
	case timeoutA <= 0 && timeoutB <= 0:
		return true
	case timeoutA <= 0:
		return !startA.After(endB)
	case timeoutB <= 0:
		return !startB.After(endA)
	default:
		return !startA.After(endB) && !endA.Before(startB)
	}
}
