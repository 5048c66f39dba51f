package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, request_id, job_type, state, pid, run_id, resources, submitter,
	description, parameters, priority, time_slot, start_date, timeout, submit_date,
	start_ts, end_ts, result`

// JobFilter narrows ListJobs.
type JobFilter struct {
	States  []State
	JobType string
	Limit   int
}

// SubmitJob creates a WAITING job for a PENDING submit request and retires
// the request in the same transaction. Replaying the request fails with
// ErrDuplicate or ErrStateConflict and leaves the store untouched.
func (s *Store) SubmitJob(ctx context.Context, requestID int64, job *Job) (int64, error) {
	if job == nil {
		return 0, errors.New("job is nil")
	}
	slot, err := ParseTimeSlot(job.TimeSlot)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowxContext(ctx, s.db.Rebind(`SELECT id FROM jobs WHERE request_id = ?`), requestID).Scan(&existing)
	switch {
	case err == nil:
		return 0, fmt.Errorf("request %d already created job %d: %w", requestID, existing, ErrDuplicate)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("check request %d: %w", requestID, err)
	}

	job.RequestID = requestID
	job.State = StateWaiting
	job.JobType = strings.ToLower(strings.TrimSpace(job.JobType))
	job.Resources = job.Resources.Normalize()
	job.TimeSlot = slot
	if job.SubmitDate.IsZero() {
		job.SubmitDate = s.stamp()
	}
	job.PID, job.RunID, job.StartTS, job.EndTS = 0, "", nil, nil

	q := s.db.Rebind(`INSERT INTO jobs
		(request_id, job_type, state, pid, run_id, resources, submitter, description,
		 parameters, priority, time_slot, start_date, timeout, submit_date, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	var id int64
	err = tx.QueryRowxContext(ctx, q,
		job.RequestID, job.JobType, job.State, job.PID, job.RunID, job.Resources, job.Submitter, job.Description,
		job.Parameters, job.Priority, job.TimeSlot, job.StartDate, job.Timeout, job.SubmitDate, job.Result,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	if err := s.retireRequest(ctx, tx, requestID, RequestCompleted, fmt.Sprintf("Job %d created.", id), &id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit submit: %w", err)
	}
	job.ID = id
	return id, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (*Job, error) {
	var job Job
	err := sqlx.GetContext(ctx, q, &job, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if len(f.States) > 0 {
		where = append(where, `state IN (`+placeholders(len(f.States))+`)`)
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if jt := strings.ToLower(strings.TrimSpace(f.JobType)); jt != "" {
		where = append(where, `job_type = ?`)
		args = append(args, jt)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	return s.selectJobs(ctx, q, args...)
}

// ActiveJobs returns jobs that hold their resources (RUNNING or CLEANING).
func (s *Store) ActiveJobs(ctx context.Context) ([]Job, error) {
	return s.selectJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?) ORDER BY id ASC`,
		StateRunning, StateCleaning)
}

// WaitingJobs returns admission candidates: priority descending, then submit
// time and id ascending.
func (s *Store) WaitingJobs(ctx context.Context) ([]Job, error) {
	return s.selectJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ?
		ORDER BY priority DESC, submit_date ASC, id ASC`, StateWaiting)
}

func (s *Store) selectJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	jobs := []Job{}
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning records a dispatch: WAITING -> RUNNING with pid and run id.
func (s *Store) MarkRunning(ctx context.Context, id int64, pid int, runID string) error {
	return s.transition(ctx, id, []State{StateWaiting},
		`state = ?, pid = ?, run_id = ?, start_ts = ?`,
		StateRunning, pid, runID, s.stamp())
}

// MarkCleaning records that a running job was asked to stop.
func (s *Store) MarkCleaning(ctx context.Context, id int64) error {
	return s.transition(ctx, id, []State{StateRunning}, `state = ?`, StateCleaning)
}

// Finish moves an active job to a terminal state.
func (s *Store) Finish(ctx context.Context, id int64, state State, result string) error {
	if !state.Terminal() {
		return fmt.Errorf("finish job %d: %s is not a terminal state", id, state)
	}
	return s.transition(ctx, id, []State{StateRunning, StateCleaning},
		`state = ?, result = ?, end_ts = ?`,
		state, result, s.stamp())
}

// CancelWaiting cancels a job that never started.
func (s *Store) CancelWaiting(ctx context.Context, id int64, result string) error {
	return s.transition(ctx, id, []State{StateWaiting},
		`state = ?, result = ?, end_ts = ?`,
		StateCanceled, result, s.stamp())
}

func (s *Store) transition(ctx context.Context, id int64, from []State, set string, args ...any) error {
	q := `UPDATE jobs SET ` + set + ` WHERE id = ? AND state IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if n == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %d is %s: %w", id, job.State, ErrStateConflict)
	}
	return nil
}

// CountByState returns the number of jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// DeleteFinished removes terminal jobs that ended before cutoff and returns
// their ids. When dryRun is set nothing is deleted.
func (s *Store) DeleteFinished(ctx context.Context, cutoff time.Time, dryRun bool) ([]int64, error) {
	ids := []int64{}
	sel := s.db.Rebind(`SELECT id FROM jobs WHERE state IN (?, ?, ?) AND end_ts IS NOT NULL AND end_ts < ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &ids, sel, StateCompleted, StateFailed, StateCanceled, At(cutoff)); err != nil {
		return nil, fmt.Errorf("select finished jobs: %w", err)
	}
	if dryRun || len(ids) == 0 {
		return ids, nil
	}

	query, args, err := sqlx.In(`DELETE FROM jobs WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("delete finished jobs: %w", err)
	}
	return ids, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
