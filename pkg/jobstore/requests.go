package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const requestColumns = `id, action, job_type, job_id, submitter, parameters, priority,
	time_slot, start_date, timeout, submit_date, state, result`

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	State RequestState
	Limit int
}

// CreateRequest records a new PENDING request and returns its id.
func (s *Store) CreateRequest(ctx context.Context, req *Request) (int64, error) {
	if req == nil {
		return 0, fmt.Errorf("%w: request is nil", ErrInvalid)
	}
	req.Action = Action(strings.ToUpper(strings.TrimSpace(string(req.Action))))
	switch req.Action {
	case ActionSubmit:
		if strings.TrimSpace(req.JobType) == "" {
			return 0, fmt.Errorf("%w: submit request needs a job type", ErrInvalid)
		}
	case ActionCancel:
		if req.JobID == nil {
			return 0, fmt.Errorf("%w: cancel request needs a target job id", ErrInvalid)
		}
	default:
		return 0, fmt.Errorf("%w: unknown request action %q", ErrInvalid, req.Action)
	}
	if req.Timeout < 0 {
		return 0, fmt.Errorf("%w: timeout must be >= 0", ErrInvalid)
	}
	if req.Action == ActionSubmit {
		slot, err := ParseTimeSlot(req.TimeSlot)
		if err != nil {
			return 0, err
		}
		req.TimeSlot = slot
	} else if strings.TrimSpace(req.TimeSlot) == "" {
		req.TimeSlot = DefaultTimeSlot
	}
	req.JobType = strings.ToLower(strings.TrimSpace(req.JobType))
	req.State = RequestPending
	req.Result = ""
	req.SubmitDate = s.stamp()

	q := s.db.Rebind(`INSERT INTO job_requests
		(action, job_type, job_id, submitter, parameters, priority, time_slot,
		 start_date, timeout, submit_date, state, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := s.db.QueryRowxContext(ctx, q,
		req.Action, req.JobType, req.JobID, req.Submitter, req.Parameters, req.Priority, req.TimeSlot,
		req.StartDate, req.Timeout, req.SubmitDate, req.State, req.Result,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	req.ID = id
	return id, nil
}

// GetRequest loads one request.
func (s *Store) GetRequest(ctx context.Context, id int64) (*Request, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *Store) getRequest(ctx context.Context, q sqlx.QueryerContext, id int64) (*Request, error) {
	var req Request
	err := sqlx.GetContext(ctx, q, &req, s.db.Rebind(`SELECT `+requestColumns+` FROM job_requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %d: %w", id, err)
	}
	return &req, nil
}

// PendingRequests returns unprocessed requests in submit order.
func (s *Store) PendingRequests(ctx context.Context) ([]Request, error) {
	return s.ListRequests(ctx, RequestFilter{State: RequestPending})
}

// ListRequests returns requests in submit order.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	q := `SELECT ` + requestColumns + ` FROM job_requests`
	var args []any
	if f.State != "" {
		q += ` WHERE state = ?`
		args = append(args, f.State)
	}
	q += ` ORDER BY submit_date ASC, id ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	reqs := []Request{}
	if err := s.db.SelectContext(ctx, &reqs, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

// CompleteRequest retires a PENDING request. jobID, when set, records the
// job the request acted on.
func (s *Store) CompleteRequest(ctx context.Context, id int64, result string, jobID *int64) error {
	return s.retireRequest(ctx, s.db, id, RequestCompleted, result, jobID)
}

// FailRequest retires a PENDING request as ERROR.
func (s *Store) FailRequest(ctx context.Context, id int64, result string) error {
	return s.retireRequest(ctx, s.db, id, RequestError, result, nil)
}

func (s *Store) retireRequest(ctx context.Context, ext sqlx.ExtContext, id int64, state RequestState, result string, jobID *int64) error {
	q := `UPDATE job_requests SET state = ?, result = ?`
	args := []any{state, result}
	if jobID != nil {
		q += `, job_id = ?`
		args = append(args, *jobID)
	}
	q += ` WHERE id = ? AND state = ?`
	args = append(args, id, RequestPending)

	res, err := ext.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update request %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request %d: %w", id, err)
	}
	if n == 0 {
		if _, err := s.getRequest(ctx, ext, id); err != nil {
			return err
		}
		return fmt.Errorf("request %d is no longer pending: %w", id, ErrStateConflict)
	}
	return nil
}
