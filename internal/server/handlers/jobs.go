package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goprovision/internal/errors"
	"github.com/3leaps/goprovision/pkg/archive"
	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// Store is the part of the job store the API reads and writes. The API
// never changes job state: it only queues requests for the scheduler.
type Store interface {
	CreateRequest(ctx context.Context, req *jobstore.Request) (int64, error)
	GetRequest(ctx context.Context, id int64) (*jobstore.Request, error)
	ListRequests(ctx context.Context, f jobstore.RequestFilter) ([]jobstore.Request, error)
	GetJob(ctx context.Context, id int64) (*jobstore.Job, error)
	ListJobs(ctx context.Context, f jobstore.JobFilter) ([]jobstore.Job, error)
}

// BundleSource serves archived bundles of jobs whose run directory is gone.
type BundleSource interface {
	Open(ctx context.Context, jobID int64) (io.ReadCloser, error)
}

type JobsOptions struct {
	Store  Store
	Layout *rundir.Layout
	// Bundles is optional.
	Bundles       BundleSource
	BundleInclude []string
	Logger        *zap.Logger
}

// JobsAPI serves /requests and /jobs.
type JobsAPI struct {
	store   Store
	layout  *rundir.Layout
	bundles BundleSource
	include []string
	logger  *zap.Logger
}

func NewJobsAPI(opts JobsOptions) *JobsAPI {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsAPI{
		store:   opts.Store,
		layout:  opts.Layout,
		bundles: opts.Bundles,
		include: opts.BundleInclude,
		logger:  logger,
	}
}

// Routes registers the API on r.
func (a *JobsAPI) Routes(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", a.ListRequests)
		r.Post("/", a.CreateRequest)
		r.Get("/{id}", a.GetRequest)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.ListJobs)
		r.Get("/{id}", a.GetJob)
		r.Get("/{id}/output", a.JobOutput)
		r.Get("/{id}/download", a.DownloadJob)
	})
}

// requestBody is the POST /requests payload.
type requestBody struct {
	Action     string     `json:"action"`
	JobType    string     `json:"job_type,omitempty"`
	JobID      *int64     `json:"job_id,omitempty"`
	Submitter  string     `json:"submitter,omitempty"`
	Parameters string     `json:"parameters,omitempty"`
	Priority   int        `json:"priority,omitempty"`
	TimeSlot   string     `json:"time_slot,omitempty"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	Timeout    int        `json:"timeout,omitempty"`
}

func (a *JobsAPI) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body"))
		return
	}

	req := &jobstore.Request{
		Action:     jobstore.Action(body.Action),
		JobType:    body.JobType,
		JobID:      body.JobID,
		Submitter:  body.Submitter,
		Parameters: body.Parameters,
		Priority:   body.Priority,
		TimeSlot:   body.TimeSlot,
		Timeout:    body.Timeout,
	}
	if body.StartDate != nil {
		req.StartDate = jobstore.AtPtr(*body.StartDate)
	}

	id, err := a.store.CreateRequest(r.Context(), req)
	if err != nil {
		if jobstore.IsInvalid(err) {
			respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeValidation, err.Error()))
			return
		}
		respondWithError(w, r, err)
		return
	}
	a.logger.Info("request queued", zap.Int64("request_id", id), zap.String("action", string(req.Action)),
		zap.String("job_type", req.JobType))

	w.Header().Set("Location", fmt.Sprintf("/requests/%d", id))
	writeJSON(w, http.StatusCreated, req)
}

func (a *JobsAPI) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := a.store.GetRequest(r.Context(), id)
	if err != nil {
		respondWithError(w, r, storeError(err, "request", id))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *JobsAPI) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f := jobstore.RequestFilter{
		State: jobstore.RequestState(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state")))),
		Limit: limit,
	}
	reqs, err := a.store.ListRequests(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (a *JobsAPI) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f := jobstore.JobFilter{JobType: r.URL.Query().Get("type"), Limit: limit}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := jobstore.ParseState(part)
			if err != nil {
				respondWithError(w, r, apperrors.BadRequest(err.Error()))
				return
			}
			f.States = append(f.States, st)
		}
	}
	jobs, err := a.store.ListJobs(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *JobsAPI) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobOutput returns qty lines of the job output after skipping offset
// lines. qty=-1 reads to the end.
func (a *JobsAPI) JobOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	qty, err := queryInt(r, "qty", -1)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	lines, err := rundir.ReadOutput(a.layout.JobDir(job.ID), offset, qty)
	if err != nil && !rundir.IsNoOutput(err) {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = io.WriteString(w, line+"\n")
	}
}

// DownloadJob streams the run directory as tar.gz, or the archived bundle
// once the directory has been collected.
func (a *JobsAPI) DownloadJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	filename := fmt.Sprintf("job-%d.tar.gz", job.ID)

	dir := a.layout.JobDir(job.ID)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		setAttachment(w, filename)
		if _, err := rundir.WriteBundle(dir, w, a.include); err != nil {
			// Headers are gone; the truncated body is all the client gets.
			a.logger.Warn("bundle stream failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if a.bundles == nil {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("no files for job %d", job.ID)))
		return
	}
	rc, err := a.bundles.Open(r.Context(), job.ID)
	if err != nil {
		if archive.IsNotFound(err) {
			respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("no files for job %d", job.ID)))
			return
		}
		respondWithError(w, r, apperrors.Wrap(err, http.StatusBadGateway, apperrors.CodeServiceUnavailable, "archive unavailable"))
		return
	}
	defer func() { _ = rc.Close() }()

	setAttachment(w, filename)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("archive stream failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func setAttachment(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
}

func (a *JobsAPI) loadJob(w http.ResponseWriter, r *http.Request) (*jobstore.Job, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, storeError(err, "job", id))
		return nil, false
	}
	return job, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, apperrors.BadRequest(fmt.Sprintf("invalid id %q", raw)))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.BadRequest(fmt.Sprintf("invalid %s %q", key, raw))
	}
	return v, nil
}

func storeError(err error, kind string, id int64) error {
	if jobstore.IsNotFound(err) {
		return apperrors.NotFound(fmt.Sprintf("%s %d not found", kind, id))
	}
	return err
}
