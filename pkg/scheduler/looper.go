// Package scheduler runs the control loop that turns requests into jobs,
// admits waiting jobs whose resources are free and finalizes jobs whose
// process has ended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// Store is the persistence the Looper needs. *jobstore.Store implements it.
type Store interface {
	PendingRequests(ctx context.Context) ([]jobstore.Request, error)
	CompleteRequest(ctx context.Context, id int64, result string, jobID *int64) error
	FailRequest(ctx context.Context, id int64, result string) error
	SubmitJob(ctx context.Context, requestID int64, job *jobstore.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*jobstore.Job, error)
	ActiveJobs(ctx context.Context) ([]jobstore.Job, error)
	WaitingJobs(ctx context.Context) ([]jobstore.Job, error)
	MarkRunning(ctx context.Context, id int64, pid int, runID string) error
	MarkCleaning(ctx context.Context, id int64) error
	Finish(ctx context.Context, id int64, state jobstore.State, result string) error
	CancelWaiting(ctx context.Context, id int64, result string) error
	CountByState(ctx context.Context) (map[jobstore.State]int, error)
}

// Archiver receives the run directory of every finalized job.
type Archiver interface {
	Archive(ctx context.Context, job *jobstore.Job, dir string) error
}

// Options configures a Looper.
type Options struct {
	Store    Store
	Registry *machine.Registry
	Spawner  Spawner
	Layout   *rundir.Layout

	PollInterval time.Duration
	// StrictOrdering lets a blocked job reserve its resources against
	// lower-ranked candidates in the same admission pass.
	StrictOrdering bool
	// SpawnRate is spawns per second; zero or less means unlimited.
	SpawnRate  float64
	SpawnBurst int
	// DefaultTimeout returns the timeout applied to a submission of the
	// given type that asks for none.
	DefaultTimeout func(jobType string) time.Duration

	Logger   *zap.Logger
	Metrics  *Metrics
	Archiver Archiver
	// Ready is called once after the first cycle.
	Ready func()
	// CurrentSlot names the time slot admission serves at the given
	// time; defaults to jobstore.DefaultTimeSlot.
	CurrentSlot func(now time.Time) string
	// Now defaults to time.Now.
	Now func() time.Time
	// NewRunID defaults to a random UUID.
	NewRunID func() string
}

// Looper is the single-threaded scheduler control loop.
type Looper struct {
	store          Store
	registry       *machine.Registry
	spawner        Spawner
	layout         *rundir.Layout
	poll           time.Duration
	strict         bool
	limiter        *rate.Limiter
	defaultTimeout func(string) time.Duration
	logger         *zap.Logger
	metrics        *Metrics
	archiver       Archiver
	ready          func()
	currentSlot    func(time.Time) string
	now            func() time.Time
	newRunID       func() string
}

func NewLooper(opts Options) (*Looper, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("looper: store is required")
	case opts.Registry == nil:
		return nil, errors.New("looper: registry is required")
	case opts.Spawner == nil:
		return nil, errors.New("looper: spawner is required")
	case opts.Layout == nil:
		return nil, errors.New("looper: layout is required")
	}

	l := &Looper{
		store:          opts.Store,
		registry:       opts.Registry,
		spawner:        opts.Spawner,
		layout:         opts.Layout,
		poll:           opts.PollInterval,
		strict:         opts.StrictOrdering,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		archiver:       opts.Archiver,
		ready:          opts.Ready,
		currentSlot:    opts.CurrentSlot,
		now:            opts.Now,
		newRunID:       opts.NewRunID,
	}
	if l.poll <= 0 {
		l.poll = DefaultPollInterval
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newRunID == nil {
		l.newRunID = newRunID
	}
	if l.currentSlot == nil {
		l.currentSlot = func(time.Time) string { return jobstore.DefaultTimeSlot }
	}
	if l.defaultTimeout == nil {
		l.defaultTimeout = func(string) time.Duration { return 0 }
	}

	limit, burst := rate.Inf, opts.SpawnBurst
	if opts.SpawnRate > 0 && !math.IsInf(opts.SpawnRate, 1) {
		limit = rate.Limit(opts.SpawnRate)
	}
	if burst < 1 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(limit, burst)
	return l, nil
}

// Run cycles until ctx is canceled. Running jobs are left alone on exit;
// they live in their own process groups and are reaped by the next
// scheduler instance.
func (l *Looper) Run(ctx context.Context) error {
	l.logger.Info("scheduler started", zap.Duration("poll_interval", l.poll), zap.Bool("strict_ordering", l.strict))

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	first := true
	for {
		if err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("scheduler cycle failed", zap.Error(err))
		}
		if first {
			first = false
			if l.ready != nil {
				l.ready()
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one cycle: reap, request intake, admission. Failures of
// a single job or request are logged and retried next cycle; the returned
// error only reports phases that could not run at all.
func (l *Looper) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { l.metrics.observeCycle(time.Since(start).Seconds()) }()

	var errs []error
	if err := l.reap(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reap: %w", err))
	}
	if err := l.intake(ctx); err != nil {
		errs = append(errs, fmt.Errorf("intake: %w", err))
	}
	if err := l.admit(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admission: %w", err))
	}

	if l.metrics != nil {
		if counts, err := l.store.CountByState(ctx); err == nil {
			l.metrics.setJobCounts(counts)
		}
	}
	return errors.Join(errs...)
}
