package wrapper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// RunCleanup is cleanup mode: it consumes the envelope in dir, rebuilds the
// machine and runs only its Cleanup. It never hands off again.
func (w *Wrapper) RunCleanup(ctx context.Context, dir string, timeout time.Duration) error {
	w.ignoreSignals()

	env, err := rundir.ReadEnvelope(dir)
	if err != nil {
		res := rundir.Result{
			RetCode:     rundir.RetException,
			CleanupCode: rundir.Code(rundir.RetException),
			Message:     fmt.Sprintf("cleanup envelope unreadable: %v", err),
		}
		if werr := rundir.WriteResult(dir, res); werr != nil {
			return fmt.Errorf("write result: %w", werr)
		}
		return fmt.Errorf("read cleanup envelope: %w", err)
	}
	log := w.logger.With(zap.Int64("job_id", env.JobID), zap.String("run_id", env.RunID))
	setProcessName(fmt.Sprintf("job-%d-cln", env.JobID))

	code, msg := w.cleanupFromEnvelope(ctx, env, cleanupTimeout(timeout))
	res := rundir.Result{RetCode: env.RetCode, CleanupCode: rundir.Code(code), Message: joinMessages(env.Message, msg)}
	if err := rundir.WriteResult(dir, res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := rundir.RemoveEnvelope(dir); err != nil {
		log.Warn("remove cleanup envelope", zap.Error(err))
	}
	log.Info("cleanup finished", zap.String("cause", string(env.Cause)), zap.Int("cleanup_code", code))
	return nil
}

func (w *Wrapper) cleanupFromEnvelope(ctx context.Context, env *rundir.Envelope, timeout time.Duration) (int, string) {
	def, err := w.registry.Lookup(env.JobType)
	if err != nil {
		return rundir.RetException, err.Error()
	}
	m, err := def.New(env.Parameters, machine.Env{
		JobID:   env.JobID,
		Dir:     env.Dir,
		Out:     w.out,
		Logger:  w.logger.With(zap.Int64("job_id", env.JobID)),
		Cleanup: true,
	})
	if err != nil {
		return rundir.RetException, fmt.Sprintf("build machine: %v", err)
	}
	return runCleanup(ctx, m, timeout)
}

// runCleanup calls Cleanup under a deadline. A deadline hit reports
// RetTimeout and a panic or error reports RetException.
func runCleanup(ctx context.Context, m machine.Machine, timeout time.Duration) (int, string) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{code: rundir.RetException, err: fmt.Errorf("cleanup panic: %v", r)}
			}
		}()
		code, err := m.Cleanup(cctx)
		done <- outcome{code: code, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			return rundir.RetTimeout, fmt.Sprintf("cleanup timed out after %s", timeout)
		case res.err != nil:
			return rundir.RetException, res.err.Error()
		default:
			return res.code, ""
		}
	case <-cctx.Done():
		return rundir.RetTimeout, fmt.Sprintf("cleanup timed out after %s", timeout)
	}
}

func joinMessages(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
