// Package wrapper is the entry point of a job process. It runs a machine's
// Start, converts cancel signals and the job timeout into the cleanup
// handoff, and guarantees that Cleanup runs exactly once per job.
//
// On the normal path Cleanup runs inline right after Start. On every other
// path (cancel, timeout, error, panic) the wrapper writes a cleanup
// envelope and replaces its process image with the same binary in cleanup
// mode, keeping pid and process group, so no state left by an interrupted
// Start can leak into Cleanup.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/rundir"
)

// CleanupCommand is the hidden subcommand that runs cleanup mode.
const CleanupCommand = "_job-cleanup"

// DefaultCleanupTimeout bounds Cleanup when the caller sets none.
const DefaultCleanupTimeout = 60 * time.Second

// StartGrace is how long Start gets to unwind after its context is
// canceled before the handoff proceeds anyway.
var StartGrace = 5 * time.Second

// cancelSignals end a job; SIGALRM is reported as a timeout.
var cancelSignals = []os.Signal{syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT}

// Args is the job description passed to a job process.
type Args struct {
	JobID          int64         `json:"job_id"`
	JobType        string        `json:"job_type"`
	RunID          string        `json:"run_id"`
	Dir            string        `json:"dir"`
	Parameters     string        `json:"parameters"`
	Timeout        time.Duration `json:"timeout"`
	CleanupTimeout time.Duration `json:"cleanup_timeout"`
}

// ExecFunc replaces the current process image. It returns only on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Options configures a Wrapper.
type Options struct {
	Registry *machine.Registry
	Logger   *zap.Logger
	// Out receives job output; defaults to os.Stdout.
	Out io.Writer
	// Exec defaults to unix.Exec.
	Exec ExecFunc
	// Executable is the binary re-executed for cleanup; defaults to
	// os.Executable().
	Executable string
	// Signals replaces OS signal delivery when set.
	Signals <-chan os.Signal
}

// Wrapper drives one machine inside a job process.
type Wrapper struct {
	registry   *machine.Registry
	logger     *zap.Logger
	out        io.Writer
	exec       ExecFunc
	executable string
	signals    <-chan os.Signal
	osSignals  bool
}

func New(opts Options) (*Wrapper, error) {
	if opts.Registry == nil {
		return nil, errors.New("wrapper: registry is required")
	}
	w := &Wrapper{
		registry:   opts.Registry,
		logger:     opts.Logger,
		out:        opts.Out,
		exec:       opts.Exec,
		executable: opts.Executable,
		signals:    opts.Signals,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.out == nil {
		w.out = os.Stdout
	}
	if w.exec == nil {
		w.exec = unix.Exec
	}
	if w.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		w.executable = exe
	}
	if w.signals == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, append(cancelSignals, syscall.SIGALRM)...)
		w.signals = ch
		w.osSignals = true
	}
	return w, nil
}

type outcome struct {
	code int
	err  error
}

// Run executes the job described by args. It returns after the result
// file is written, or never when the process image is replaced.
func (w *Wrapper) Run(ctx context.Context, args Args) error {
	log := w.logger.With(zap.Int64("job_id", args.JobID), zap.String("run_id", args.RunID))
	setProcessName(fmt.Sprintf("job-%d", args.JobID))

	def, err := w.registry.Lookup(args.JobType)
	if err != nil {
		return w.fail(args.Dir, err)
	}
	env := machine.Env{JobID: args.JobID, Dir: args.Dir, Out: w.out, Logger: log}
	m, err := def.New(args.Parameters, env)
	if err != nil {
		return w.fail(args.Dir, fmt.Errorf("build machine: %w", err))
	}

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		code, err := m.Start(startCtx)
		done <- outcome{code: code, err: err}
	}()

	var timeout <-chan time.Time
	if args.Timeout > 0 {
		timer := time.NewTimer(args.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		cause rundir.Cause
		msg   string
	)
	select {
	case res := <-done:
		switch {
		case res.err != nil && ctx.Err() != nil:
			cause, msg = rundir.CauseCanceled, ctx.Err().Error()
		case res.err != nil:
			cause, msg = rundir.CauseException, res.err.Error()
		case res.code < 0:
			cause, msg = rundir.CauseException, fmt.Sprintf("machine returned reserved code %d", res.code)
		default:
			w.ignoreSignals()
			return w.finish(ctx, m, args, res.code, log)
		}
	case sig := <-w.signals:
		if sig == syscall.SIGALRM {
			cause, msg = rundir.CauseTimeout, "received SIGALRM"
		} else {
			cause, msg = rundir.CauseCanceled, fmt.Sprintf("received %s", sig)
		}
	case <-timeout:
		cause, msg = rundir.CauseTimeout, fmt.Sprintf("timeout of %s reached", args.Timeout)
	case <-ctx.Done():
		cause, msg = rundir.CauseCanceled, ctx.Err().Error()
	}

	w.ignoreSignals()
	cancelStart()
	if cause != rundir.CauseException {
		select {
		case <-done:
		case <-time.After(StartGrace):
			log.Warn("start did not return after cancel", zap.Duration("grace", StartGrace))
		}
	}
	return w.handoff(ctx, args, cause, msg, log)
}

// finish runs Cleanup inline after a clean Start.
func (w *Wrapper) finish(ctx context.Context, m machine.Machine, args Args, code int, log *zap.Logger) error {
	log.Info("start finished", zap.Int("code", code))
	cleanupCode, cleanupMsg := runCleanup(ctx, m, cleanupTimeout(args.CleanupTimeout))
	res := rundir.Result{RetCode: code, CleanupCode: rundir.Code(cleanupCode), Message: cleanupMsg}
	if err := rundir.WriteResult(args.Dir, res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	log.Info("job finished", zap.Int("ret_code", code), zap.Int("cleanup_code", cleanupCode))
	return nil
}

// handoff writes the envelope and replaces the process image with cleanup
// mode. If exec fails, cleanup runs in this process instead.
func (w *Wrapper) handoff(ctx context.Context, args Args, cause rundir.Cause, msg string, log *zap.Logger) error {
	w.printf("WRAPPER", "%s: %s, handing off to cleanup", cause, msg)
	env := rundir.Envelope{
		JobID:      args.JobID,
		JobType:    args.JobType,
		RunID:      args.RunID,
		Dir:        args.Dir,
		Parameters: args.Parameters,
		RetCode:    cause.RetCode(),
		Cause:      cause,
		Message:    msg,
	}
	if err := rundir.WriteEnvelope(args.Dir, env); err != nil {
		return w.fail(args.Dir, fmt.Errorf("write cleanup envelope: %w", err))
	}

	// The run id stays on the command line so the scheduler still
	// recognises the process after the image is replaced.
	argv := []string{w.executable, CleanupCommand, "--dir", args.Dir, "--run-id", args.RunID,
		"--cleanup-timeout", cleanupTimeout(args.CleanupTimeout).String()}
	log.Info("cleanup handoff", zap.String("cause", string(cause)), zap.String("message", msg))
	err := w.exec(w.executable, argv, os.Environ())
	if err == nil {
		return nil
	}
	log.Error("exec cleanup failed, cleaning up in process", zap.Error(err))
	return w.RunCleanup(ctx, args.Dir, args.CleanupTimeout)
}

// fail records an exception that happened before any cleanup could run.
func (w *Wrapper) fail(dir string, cause error) error {
	w.printf("WRAPPER", "%v", cause)
	res := rundir.Result{RetCode: rundir.RetException, Message: cause.Error()}
	if err := rundir.WriteResult(dir, res); err != nil {
		return fmt.Errorf("write result: %w (after %v)", err, cause)
	}
	return cause
}

// IgnoreCancelSignals makes this process immune to cancel signals. The
// ignore disposition survives exec, so cleanup mode calls it before
// anything else runs to close the gap the Go runtime leaves for SIGTERM.
func IgnoreCancelSignals() {
	signal.Ignore(cancelSignals...)
}

// IsCleanupInvocation reports whether args select cleanup mode.
func IsCleanupInvocation(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if a == CleanupCommand {
			return true
		}
	}
	return false
}

func (w *Wrapper) ignoreSignals() {
	if w.osSignals {
		IgnoreCancelSignals()
	}
}

func (w *Wrapper) printf(tag, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(w.out, "%s | %s | %s\n", time.Now().UTC().Format(time.RFC3339), tag, strings.TrimRight(line, "\n"))
}

func cleanupTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultCleanupTimeout
	}
	return d
}
