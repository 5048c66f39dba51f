package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
	"github.com/3leaps/goprovision/pkg/wrapper"
)

// ExecCommand is the hidden subcommand that runs a job in a child process.
const ExecCommand = "_job-exec"

// ProcessSpawnerOptions configures a ProcessSpawner.
type ProcessSpawnerOptions struct {
	Layout *rundir.Layout
	// Executable defaults to os.Executable().
	Executable string
	// GlobalArgs are placed before the subcommand, e.g. --config.
	GlobalArgs     []string
	CleanupTimeout time.Duration
	Logger         *zap.Logger
	// ProcRoot defaults to /proc.
	ProcRoot string
}

// ProcessSpawner runs each job as a re-executed copy of the current
// binary, detached in its own process group.
type ProcessSpawner struct {
	layout         *rundir.Layout
	executable     string
	globalArgs     []string
	cleanupTimeout time.Duration
	logger         *zap.Logger
	procRoot       string
}

func NewProcessSpawner(opts ProcessSpawnerOptions) (*ProcessSpawner, error) {
	if opts.Layout == nil {
		return nil, errors.New("process spawner: layout is required")
	}
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	procRoot := opts.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &ProcessSpawner{
		layout:         opts.Layout,
		executable:     exe,
		globalArgs:     opts.GlobalArgs,
		cleanupTimeout: opts.CleanupTimeout,
		logger:         logger,
		procRoot:       procRoot,
	}, nil
}

// Spawn prepares the run directory and starts the job process. Job
// arguments travel as JSON on stdin; stdout and stderr append to the job
// output file.
func (s *ProcessSpawner) Spawn(ctx context.Context, job *jobstore.Job, runID string) (int, error) {
	dir, err := s.layout.Ensure(job.ID)
	if err != nil {
		return 0, err
	}
	if err := rundir.ClearResult(dir); err != nil {
		return 0, fmt.Errorf("clear stale result: %w", err)
	}
	if err := rundir.RemoveEnvelope(dir); err != nil {
		return 0, fmt.Errorf("clear stale envelope: %w", err)
	}

	payload, err := json.Marshal(wrapper.Args{
		JobID:          job.ID,
		JobType:        job.JobType,
		RunID:          runID,
		Dir:            dir,
		Parameters:     job.Parameters,
		Timeout:        job.TimeoutDuration(),
		CleanupTimeout: s.cleanupTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("encode job args: %w", err)
	}

	out, err := rundir.OpenOutput(dir)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	args := append([]string{}, s.globalArgs...)
	args = append(args, ExecCommand, "--job-id", strconv.FormatInt(job.ID, 10), "--run-id", runID)

	// Not CommandContext: the job must outlive the scheduler.
	cmd := exec.Command(s.executable, args...) // #nosec G204 -- re-executes our own binary
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start job process: %w", err)
	}
	pid := cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		s.logger.Debug("job process exited", zap.Int64("job_id", job.ID), zap.Int("pid", pid), zap.Error(err))
	}()

	s.logger.Info("job process started", zap.Int64("job_id", job.ID), zap.Int("pid", pid), zap.String("run_id", runID))
	return pid, nil
}

func (s *ProcessSpawner) Terminate(job *jobstore.Job, force bool) error {
	if job.PID <= 0 {
		return fmt.Errorf("job %d has no process", job.ID)
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	// The job leads its own group, so -pid reaches every child too.
	err := unix.Kill(-job.PID, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal job %d group %d: %w", job.ID, job.PID, err)
	}
	s.logger.Info("job signaled", zap.Int64("job_id", job.ID), zap.Int("pid", job.PID), zap.String("signal", sig.String()))
	return nil
}

// Validate reads the process command line and requires the run id on it,
// so a recycled pid is reported dead. The cleanup subcommand on the same
// command line reports ProcCleaning. Without a readable proc filesystem
// it falls back to signal 0.
func (s *ProcessSpawner) Validate(job *jobstore.Job) ProcessState {
	if job.PID <= 0 {
		return ProcDead
	}

	cmdline, err := os.ReadFile(filepath.Join(s.procRoot, strconv.Itoa(job.PID), "cmdline"))
	switch {
	case err == nil:
		if job.RunID == "" || !bytes.Contains(cmdline, []byte(job.RunID)) {
			return ProcDead
		}
		for _, arg := range bytes.Split(cmdline, []byte{0}) {
			if string(arg) == wrapper.CleanupCommand {
				return ProcCleaning
			}
		}
		return ProcRunning
	case os.IsNotExist(err):
		if _, statErr := os.Stat(filepath.Join(s.procRoot, "self")); statErr == nil {
			return ProcDead
		}
	}

	switch err := unix.Kill(job.PID, 0); {
	case err == nil:
		return ProcRunning
	case errors.Is(err, unix.ESRCH):
		return ProcDead
	default:
		s.logger.Warn("cannot inspect job process", zap.Int64("job_id", job.ID), zap.Int("pid", job.PID), zap.Error(err))
		return ProcUnknown
	}
}
