package cmd

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
	"github.com/3leaps/goprovision/pkg/scheduler"
)

// runAsCLIEnv makes the test binary behave as the goprovision binary, so
// the scheduler can spawn it as a job process and the wrapper can
// re-execute it in cleanup mode.
const runAsCLIEnv = "GOPROVISION_TEST_RUN_CLI"

func TestMain(m *testing.M) {
	if os.Getenv(runAsCLIEnv) == "1" {
		os.Exit(Execute())
	}
	os.Exit(m.Run())
}

const jobWait = 20 * time.Second

// jobHarness runs the real Looper and ProcessSpawner against a sqlite
// store in a temp dir. Job processes are copies of the test binary.
type jobHarness struct {
	t       *testing.T
	ctx     context.Context
	store   *jobstore.Store
	layout  *rundir.Layout
	spawner *scheduler.ProcessSpawner
	looper  *scheduler.Looper
}

func newJobHarness(t *testing.T) *jobHarness {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("job processes are validated through /proc")
	}
	if testing.Short() {
		t.Skip("spawns job processes")
	}
	t.Setenv(runAsCLIEnv, "1")

	ctx := context.Background()
	root := t.TempDir()
	store, err := jobstore.Open(ctx, jobstore.Config{Path: filepath.Join(root, "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	layout := rundir.NewLayout(filepath.Join(root, "jobs"))
	require.NoError(t, os.MkdirAll(layout.Root(), 0o755))

	reg, err := newRegistry()
	require.NoError(t, err)
	spawner, err := scheduler.NewProcessSpawner(scheduler.ProcessSpawnerOptions{
		Layout:         layout,
		CleanupTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	looper, err := scheduler.NewLooper(scheduler.Options{
		Store:    store,
		Registry: reg,
		Spawner:  spawner,
		Layout:   layout,
	})
	require.NoError(t, err)

	h := &jobHarness{t: t, ctx: ctx, store: store, layout: layout, spawner: spawner, looper: looper}
	t.Cleanup(func() {
		active, err := store.ActiveJobs(ctx)
		if err != nil {
			return
		}
		for i := range active {
			_ = spawner.Terminate(&active[i], true)
		}
	})
	return h
}

func (h *jobHarness) cycle() {
	h.t.Helper()
	require.NoError(h.t, h.looper.RunOnce(h.ctx))
}

func (h *jobHarness) job(id int64) *jobstore.Job {
	h.t.Helper()
	job, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return job
}

// submit queues an echo job and runs one cycle, which creates and starts it.
func (h *jobHarness) submit(params string, timeout int) *jobstore.Job {
	h.t.Helper()
	reqID, err := h.store.CreateRequest(h.ctx, &jobstore.Request{
		Action: jobstore.ActionSubmit, JobType: "echo", Parameters: params, Timeout: timeout, Submitter: "tester",
	})
	require.NoError(h.t, err)
	h.cycle()

	req, err := h.store.GetRequest(h.ctx, reqID)
	require.NoError(h.t, err)
	require.Equal(h.t, jobstore.RequestCompleted, req.State, req.Result)
	require.NotNil(h.t, req.JobID)
	job := h.job(*req.JobID)
	require.Equal(h.t, jobstore.StateRunning, job.State)
	require.Positive(h.t, job.PID)
	return job
}

func (h *jobHarness) cancel(jobID int64) int64 {
	h.t.Helper()
	id, err := h.store.CreateRequest(h.ctx, &jobstore.Request{Action: jobstore.ActionCancel, JobID: &jobID, Submitter: "tester"})
	require.NoError(h.t, err)
	return id
}

func (h *jobHarness) output(jobID int64) string {
	lines, err := rundir.ReadOutput(h.layout.JobDir(jobID), 0, -1)
	if err != nil {
		return ""
	}
	return strings.Join(lines, "\n")
}

func (h *jobHarness) waitOutput(jobID int64, text string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return strings.Contains(h.output(jobID), text)
	}, jobWait, 20*time.Millisecond, "job %d output never showed %q", jobID, text)
}

// waitFinished cycles the scheduler until the job reaches a final state.
func (h *jobHarness) waitFinished(jobID int64) *jobstore.Job {
	h.t.Helper()
	var job *jobstore.Job
	require.Eventually(h.t, func() bool {
		h.cycle()
		job = h.job(jobID)
		return job.State.Terminal()
	}, jobWait, 50*time.Millisecond, "job %d never finished; output:\n%s", jobID, h.output(jobID))
	return job
}

func TestJobProcess_Success(t *testing.T) {
	h := newJobHarness(t)
	job := h.submit("ECHO hello\nCLEANUP\nECHO cleanup ran", 0)

	job = h.waitFinished(job.ID)
	assert.Equal(t, jobstore.StateCompleted, job.State)
	assert.Equal(t, "Job finished successfully.", job.Result)

	out := h.output(job.ID)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "cleanup ran")
	assert.NoFileExists(t, rundir.EnvelopePath(h.layout.JobDir(job.ID)))
}

func TestJobProcess_CancelRunning(t *testing.T) {
	h := newJobHarness(t)
	job := h.submit("SLEEP 60\nCLEANUP\nECHO cleanup ran", 0)
	h.waitOutput(job.ID, "STAGE | execute")

	h.cancel(job.ID)
	h.cycle()
	assert.Equal(t, jobstore.StateCleaning, h.job(job.ID).State)

	job = h.waitFinished(job.ID)
	assert.Equal(t, jobstore.StateCanceled, job.State)
	assert.Equal(t, "Job canceled. Cleanup completed.", job.Result)
	out := h.output(job.ID)
	assert.Contains(t, out, "STAGE | cleanup")
	assert.Contains(t, out, "cleanup ran")
}

func TestJobProcess_Timeout(t *testing.T) {
	h := newJobHarness(t)
	job := h.submit("SLEEP 60\nCLEANUP\nECHO cleanup ran", 1)

	job = h.waitFinished(job.ID)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Equal(t, "Job timed out. Cleanup completed.", job.Result)
	out := h.output(job.ID)
	assert.Contains(t, out, "handing off to cleanup")
	assert.Contains(t, out, "cleanup ran")
}

func TestJobProcess_KilledIsReaped(t *testing.T) {
	h := newJobHarness(t)
	job := h.submit("SLEEP 60\nCLEANUP\nECHO cleanup ran", 0)
	h.waitOutput(job.ID, "STAGE | execute")

	require.NoError(t, unix.Kill(-job.PID, unix.SIGKILL))

	job = h.waitFinished(job.ID)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Equal(t, scheduler.MsgProcessDisappeared, job.Result)
	assert.NotContains(t, h.output(job.ID), "cleanup ran")
}

func TestJobProcess_CancelDuringCleanupHandoff(t *testing.T) {
	h := newJobHarness(t)
	job := h.submit("SLEEP 60\nCLEANUP\nSLEEP 2\nECHO cleanup ran", 1)

	require.Eventually(t, func() bool {
		return h.spawner.Validate(job) == scheduler.ProcCleaning
	}, jobWait, 5*time.Millisecond, "job never re-executed in cleanup mode")

	cancelID := h.cancel(job.ID)
	h.cycle()
	req, err := h.store.GetRequest(h.ctx, cancelID)
	require.NoError(t, err)
	assert.Equal(t, "Job cancel signaled, cleanup started.", req.Result)
	assert.Equal(t, jobstore.StateCleaning, h.job(job.ID).State)

	// A stray SIGTERM to the group is ignored by cleanup mode.
	h.waitOutput(job.ID, "STAGE | cleanup")
	require.NoError(t, unix.Kill(-job.PID, unix.SIGTERM))

	job = h.waitFinished(job.ID)
	assert.Equal(t, jobstore.StateFailed, job.State)
	assert.Equal(t, "Job timed out. Cleanup completed.", job.Result)
	assert.Contains(t, h.output(job.ID), "cleanup ran")
}
