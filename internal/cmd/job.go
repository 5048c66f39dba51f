package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/observability"
	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/resources"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, inspect and cancel jobs",
	Long: `Manage scheduled jobs.

Submit and cancel only queue a request; the scheduler daemon picks it up
on its next cycle. Use --wait to block until the request is processed.`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <job_type>",
	Short: "Queue a new job",
	Long: `Queue a new job of the given type.

Parameters are read from --parmfile, --params, or stdin when --parmfile is "-".

Examples:
  goprovision job submit echo --parmfile install.echo --priority 5
  goprovision job submit command --parmfile steps.yaml --timeout 3600
  echo 'ECHO hi' | goprovision job submit echo --parmfile -`,
	Args: cobra.ExactArgs(1),
	RunE: runJobSubmit,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the job types this binary can run",
	RunE:  runJobTypes,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobCancelCmd, jobListCmd, jobStatusCmd, jobTypesCmd)

	f := jobSubmitCmd.Flags()
	f.String("parmfile", "", `File with the job parameters ("-" for stdin)`)
	f.String("params", "", "Job parameters inline")
	f.Int("priority", 0, "Priority; higher runs first")
	f.String("time-slot", jobstore.DefaultTimeSlot, "Time slot the job may run in (DEFAULT or NIGHT)")
	f.Int("timeout", 0, "Timeout in seconds (0 = type default or unlimited)")
	f.String("start-date", "", "Earliest start (RFC3339)")
	f.String("submitter", "", "Submitter name (default: current user)")
	f.Bool("wait", false, "Wait until the scheduler processed the request")
	f.Duration("wait-timeout", 5*time.Minute, "Give up waiting after this long")
	f.Bool("json", false, "Output as JSON")

	jobCancelCmd.Flags().String("submitter", "", "Submitter name (default: current user)")
	jobCancelCmd.Flags().Bool("wait", false, "Wait until the scheduler processed the request")
	jobCancelCmd.Flags().Duration("wait-timeout", 5*time.Minute, "Give up waiting after this long")
	jobCancelCmd.Flags().Bool("json", false, "Output as JSON")

	jobListCmd.Flags().StringSlice("state", nil, "Filter by state (repeatable or comma-separated)")
	jobListCmd.Flags().String("type", "", "Filter by job type")
	jobListCmd.Flags().Int("limit", 50, "Maximum number of jobs (0 = all)")
	jobListCmd.Flags().Bool("json", false, "Output as JSON")

	jobStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func readParams(cmd *cobra.Command) (string, error) {
	parmfile, _ := cmd.Flags().GetString("parmfile")
	inline, _ := cmd.Flags().GetString("params")
	switch {
	case parmfile != "" && inline != "":
		return "", exitError(exitInvalidArg, "Conflicting parameters", fmt.Errorf("use either --parmfile or --params"))
	case parmfile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", exitError(exitReadError, "Failed to read stdin", err)
		}
		return string(data), nil
	case parmfile != "":
		data, err := os.ReadFile(parmfile)
		if err != nil {
			return "", exitError(exitReadError, "Failed to read parmfile", err)
		}
		return string(data), nil
	}
	return inline, nil
}

func submitterName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("submitter")
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobType := strings.ToLower(strings.TrimSpace(args[0]))

	params, err := readParams(cmd)
	if err != nil {
		return err
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	def, err := reg.Lookup(jobType)
	if err != nil {
		return exitError(exitInvalidArg, "Unknown job type", err)
	}
	parsed, err := def.Parse(params)
	if err != nil {
		return exitError(exitInvalidArg, "Invalid job parameters", err)
	}
	if err := resources.Validate(parsed.Resources); err != nil {
		return exitError(exitInvalidArg, "Invalid job resources", err)
	}

	req := &jobstore.Request{
		Action:     jobstore.ActionSubmit,
		JobType:    jobType,
		Submitter:  submitterName(cmd),
		Parameters: params,
	}
	req.Priority, _ = cmd.Flags().GetInt("priority")
	slot, _ := cmd.Flags().GetString("time-slot")
	if req.TimeSlot, err = jobstore.ParseTimeSlot(slot); err != nil {
		return exitError(exitInvalidArg, "Invalid --time-slot", err)
	}
	req.Timeout, _ = cmd.Flags().GetInt("timeout")
	if raw, _ := cmd.Flags().GetString("start-date"); strings.TrimSpace(raw) != "" {
		start, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return exitError(exitInvalidArg, "Invalid --start-date", err)
		}
		req.StartDate = jobstore.AtPtr(start)
	}

	return queueRequest(ctx, cmd, req)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID("job", args[0])
	if err != nil {
		return err
	}
	req := &jobstore.Request{
		Action:    jobstore.ActionCancel,
		JobID:     &id,
		Submitter: submitterName(cmd),
	}
	return queueRequest(cmd.Context(), cmd, req)
}

// queueRequest stores req and optionally waits for the scheduler verdict.
func queueRequest(ctx context.Context, cmd *cobra.Command, req *jobstore.Request) error {
	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.store.CreateRequest(ctx, req)
	if err != nil {
		if jobstore.IsInvalid(err) {
			return exitError(exitInvalidArg, "Invalid request", err)
		}
		return exitError(exitUnavailable, "Failed to queue request", err)
	}
	observability.CLILogger.Debug("request queued", zap.Int64("request_id", id), zap.String("action", string(req.Action)))

	wait, _ := cmd.Flags().GetBool("wait")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if !wait {
		if jsonOutput {
			return printJSON(req)
		}
		_, _ = fmt.Fprintf(os.Stdout, "request_id=%d\n", id)
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("wait-timeout")
	done, err := waitRequest(ctx, env.store, id, env.cfg.Scheduler.PollInterval, timeout)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(done)
	}
	printRequest(os.Stdout, done)
	if done.State == jobstore.RequestError {
		return exitError(exitFailure, "Request rejected", fmt.Errorf("%s", done.Result))
	}
	return nil
}

func waitRequest(ctx context.Context, store *jobstore.Store, id int64, poll, timeout time.Duration) (*jobstore.Request, error) {
	if poll <= 0 || poll > time.Second {
		poll = time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		req, err := store.GetRequest(ctx, id)
		if err != nil {
			return nil, exitError(exitUnavailable, "Failed to read request", err)
		}
		if req.State != jobstore.RequestPending {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, exitError(exitInterrupted, fmt.Sprintf("Request %d still pending", id), ctx.Err())
		case <-ticker.C:
		}
	}
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	f := jobstore.JobFilter{}
	f.JobType, _ = cmd.Flags().GetString("type")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	states, _ := cmd.Flags().GetStringSlice("state")
	for _, raw := range states {
		st, err := jobstore.ParseState(raw)
		if err != nil {
			return exitError(exitInvalidArg, "Invalid --state", err)
		}
		f.States = append(f.States, st)
	}

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	jobs, err := env.store.ListJobs(ctx, f)
	if err != nil {
		return exitError(exitUnavailable, "Failed to list jobs", err)
	}
	if jsonOutput {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATE\tPRIO\tSUBMITTER\tSUBMITTED\tSTARTED\tENDED\tDESCRIPTION")
	for _, j := range jobs {
		submitted := j.SubmitDate
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.JobType,
			j.State,
			j.Priority,
			orDash(j.Submitter),
			formatOptionalTime(&submitted),
			formatOptionalTime(j.StartTS),
			formatOptionalTime(j.EndTS),
			orDash(j.Description),
		)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID("job", args[0])
	if err != nil {
		return err
	}

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := lookupJob(ctx, env.store, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(job)
	}
	printJob(os.Stdout, job, env.layout.JobDir(job.ID))
	return nil
}

func printJob(w io.Writer, job *jobstore.Job, dir string) {
	_, _ = fmt.Fprintf(w, "job_id=%d\n", job.ID)
	_, _ = fmt.Fprintf(w, "job_type=%s\n", job.JobType)
	_, _ = fmt.Fprintf(w, "state=%s\n", job.State)
	if job.Description != "" {
		_, _ = fmt.Fprintf(w, "description=%s\n", job.Description)
	}
	_, _ = fmt.Fprintf(w, "submitter=%s\n", job.Submitter)
	_, _ = fmt.Fprintf(w, "priority=%d\n", job.Priority)
	_, _ = fmt.Fprintf(w, "time_slot=%s\n", job.TimeSlot)
	if !job.Resources.IsEmpty() {
		_, _ = fmt.Fprintf(w, "resources=%s\n", job.Resources)
	}
	if job.Timeout > 0 {
		_, _ = fmt.Fprintf(w, "timeout=%s\n", job.TimeoutDuration())
	}
	if job.StartDate != nil {
		_, _ = fmt.Fprintf(w, "start_date=%s\n", formatOptionalTime(job.StartDate))
	}
	submitted := job.SubmitDate
	_, _ = fmt.Fprintf(w, "submit_date=%s\n", formatOptionalTime(&submitted))
	if job.StartTS != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", formatOptionalTime(job.StartTS))
	}
	if job.EndTS != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", formatOptionalTime(job.EndTS))
	}
	if job.PID > 0 && job.State.Active() {
		_, _ = fmt.Fprintf(w, "pid=%d\n", job.PID)
	}
	if job.RunID != "" {
		_, _ = fmt.Fprintf(w, "run_id=%s\n", job.RunID)
	}
	_, _ = fmt.Fprintf(w, "run_dir=%s\n", dir)
	if job.Result != "" {
		_, _ = fmt.Fprintf(w, "result=%s\n", job.Result)
	}
}

func runJobTypes(cmd *cobra.Command, _ []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "TYPE\tDESCRIPTION")
	for _, t := range reg.Types() {
		def, err := reg.Lookup(string(t))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", t, def.Description)
	}
	return nil
}
