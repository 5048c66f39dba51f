package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/goprovision/pkg/jobstore"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Inspect submit and cancel requests",
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests in submit order",
	RunE:  runRequestList,
}

var requestStatusCmd = &cobra.Command{
	Use:   "status <request_id>",
	Short: "Show status for a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestStatus,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.AddCommand(requestListCmd, requestStatusCmd)

	requestListCmd.Flags().String("state", "", "Filter by state: pending, completed or error")
	requestListCmd.Flags().Int("limit", 0, "Maximum number of requests (0 = all)")
	requestListCmd.Flags().Bool("json", false, "Output as JSON")
	requestStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseRequestState(raw string) (jobstore.RequestState, error) {
	st := jobstore.RequestState(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case "", jobstore.RequestPending, jobstore.RequestCompleted, jobstore.RequestError:
		return st, nil
	}
	return "", fmt.Errorf("unknown request state %q", raw)
}

func runRequestList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rawState, _ := cmd.Flags().GetString("state")
	state, err := parseRequestState(rawState)
	if err != nil {
		return exitError(exitInvalidArg, "Invalid --state", err)
	}
	limit, _ := cmd.Flags().GetInt("limit")

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	reqs, err := env.store.ListRequests(ctx, jobstore.RequestFilter{State: state, Limit: limit})
	if err != nil {
		return exitError(exitUnavailable, "Failed to list requests", err)
	}
	if jsonOutput {
		return printJSON(reqs)
	}
	if len(reqs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No requests found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "REQUEST ID\tACTION\tTYPE\tJOB\tSTATE\tSUBMITTER\tSUBMITTED\tRESULT")
	for _, r := range reqs {
		job := "-"
		if r.JobID != nil {
			job = fmt.Sprintf("%d", *r.JobID)
		}
		submitted := r.SubmitDate
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Action, orDash(r.JobType), job, r.State, orDash(r.Submitter),
			formatOptionalTime(&submitted), orDash(r.Result))
	}
	return nil
}

func runRequestStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id, err := parseID("request", args[0])
	if err != nil {
		return err
	}

	env, err := openCLIEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	req, err := env.store.GetRequest(ctx, id)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return exitError(exitNotFound, fmt.Sprintf("Request %d not found", id), err)
		}
		return exitError(exitUnavailable, "Failed to read request", err)
	}
	if jsonOutput {
		return printJSON(req)
	}
	printRequest(os.Stdout, req)
	return nil
}

func printRequest(w io.Writer, req *jobstore.Request) {
	_, _ = fmt.Fprintf(w, "request_id=%d\n", req.ID)
	_, _ = fmt.Fprintf(w, "action=%s\n", req.Action)
	if req.JobType != "" {
		_, _ = fmt.Fprintf(w, "job_type=%s\n", req.JobType)
	}
	if req.JobID != nil {
		_, _ = fmt.Fprintf(w, "job_id=%d\n", *req.JobID)
	}
	_, _ = fmt.Fprintf(w, "state=%s\n", req.State)
	if req.Result != "" {
		_, _ = fmt.Fprintf(w, "result=%s\n", req.Result)
	}
}
