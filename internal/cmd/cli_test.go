package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goprovision/pkg/jobstore"
)

// executeCLI runs the root command with args and resets sticky flag values.
func executeCLI(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.PersistentFlags().Set("config", ""))
	for _, name := range []string{"params", "parmfile", "start-date"} {
		require.NoError(t, jobSubmitCmd.Flags().Set(name, ""))
	}
	require.NoError(t, jobSubmitCmd.Flags().Set("time-slot", jobstore.DefaultTimeSlot))
	return err
}

// writeCLIConfig points the store and jobs directory into a temp dir.
func writeCLIConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "goprovision.db")
	cfg := fmt.Sprintf("store:\n  driver: sqlite\n  path: %s\nscheduler:\n  jobs_dir: %s\nmetrics:\n  enabled: false\n",
		dbPath, filepath.Join(dir, "jobs"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dbPath
}

func TestJobSubmit_RejectsBeforeQueueing(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		errContain string
	}{
		{
			name:       "unknown job type",
			args:       []string{"job", "submit", "nosuch", "--params", "ECHO hi"},
			errContain: "Unknown job type",
		},
		{
			name:       "bad echo statement",
			args:       []string{"job", "submit", "echo", "--params", "FROB 1"},
			errContain: "Invalid job parameters",
		},
		{
			name:       "conflicting parameter sources",
			args:       []string{"job", "submit", "echo", "--params", "ECHO hi", "--parmfile", "x.txt"},
			errContain: "Conflicting parameters",
		},
		{
			name:       "unknown time slot",
			args:       []string{"job", "submit", "echo", "--params", "ECHO hi", "--time-slot", "bogus"},
			errContain: "Invalid --time-slot",
		},
		{
			name:       "bad start date",
			args:       []string{"job", "submit", "echo", "--params", "ECHO hi", "--start-date", "tomorrow"},
			errContain: "Invalid --start-date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath, dbPath := writeCLIConfig(t)
			err := executeCLI(t, append([]string{"--config", cfgPath}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
			assert.Equal(t, exitInvalidArg, exitCodeOf(err))
			assert.NoFileExists(t, dbPath, "rejected submissions never open the store")
		})
	}
}

func TestJobSubmit_QueuesRequest(t *testing.T) {
	cfgPath, dbPath := writeCLIConfig(t)

	err := executeCLI(t, "--config", cfgPath, "job", "submit", "echo",
		"--params", "USE EXCLUSIVE lpar01\nECHO hello", "--priority", "3", "--submitter", "ops", "--time-slot", "night")
	require.NoError(t, err)

	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	reqs, err := store.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, jobstore.ActionSubmit, reqs[0].Action)
	assert.Equal(t, "echo", reqs[0].JobType)
	assert.Equal(t, "ops", reqs[0].Submitter)
	assert.Equal(t, 3, reqs[0].Priority)
	assert.Equal(t, jobstore.NightTimeSlot, reqs[0].TimeSlot)
}

func TestRequestStatus_NotFound(t *testing.T) {
	cfgPath, _ := writeCLIConfig(t)

	err := executeCLI(t, "--config", cfgPath, "request", "status", "99")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCodeOf(err))
}

func TestJobStatus_InvalidID(t *testing.T) {
	err := executeCLI(t, "job", "status", "abc")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArg, exitCodeOf(err))
}
