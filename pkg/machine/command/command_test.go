package command

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goprovision/pkg/machine"
)

func TestParse(t *testing.T) {
	p, err := Parse(`
resources:
  exclusive: [lpar01, lpar01]
  shared: [hmc01]
env:
  TARGET: lpar01
command: echo "hello world"
cleanup:
  - echo one
  - echo 'two three'
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"lpar01"}, p.Resources.Exclusive)
	assert.Equal(t, []string{"hmc01"}, p.Resources.Shared)
	assert.Equal(t, [][]string{{"echo", "hello world"}}, p.argv)
	assert.Equal(t, [][]string{{"echo", "one"}, {"echo", "two three"}}, p.cleanup)
	assert.Equal(t, "echo hello world", p.Description)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{name: "not yaml", params: "command: [unterminated"},
		{name: "missing command", params: "description: nothing"},
		{name: "unknown field", params: "command: true\nshell: bash"},
		{name: "empty command", params: "command: ['']"},
		{name: "bad quoting", params: `command: "echo 'open"`},
		{name: "absolute workdir", params: "command: true\nworkdir: /etc"},
		{name: "escaping workdir", params: "command: true\nworkdir: ../up"},
		{name: "mapping command", params: "command: {a: b}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.params)
			require.Error(t, err)
		})
	}
}

func TestDefinition_Parse(t *testing.T) {
	parsed, err := Definition().Parse("description: deploy\nresources:\n  exclusive: [sysA]\ncommand: 'true'")
	require.NoError(t, err)
	assert.Equal(t, "deploy", parsed.Description)
	assert.Equal(t, []string{"sysA"}, parsed.Resources.Exclusive)
}

func newMachine(t *testing.T, params string) (*Machine, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	var out bytes.Buffer
	m, err := New(params, machine.Env{JobID: 9, Dir: dir, Out: &out})
	require.NoError(t, err)
	return m.(*Machine), &out, dir
}

func TestMachine_StartRunsInWorkdir(t *testing.T) {
	m, out, dir := newMachine(t, `
workdir: work
env:
  GREETING: hi
command:
  - sh -c 'echo $GREETING $GOPROVISION_JOB_ID > greeting.txt'
  - echo done
`)

	code, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(dir, "work", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi 9\n", string(data))
	assert.Contains(t, out.String(), "| STAGE | run")
	assert.Contains(t, out.String(), "done\n")
}

func TestMachine_StopsAtFirstFailure(t *testing.T) {
	m, out, _ := newMachine(t, `
command:
  - sh -c 'exit 3'
  - echo unreachable
`)

	code, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.NotContains(t, out.String(), "unreachable\n")
}

func TestMachine_MissingBinary(t *testing.T) {
	m, _, _ := newMachine(t, "command: /nonexistent/goprovision-test-binary")

	_, err := m.Start(context.Background())
	require.Error(t, err)
}

func TestMachine_CleanupOnly(t *testing.T) {
	m, out, dir := newMachine(t, `
command: sh -c 'touch started'
cleanup: sh -c 'touch cleaned'
`)

	code, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.FileExists(t, filepath.Join(dir, "cleaned"))
	assert.NoFileExists(t, filepath.Join(dir, "started"))
	assert.Contains(t, out.String(), "| STAGE | cleanup")
}

func TestMachine_NoCleanupIsSuccess(t *testing.T) {
	m, _, _ := newMachine(t, "command: 'true'")

	code, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestMachine_CancelStopsChild(t *testing.T) {
	m, _, _ := newMachine(t, "command: sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}
