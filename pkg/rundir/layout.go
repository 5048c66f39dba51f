// Package rundir owns the on-disk run directory of a job.
//
// Directory layout:
//
//	<root>/<job_id>/output        append-only stdout/stderr of the job process
//	<root>/<job_id>/.result       outcome written by the wrapper
//	<root>/<job_id>/cleanup.json  cleanup envelope (present only during handoff)
//
// Everything in this package is part of the contract between the
// scheduler daemon and the job processes it spawns, so the file names and
// JSON field names are stable.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	OutputFile   = "output"
	ResultFile   = ".result"
	EnvelopeFile = "cleanup.json"
)

// Layout resolves run directories under a jobs root.
type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: strings.TrimSpace(root)}
}

func (l *Layout) Root() string {
	return l.root
}

func (l *Layout) JobDir(jobID int64) string {
	return filepath.Join(l.root, strconv.FormatInt(jobID, 10))
}

// Ensure creates the run directory for a job and returns its path.
func (l *Layout) Ensure(jobID int64) (string, error) {
	if strings.TrimSpace(l.root) == "" {
		return "", fmt.Errorf("jobs root dir is empty")
	}
	dir := l.JobDir(jobID)
	// #nosec G301 -- job dirs are read by operators and the API server
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Remove deletes the run directory of a job.
func (l *Layout) Remove(jobID int64) error {
	return os.RemoveAll(l.JobDir(jobID))
}

func OutputPath(dir string) string {
	return filepath.Join(dir, OutputFile)
}

func ResultPath(dir string) string {
	return filepath.Join(dir, ResultFile)
}

func EnvelopePath(dir string) string {
	return filepath.Join(dir, EnvelopeFile)
}

// OpenOutput opens the output file of a run directory for appending.
func OpenOutput(dir string) (*os.File, error) {
	// #nosec G302 -- output is served to operators
	f, err := os.OpenFile(OutputPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return f, nil
}

// writeJSONAtomic replaces dir/name with the JSON encoding of v. Readers see
// either the previous content or the complete new one, never a torn write.
func writeJSONAtomic(dir, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func readJSON(dir, name string, v any) error {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Errorf("%s is empty", name)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
