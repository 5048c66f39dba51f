// Package machine defines the contract every job type implements and the
// registry that maps a job type to its implementation.
//
// A machine is driven by the wrapper through exactly two entry points.
// Start runs the automation to completion and returns a result code.
// Cleanup releases whatever the job acquired; it must be safe to call on a
// freshly constructed instance on which Start never ran, because after a
// cancel, timeout or crash the wrapper rebuilds the machine in a new
// process image and calls only Cleanup.
package machine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goprovision/pkg/resources"
)

// JobType names a machine implementation.
type JobType string

// Normalize returns the canonical (lowercase, trimmed) form.
func (t JobType) Normalize() JobType {
	return JobType(strings.ToLower(strings.TrimSpace(string(t))))
}

// Machine is a unit of automation run by one job process.
type Machine interface {
	// Start drives the machine through its stages. A zero code is success,
	// a positive code is a machine-defined failure. Start must return
	// promptly once ctx is done.
	Start(ctx context.Context) (int, error)

	// Cleanup undoes the side effects of Start. It runs exactly once per
	// job and may be the only method called on the instance.
	Cleanup(ctx context.Context) (int, error)
}

// Parsed is what the scheduler needs to know about a job's parameters.
type Parsed struct {
	Resources   resources.Set
	Description string
}

// Definition binds a job type to its parser and constructor.
type Definition struct {
	Type        JobType
	Description string
	// Parse validates parameters at submit time and extracts resources.
	Parse func(params string) (*Parsed, error)
	// New builds a machine inside the job process.
	New func(params string, env Env) (Machine, error)
}

// Env is what a machine may use from the job process.
type Env struct {
	JobID int64
	// Dir is the job run directory, also the working directory.
	Dir string
	// Out is the job output stream.
	Out io.Writer
	// Logger already carries the job id.
	Logger *zap.Logger
	// Cleanup is set when the machine was rebuilt only to run Cleanup.
	Cleanup bool
}

// Stage reports a machine sub-state in the job output.
func (e Env) Stage(name string) {
	if e.Out != nil {
		_, _ = fmt.Fprintf(e.Out, "%s | STAGE | %s\n", time.Now().UTC().Format(time.RFC3339), name)
	}
	if e.Logger != nil {
		e.Logger.Debug("machine stage", zap.String("stage", name))
	}
}

// Printf writes a line to the job output.
func (e Env) Printf(format string, args ...any) {
	if e.Out == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, _ = io.WriteString(e.Out, line)
}

// Log returns the env logger, never nil.
func (e Env) Log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
