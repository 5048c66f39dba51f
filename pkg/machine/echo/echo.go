// Package echo implements a scripted machine used to exercise the
// scheduler: it prints messages, sleeps and returns configurable codes.
//
// Parameters are one statement per line; '#' starts a comment:
//
//	VERBOSITY DEBUG
//	USE SHARED lpar01
//	USE EXCLUSIVE guest01 guest02
//	ECHO Hello world!
//	SLEEP 50
//	RETURN 0
//	CLEANUP
//	ECHO cleanup started
//	SLEEP 2
//	ECHO cleanup done
//
// Statements after CLEANUP run in the cleanup phase. RAISE makes the
// current phase fail with an error.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/resources"
)

const Type machine.JobType = "echo"

const description = "Echo executor"

var levels = []string{"CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG"}

// ErrRaised is returned by a RAISE statement.
var ErrRaised = errors.New("echo: RAISE statement")

type opKind int

const (
	opEcho opKind = iota
	opSleep
	opReturn
	opRaise
)

type op struct {
	kind opKind
	text string
	n    int
}

// Script is a parsed echo program.
type Script struct {
	Resources resources.Set
	Verbosity string
	Commands  []op
	Cleanup   []op
}

// SyntaxError points at the offending line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Line == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s at line %d", e.Msg, e.Line)
}

// Definition registers the echo machine.
func Definition() machine.Definition {
	return machine.Definition{
		Type:        Type,
		Description: description,
		Parse: func(params string) (*machine.Parsed, error) {
			s, err := Parse(params)
			if err != nil {
				return nil, err
			}
			return &machine.Parsed{Resources: s.Resources, Description: description}, nil
		},
		New: New,
	}
}

// Parse compiles echo parameters.
func Parse(content string) (*Script, error) {
	s := &Script{Verbosity: "INFO"}
	cleanup := false
	first := true

	for i, line := range strings.Split(content, "\n") {
		lineNo := i + 1
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		isFirst := first
		first = false

		target := &s.Commands
		if cleanup {
			target = &s.Cleanup
		}

		switch strings.ToLower(fields[0]) {
		case "cleanup":
			cleanup = true

		case "use":
			if cleanup {
				return nil, &SyntaxError{Line: lineNo, Msg: "USE statement in cleanup section"}
			}
			if len(fields) < 3 {
				return nil, &SyntaxError{Line: lineNo, Msg: "wrong number of arguments in USE statement"}
			}
			switch resources.Mode(strings.ToLower(fields[1])) {
			case resources.Exclusive:
				s.Resources.Exclusive = append(s.Resources.Exclusive, fields[2:]...)
			case resources.Shared:
				s.Resources.Shared = append(s.Resources.Shared, fields[2:]...)
			default:
				return nil, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("invalid mode %s in USE statement", strings.ToLower(fields[1]))}
			}

		case "echo":
			if len(fields) < 2 {
				return nil, &SyntaxError{Line: lineNo, Msg: "wrong number of arguments in ECHO statement"}
			}
			*target = append(*target, op{kind: opEcho, text: strings.Join(fields[1:], " ")})

		case "sleep":
			n, err := intArg(fields, lineNo, "SLEEP")
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, &SyntaxError{Line: lineNo, Msg: "SLEEP argument must not be negative"}
			}
			*target = append(*target, op{kind: opSleep, n: n})

		case "return":
			n, err := intArg(fields, lineNo, "RETURN")
			if err != nil {
				return nil, err
			}
			*target = append(*target, op{kind: opReturn, n: n})

		case "raise":
			*target = append(*target, op{kind: opRaise})

		case "verbosity":
			if !isFirst {
				return nil, &SyntaxError{Line: lineNo, Msg: "VERBOSITY statement must come first"}
			}
			if len(fields) != 2 || !validLevel(fields[1]) {
				return nil, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("invalid verbosity, choose from %s", strings.Join(levels, ", "))}
			}
			s.Verbosity = fields[1]

		default:
			return nil, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("invalid command %s", fields[0])}
		}
	}

	s.Resources = s.Resources.Normalize()
	return s, nil
}

func intArg(fields []string, lineNo int, stmt string) (int, error) {
	if len(fields) != 2 {
		return 0, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("wrong number of arguments in %s statement", stmt)}
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("%s argument must be a number", stmt)}
	}
	return n, nil
}

func validLevel(l string) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

// Machine runs a Script.
type Machine struct {
	script *Script
	env    machine.Env
	// sleepUnit scales SLEEP arguments; tests shorten it.
	sleepUnit time.Duration
}

// New builds an echo machine.
func New(params string, env machine.Env) (machine.Machine, error) {
	s, err := Parse(params)
	if err != nil {
		return nil, err
	}
	return &Machine{script: s, env: env, sleepUnit: time.Second}, nil
}

func (m *Machine) Start(ctx context.Context) (int, error) {
	m.env.Stage("execute")
	return m.run(ctx, m.script.Commands)
}

func (m *Machine) Cleanup(ctx context.Context) (int, error) {
	if len(m.script.Cleanup) == 0 {
		return 0, nil
	}
	m.env.Stage("cleanup")
	return m.run(ctx, m.script.Cleanup)
}

func (m *Machine) run(ctx context.Context, ops []op) (int, error) {
	debug := m.script.Verbosity == "DEBUG"
	for _, o := range ops {
		switch o.kind {
		case opEcho:
			m.env.Printf("%s", o.text)
		case opSleep:
			if debug {
				m.env.Printf("DEBUG | sleeping %ds", o.n)
			}
			timer := time.NewTimer(time.Duration(o.n) * m.sleepUnit)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
			}
		case opReturn:
			return o.n, nil
		case opRaise:
			return 0, ErrRaised
		}
	}
	return 0, nil
}
