// Package command implements a machine that runs external programs
// described by a YAML parmfile:
//
//	description: site playbook
//	resources:
//	  exclusive: [lpar01]
//	  shared: [hmc01]
//	workdir: playbook
//	env:
//	  TARGET: lpar01
//	command:
//	  - ansible-playbook -i inventory site.yml
//	cleanup: ansible-playbook -i inventory teardown.yml
//
// Each command line is split with shell quoting rules and executed without
// a shell. Children stay in the job process group so group signals reach
// them.
package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/goprovision/pkg/machine"
	"github.com/3leaps/goprovision/pkg/resources"
)

const Type machine.JobType = "command"

// StopGrace is how long a child gets between SIGTERM and SIGKILL.
var StopGrace = 10 * time.Second

// Lines accepts a single string or a list of strings.
type Lines []string

func (l *Lines) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = Lines{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// Parmfile is the command machine's parameter document.
type Parmfile struct {
	Description string            `yaml:"description"`
	Resources   resources.Set     `yaml:"resources"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	Command     Lines             `yaml:"command"`
	Cleanup     Lines             `yaml:"cleanup"`

	argv    [][]string
	cleanup [][]string
}

// Parse decodes and checks a parmfile.
func Parse(params string) (*Parmfile, error) {
	var p Parmfile
	dec := yaml.NewDecoder(strings.NewReader(params))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid parmfile: %w", err)
	}
	if len(p.Command) == 0 {
		return nil, errors.New("invalid parmfile: command is required")
	}
	if filepath.IsAbs(p.Workdir) || strings.HasPrefix(filepath.Clean(p.Workdir), "..") {
		return nil, fmt.Errorf("invalid parmfile: workdir %q must stay inside the job directory", p.Workdir)
	}

	var err error
	if p.argv, err = split(p.Command); err != nil {
		return nil, err
	}
	if p.cleanup, err = split(p.Cleanup); err != nil {
		return nil, err
	}
	p.Resources = p.Resources.Normalize()
	if p.Description == "" {
		p.Description = strings.Join(p.argv[0], " ")
	}
	return &p, nil
}

func split(lines Lines) ([][]string, error) {
	out := make([][]string, 0, len(lines))
	for i, line := range lines {
		args, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("invalid parmfile: command %d: %w", i+1, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("invalid parmfile: command %d is empty", i+1)
		}
		out = append(out, args)
	}
	return out, nil
}

// Definition registers the command machine.
func Definition() machine.Definition {
	return machine.Definition{
		Type:        Type,
		Description: "Run external commands",
		Parse: func(params string) (*machine.Parsed, error) {
			p, err := Parse(params)
			if err != nil {
				return nil, err
			}
			return &machine.Parsed{Resources: p.Resources, Description: p.Description}, nil
		},
		New: New,
	}
}

// Machine runs the parmfile commands in order.
type Machine struct {
	parm *Parmfile
	env  machine.Env
}

func New(params string, env machine.Env) (machine.Machine, error) {
	p, err := Parse(params)
	if err != nil {
		return nil, err
	}
	return &Machine{parm: p, env: env}, nil
}

func (m *Machine) Start(ctx context.Context) (int, error) {
	m.env.Stage("init")
	dir, err := m.workdir()
	if err != nil {
		return 0, err
	}

	m.env.Stage("run")
	return m.runAll(ctx, dir, m.parm.argv)
}

func (m *Machine) Cleanup(ctx context.Context) (int, error) {
	if len(m.parm.cleanup) == 0 {
		return 0, nil
	}
	m.env.Stage("cleanup")
	dir, err := m.workdir()
	if err != nil {
		return 0, err
	}
	return m.runAll(ctx, dir, m.parm.cleanup)
}

func (m *Machine) workdir() (string, error) {
	base := m.env.Dir
	if base == "" {
		base = "."
	}
	dir := filepath.Join(base, m.parm.Workdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// runAll stops at the first command with a non-zero exit status and
// returns that status as the machine code.
func (m *Machine) runAll(ctx context.Context, dir string, cmds [][]string) (int, error) {
	log := m.env.Log()
	for _, argv := range cmds {
		m.env.Printf("$ %s", strings.Join(argv, " "))
		code, err := m.run(ctx, dir, argv)
		if err != nil {
			return 0, err
		}
		if code != 0 {
			log.Warn("command failed", zap.Strings("argv", argv), zap.Int("exit_code", code))
			return code, nil
		}
	}
	return 0, nil
}

func (m *Machine) run(ctx context.Context, dir string, argv []string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = m.environ()
	cmd.Stdout = m.env.Out
	cmd.Stderr = m.env.Out
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = StopGrace

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return 0, nil
}

func (m *Machine) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(m.parm.Env))
	for k := range m.parm.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+m.parm.Env[k])
	}
	env = append(env, fmt.Sprintf("GOPROVISION_JOB_ID=%d", m.env.JobID))
	return env
}
