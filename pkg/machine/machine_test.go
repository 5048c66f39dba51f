package machine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopMachine struct{}

func (nopMachine) Start(context.Context) (int, error)   { return 0, nil }
func (nopMachine) Cleanup(context.Context) (int, error) { return 0, nil }

func nopDefinition(t JobType) Definition {
	return Definition{
		Type:  t,
		Parse: func(string) (*Parsed, error) { return &Parsed{}, nil },
		New:   func(string, Env) (Machine, error) { return nopMachine{}, nil },
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(nopDefinition("Echo"), nopDefinition("power"))
	require.NoError(t, err)

	def, err := r.Lookup(" ECHO ")
	require.NoError(t, err)
	assert.Equal(t, JobType("echo"), def.Type)

	_, err = r.Lookup("install")
	require.Error(t, err)
	assert.True(t, IsUnknownType(err))

	assert.Equal(t, []JobType{"echo", "power"}, r.Types())
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	require.Error(t, r.Register(nopDefinition("")))
	require.Error(t, r.Register(Definition{Type: "half"}))
	require.NoError(t, r.Register(nopDefinition("echo")))
	require.Error(t, r.Register(nopDefinition("ECHO")))

	_, err = NewRegistry(nopDefinition("a"), nopDefinition("a"))
	require.Error(t, err)
}

func TestEnv_StageAndPrintf(t *testing.T) {
	var buf bytes.Buffer
	env := Env{JobID: 3, Out: &buf}

	env.Stage("init")
	env.Printf("hello %s", "world")
	env.Printf("already terminated\n")

	out := buf.String()
	assert.Contains(t, out, "| STAGE | init\n")
	assert.Contains(t, out, "hello world\n")
	assert.Contains(t, out, "already terminated\n")
	assert.NotContains(t, out, "\n\n")
	assert.NotNil(t, env.Log())

	Env{}.Stage("no output is fine")
}
