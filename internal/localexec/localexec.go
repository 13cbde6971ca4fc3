// Package localexec provides constructs for uniform execution of local processes,
// specifically conversion from model.Cmd to exec.Cmd.
package localexec

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

// Common environment for local exec commands.
type Env struct {
	pairs   []kvPair
	environ func() []string
}

func EmptyEnv() *Env {
	return &Env{
		environ: os.Environ,
	}
}

// IsolatedEnv does not inherit the parent process environment.
func IsolatedEnv() *Env {
	return &Env{
		environ: func() []string { return nil },
	}
}

// Add sets a default that applies unless the parent process or the
// command itself already defines the key.
func (e *Env) Add(k, v string) {
	e.pairs = append(e.pairs, kvPair{Key: k, Value: v})
}

// ExecCmd creates a stdlib exec.Cmd instance.
//
// The resulting command inherits the parent process environment, then
// logging-friendly defaults, then the Env defaults, and finally the
// command-specific overrides (last wins).
//
// The returned exec.Cmd is NOT associated with any context; callers own
// its termination.
func (e *Env) ExecCmd(cmd model.Cmd, l logger.Logger) (*exec.Cmd, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty cmd")
	}
	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir

	execEnv := e.environ()
	execEnv = logger.PrepareEnv(l, execEnv)
	for _, kv := range e.pairs {
		execEnv = addEnvIfNotPresent(execEnv, kv.Key, kv.Value)
	}
	c.Env = append(execEnv, cmd.Env...)
	return c, nil
}

type kvPair struct {
	Key   string
	Value string
}

func addEnvIfNotPresent(env []string, key, value string) []string {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return env
		}
	}

	return append(env, key+"="+value)
}
