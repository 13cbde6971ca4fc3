package localexec

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/testrig/internal/testutils"
	"github.com/tilt-dev/testrig/internal/testutils/bufsync"
	"github.com/tilt-dev/testrig/pkg/model"
)

func TestProcessExecer_Run(t *testing.T) {
	ctx, cancel := context.WithTimeout(testutils.CtxForTest(), 2*time.Second)
	defer cancel()

	// this works across both cmd.exe + sh
	script := `echo hello from stdout && echo hello from stderr 1>&2`

	execer := NewProcessExecer(EmptyEnv())

	r, err := OneShot(ctx, execer, model.ToHostCmd(script))

	require.NoError(t, err)
	assert.Equal(t, 0, r.ExitCode)
	// trim space to not deal with line-ending/whitespace differences between cmd.exe/sh
	assert.Equal(t, "hello from stdout", strings.TrimSpace(string(r.Stdout)))
	assert.Equal(t, "hello from stderr", strings.TrimSpace(string(r.Stderr)))
}

func TestProcessExecer_Run_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test not supported on Windows")
	}
	ctx := testutils.CtxForTest()

	r, err := OneShot(ctx, NewProcessExecer(EmptyEnv()), model.ToUnixCmd("exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, r.ExitCode)
}

func TestProcessExecer_Run_MissingBinary(t *testing.T) {
	ctx := testutils.CtxForTest()

	cmd := model.Cmd{Argv: []string{"testrig-definitely-not-a-real-binary"}}
	_, err := NewProcessExecer(EmptyEnv()).Run(ctx, cmd, RunIO{})
	require.Error(t, err)
}

func TestProcessExecer_Run_EnvPrecedence(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test not supported on Windows")
	}
	ctx := testutils.CtxForTest()

	env := IsolatedEnv()
	env.Add("TESTRIG_A", "from-env")
	env.Add("TESTRIG_B", "from-env")
	cmd := model.ToUnixCmd(`echo "$TESTRIG_A $TESTRIG_B"`).WithEnv("TESTRIG_B=from-cmd")

	r, err := OneShot(ctx, NewProcessExecer(env), cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-env from-cmd", strings.TrimSpace(string(r.Stdout)))
}

func TestProcessExecer_Run_ProcessGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("test not supported on Windows")
	}

	ctx, cancel := context.WithTimeout(testutils.CtxForTest(), 500*time.Millisecond)
	defer cancel()

	script := `sleep 60 & echo $!`

	// as soon as we see the PID written to stdout, cancel the context
	// to trigger process termination
	var childPid int
	stdoutBuf := bufsync.NewThreadSafeBuffer()
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			output := strings.TrimSpace(stdoutBuf.String())
			if output != "" {
				var err error
				childPid, err = strconv.Atoi(output)
				if err == nil {
					cancel()
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	execer := NewProcessExecer(EmptyEnv())
	exitCode, err := execer.Run(ctx, model.ToUnixCmd(script), RunIO{Stdout: stdoutBuf})

	require.NoError(t, err)
	assert.Equal(t, ExitCodeKilled, exitCode)

	if assert.NotZero(t, childPid, "Process did not write child PID to stdout") {
		// os.FindProcess always succeeds on Unix-like systems; send signal 0 to probe it
		proc, _ := os.FindProcess(childPid)
		childProcStopped := assert.Eventually(t, func() bool {
			err = proc.Signal(syscall.Signal(0))
			return errors.Is(err, os.ErrProcessDone)
		}, time.Second, 50*time.Millisecond, "Child process was still running")
		if !childProcStopped {
			_ = proc.Kill()
		}
	}
}

func TestFakeExecer(t *testing.T) {
	ctx := testutils.CtxForTest()
	f := NewFakeExecer(t)
	f.RegisterCommand("docker version", 0, "28.0.4", "")
	f.RegisterCommandError("weaver --version", errors.New("exec: not found"))

	r, err := OneShot(ctx, f, model.ToUnixCmd("docker version"))
	require.NoError(t, err)
	assert.Equal(t, "28.0.4\n", string(r.Stdout))

	_, err = OneShot(ctx, f, model.ToUnixCmd("weaver --version"))
	require.EqualError(t, err, "exec: not found")

	r, err = OneShot(ctx, f, model.ToUnixCmd("unregistered"))
	require.NoError(t, err)
	assert.Equal(t, 0, r.ExitCode)

	calls := f.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "docker version", calls[0].Cmd.String())
}

func TestFakeExecerBlocking(t *testing.T) {
	ctx, cancel := context.WithTimeout(testutils.CtxForTest(), 20*time.Millisecond)
	defer cancel()

	f := NewFakeExecer(t)
	f.RegisterCommandBlocking("docker info")

	exitCode, err := f.Run(ctx, model.ToUnixCmd("docker info"), RunIO{})
	require.NoError(t, err)
	assert.Equal(t, ExitCodeKilled, exitCode)
}
