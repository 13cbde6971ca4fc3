package localexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
	"github.com/tilt-dev/testrig/pkg/procutil"
)

// ExitCodeKilled is reported when a process group is killed because its context ended.
const ExitCodeKilled = 137

// OneShotResult includes details about command execution.
type OneShotResult struct {
	// ExitCode from the process
	ExitCode int
	// Stdout from the process
	Stdout []byte
	// Stderr from the process
	Stderr []byte
}

type RunIO struct {
	// Stdin for the process
	Stdin io.Reader
	// Stdout for the process
	Stdout io.Writer
	// Stderr for the process
	Stderr io.Writer
}

type Execer interface {
	// Run executes a command and waits for it to complete.
	//
	// If the context is canceled before the process terminates, the process
	// group is killed and the exit code is ExitCodeKilled.
	//
	// A non-nil error means the command could not be run at all (e.g., the
	// executable was not found); a non-zero exit is reported only through
	// the exit code.
	Run(ctx context.Context, cmd model.Cmd, runIO RunIO) (int, error)
}

func OneShot(ctx context.Context, execer Execer, cmd model.Cmd) (OneShotResult, error) {
	var stdout, stderr bytes.Buffer
	runIO := RunIO{
		Stdout: &stdout,
		Stderr: &stderr,
	}
	exitCode, err := execer.Run(ctx, cmd, runIO)
	if err != nil {
		return OneShotResult{}, err
	}

	return OneShotResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

type ProcessExecer struct {
	env *Env
}

var _ Execer = &ProcessExecer{}

func NewProcessExecer(env *Env) *ProcessExecer {
	return &ProcessExecer{env: env}
}

func (p ProcessExecer) Run(ctx context.Context, cmd model.Cmd, runIO RunIO) (int, error) {
	osCmd, err := p.env.ExecCmd(cmd, logger.Get(ctx))
	if err != nil {
		return -1, err
	}

	osCmd.SysProcAttr = &syscall.SysProcAttr{}
	procutil.SetOptNewProcessGroup(osCmd.SysProcAttr)

	osCmd.Stdin = runIO.Stdin
	osCmd.Stdout = runIO.Stdout
	osCmd.Stderr = runIO.Stderr

	logger.Get(ctx).Debugf("Running cmd: %s", cmd.String())
	if err := osCmd.Start(); err != nil {
		return -1, err
	}

	// Monitor context cancel in a background goroutine and forcibly kill the process group.
	// An exit code of 137 is forced; otherwise the main process may exit 0 after
	// its children are killed, which is misleading.
	// The sync.Once synchronizes with the Wait() below.
	var exitCode int
	var handleProcessExit sync.Once
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		handleProcessExit.Do(
			func() {
				procutil.KillProcessGroup(osCmd)
				exitCode = ExitCodeKilled
			})
	}()

	// Cmd::Wait() ensures all I/O is complete before returning.
	err = osCmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		handleProcessExit.Do(
			func() {
				exitCode = exitErr.ExitCode()
			})
		err = nil
	} else if err != nil {
		handleProcessExit.Do(
			func() {
				exitCode = -1
			})
	} else {
		// consume the sync.Once to prevent a race with the goroutine waiting on the context
		handleProcessExit.Do(func() {})
	}
	return exitCode, err
}

type fakeCmdResult struct {
	exitCode int
	err      error
	stdout   []byte
	stderr   []byte
	block    bool
}

type FakeCall struct {
	Cmd      model.Cmd
	ExitCode int
	Error    error
}

func (f FakeCall) String() string {
	return fmt.Sprintf("cmd=%q exitCode=%d err=%v", f.Cmd.String(), f.ExitCode, f.Error)
}

type FakeExecer struct {
	t  testing.TB
	mu sync.Mutex

	cmds map[string]fakeCmdResult

	calls []FakeCall
}

var _ Execer = &FakeExecer{}

func NewFakeExecer(t testing.TB) *FakeExecer {
	return &FakeExecer{
		t:    t,
		cmds: make(map[string]fakeCmdResult),
	}
}

func (f *FakeExecer) Run(ctx context.Context, cmd model.Cmd, runIO RunIO) (exitCode int, err error) {
	f.t.Helper()
	f.mu.Lock()
	r, ok := f.cmds[cmd.String()]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, FakeCall{
			Cmd:      cmd,
			ExitCode: exitCode,
			Error:    err,
		})
	}()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	if !ok {
		return 0, nil
	}

	if r.block {
		// simulate a process that never returns on its own
		<-ctx.Done()
		return ExitCodeKilled, nil
	}

	if r.err != nil {
		return -1, r.err
	}

	if runIO.Stdout != nil && len(r.stdout) != 0 {
		if _, err := runIO.Stdout.Write(r.stdout); err != nil {
			return -1, fmt.Errorf("error writing to stdout: %v", err)
		}
	}

	if runIO.Stderr != nil && len(r.stderr) != 0 {
		if _, err := runIO.Stderr.Write(r.stderr); err != nil {
			return -1, fmt.Errorf("error writing to stderr: %v", err)
		}
	}

	return r.exitCode, nil
}

func (f *FakeExecer) RegisterCommandError(cmd string, err error) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[cmd] = fakeCmdResult{
		err: err,
	}
}

// RegisterCommandBlocking registers a command that only returns once its context ends.
func (f *FakeExecer) RegisterCommandBlocking(cmd string) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[cmd] = fakeCmdResult{block: true}
}

// RegisterCommand adds or replaces a command to the FakeExecer.
//
// If the output strings are not newline terminated, a newline will automatically be added.
func (f *FakeExecer) RegisterCommand(cmd string, exitCode int, stdout string, stderr string) {
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}

	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}

	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[cmd] = fakeCmdResult{
		exitCode: exitCode,
		stdout:   []byte(stdout),
		stderr:   []byte(stderr),
	}
}

func (f *FakeExecer) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall{}, f.calls...)
}
