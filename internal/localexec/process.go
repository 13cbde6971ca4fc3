package localexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
	"github.com/tilt-dev/testrig/pkg/procutil"
)

// Process is a handle on a long-running child process.
//
// Status and Done never perform I/O; they reflect what the background
// waiter has observed so far.
type Process interface {
	Pid() int

	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}

	Status() model.ProcessStatus

	// Interrupt asks the process group to shut down gracefully.
	Interrupt() error

	// Kill forcibly terminates the process group.
	Kill()
}

// Starter spawns processes that outlive the call that started them.
type Starter interface {
	// Start spawns cmd. The ctx is only used for logging; the process is
	// not bound to it. Callers must eventually Kill or Interrupt it.
	Start(ctx context.Context, cmd model.Cmd, runIO RunIO) (Process, error)
}

type ProcessStarter struct {
	env *Env
}

var _ Starter = ProcessStarter{}

func NewProcessStarter(env *Env) ProcessStarter {
	return ProcessStarter{env: env}
}

func (s ProcessStarter) Start(ctx context.Context, cmd model.Cmd, runIO RunIO) (Process, error) {
	l := logger.Get(ctx)
	osCmd, err := s.env.ExecCmd(cmd, l)
	if err != nil {
		return nil, err
	}

	osCmd.SysProcAttr = &syscall.SysProcAttr{}
	procutil.SetOptNewProcessGroup(osCmd.SysProcAttr)
	osCmd.Stdin = runIO.Stdin
	osCmd.Stdout = runIO.Stdout
	osCmd.Stderr = runIO.Stderr

	l.Debugf("Starting process: %s", cmd.String())
	if err := osCmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{
		cmd:  osCmd,
		done: make(chan struct{}),
		status: model.ProcessStatus{
			State: model.ProcessStateRunning,
			Pid:   osCmd.Process.Pid,
		},
	}
	go p.wait()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status model.ProcessStatus
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.status.State = model.ProcessStateTerminated
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.status.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		p.status.ExitCode = -1
		p.status.Err = err
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) Status() model.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *osProcess) Interrupt() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return procutil.InterruptProcessGroup(p.cmd)
}

func (p *osProcess) Kill() {
	procutil.KillProcessGroup(p.cmd)
}

// FakeProcess is a process whose lifetime is controlled by a test.
type FakeProcess struct {
	Cmd model.Cmd

	mu          sync.Mutex
	pid         int
	done        chan struct{}
	status      model.ProcessStatus
	interrupts  int
	kills       int
	ignoreTerm  bool
	interruptFn func()
}

var _ Process = &FakeProcess{}

func NewFakeProcess(pid int, cmd model.Cmd) *FakeProcess {
	return &FakeProcess{
		Cmd:  cmd,
		pid:  pid,
		done: make(chan struct{}),
		status: model.ProcessStatus{
			State: model.ProcessStateRunning,
			Pid:   pid,
		},
	}
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Status() model.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IgnoreInterrupt makes the process survive Interrupt, so only Kill ends it.
func (p *FakeProcess) IgnoreInterrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreTerm = true
}

// OnInterrupt registers a hook that runs on every Interrupt.
func (p *FakeProcess) OnInterrupt(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interruptFn = fn
}

func (p *FakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	ignore := p.ignoreTerm
	fn := p.interruptFn
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
	if !ignore {
		p.Exit(0)
	}
	return nil
}

func (p *FakeProcess) Kill() {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit(ExitCodeKilled)
}

// Exit simulates the process exiting on its own. Only the first call has an effect.
func (p *FakeProcess) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State == model.ProcessStateTerminated {
		return
	}
	p.status.State = model.ProcessStateTerminated
	p.status.ExitCode = code
	close(p.done)
}

func (p *FakeProcess) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

func (p *FakeProcess) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// FakeStarter records started commands and hands out FakeProcesses.
type FakeStarter struct {
	t  testing.TB
	mu sync.Mutex

	nextPid  int
	startErr error
	started  []*FakeProcess
	onStart  func(p *FakeProcess)
}

var _ Starter = &FakeStarter{}

func NewFakeStarter(t testing.TB) *FakeStarter {
	return &FakeStarter{t: t, nextPid: 1000}
}

// SetStartError makes every subsequent Start fail with err.
func (s *FakeStarter) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// OnStart registers a hook that runs synchronously for each new process.
func (s *FakeStarter) OnStart(fn func(p *FakeProcess)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = fn
}

func (s *FakeStarter) Start(ctx context.Context, cmd model.Cmd, runIO RunIO) (Process, error) {
	s.t.Helper()
	s.mu.Lock()
	if s.startErr != nil {
		err := s.startErr
		s.mu.Unlock()
		return nil, err
	}
	if cmd.Empty() {
		s.mu.Unlock()
		return nil, fmt.Errorf("empty cmd")
	}
	s.nextPid++
	p := NewFakeProcess(s.nextPid, cmd)
	s.started = append(s.started, p)
	onStart := s.onStart
	s.mu.Unlock()

	if onStart != nil {
		onStart(p)
	}
	return p, nil
}

func (s *FakeStarter) Started() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess{}, s.started...)
}
