package localexec

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/testrig/internal/testutils"
	"github.com/tilt-dev/testrig/internal/testutils/bufsync"
	"github.com/tilt-dev/testrig/pkg/model"
)

func TestProcessStarter_ExitsOnItsOwn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test not supported on Windows")
	}
	ctx := testutils.CtxForTest()
	out := bufsync.NewThreadSafeBuffer()

	p, err := NewProcessStarter(EmptyEnv()).Start(ctx, model.ToUnixCmd("echo started; exit 4"), RunIO{Stdout: out})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("process never exited")
	}

	status := p.Status()
	assert.Equal(t, model.ProcessStateTerminated, status.State)
	assert.Equal(t, 4, status.ExitCode)
	assert.Equal(t, []string{"started"}, out.Lines())
}

func TestProcessStarter_Interrupt(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test not supported on Windows")
	}
	ctx := testutils.CtxForTest()

	p, err := NewProcessStarter(EmptyEnv()).Start(ctx, model.ToUnixCmd("sleep 60"), RunIO{})
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateRunning, p.Status().State)
	assert.NotZero(t, p.Pid())

	require.NoError(t, p.Interrupt())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("process ignored interrupt")
	}
	assert.Equal(t, model.ProcessStateTerminated, p.Status().State)

	// interrupting an exited process is a no-op
	assert.NoError(t, p.Interrupt())
}

func TestFakeProcessLifecycle(t *testing.T) {
	ctx := testutils.CtxForTest()
	s := NewFakeStarter(t)

	proc, err := s.Start(ctx, model.ToUnixCmd("weaver registry live-check"), RunIO{})
	require.NoError(t, err)
	fp := proc.(*FakeProcess)
	fp.IgnoreInterrupt()

	require.NoError(t, fp.Interrupt())
	assert.Equal(t, model.ProcessStateRunning, fp.Status().State)

	fp.Kill()
	<-fp.Done()
	assert.Equal(t, ExitCodeKilled, fp.Status().ExitCode)
	assert.Equal(t, 1, fp.Interrupts())
	assert.Equal(t, 1, fp.Kills())

	// later exits do not overwrite the first
	fp.Exit(0)
	assert.Equal(t, ExitCodeKilled, fp.Status().ExitCode)
	assert.Len(t, s.Started(), 1)
}
