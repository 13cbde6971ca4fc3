package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/pkg/errors"
	"github.com/tilt-dev/probe/pkg/prober"
	"go.uber.org/multierr"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/internal/docker"
	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/wait"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

// Container is a disposable container owned by one caller.
type Container struct {
	*lifecycle.Machine

	orc  *Orchestrator
	spec ContainerSpec
	ref  reference.NamedTagged

	mu         sync.Mutex
	id         container.ID
	unregister func()
}

var _ lifecycle.Resource = &Container{}
var _ wait.Target = &Container{}

// ID is empty until the runtime has created the container.
func (c *Container) ID() container.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Container) Image() reference.NamedTagged {
	return c.ref
}

func (c *Container) Acquire(ctx context.Context) error {
	if st := c.State(); st != lifecycle.Uninitialized {
		return lifecycle.NewError(lifecycle.StateConflict, c.Name(), "already acquired (%s)", st)
	}

	res := c.orc.checker.Check(ctx, availability.ContainerRuntime)
	if !res.Available() {
		return res.Err()
	}
	if err := c.orc.checkServerVersion(ctx); err != nil {
		return err
	}

	if err := c.TransitionFrom(lifecycle.Uninitialized, lifecycle.Starting); err != nil {
		return err
	}
	c.mu.Lock()
	c.unregister = c.orc.registry.Register(c)
	c.mu.Unlock()

	if err := c.start(ctx); err != nil {
		return c.Fail(err)
	}

	for _, cond := range c.spec.WaitFor {
		if err := c.waitCondition(ctx, cond); err != nil {
			return c.Fail(err)
		}
	}

	if err := c.TransitionFrom(lifecycle.Starting, lifecycle.Ready); err != nil {
		return err
	}
	logger.Get(ctx).Infof("Container %s ready (%s)", c.Name(), container.FamiliarString(c.ref))
	return nil
}

func (c *Container) start(ctx context.Context) error {
	l := logger.Get(ctx)
	dc := c.orc.client

	if err := c.ensureImage(ctx); err != nil {
		return err
	}

	id, err := dc.ContainerCreate(ctx, docker.CreateOptions{
		Name:   c.Name(),
		Image:  c.ref,
		Cmd:    c.spec.Command,
		Env:    envList(c.spec.Env),
		Ports:  c.spec.Ports,
		Labels: c.orc.labels(),
	})
	if err != nil {
		return lifecycle.WrapError(lifecycle.ContainerCreationFailed, c.Name(), err,
			"creating from %s", container.FamiliarString(c.ref))
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	l.Debugf("[orchestrator] created %s as %s", c.Name(), id.ShortStr())

	if err := dc.ContainerStart(ctx, id); err != nil {
		return lifecycle.WrapError(lifecycle.ContainerCreationFailed, c.Name(), err, "starting %s", id.ShortStr())
	}
	return nil
}

func (c *Container) ensureImage(ctx context.Context) error {
	dc := c.orc.client
	pull := c.orc.pullPolicy == PullAlways
	if !pull {
		exists, err := dc.ImageExists(ctx, c.ref)
		if err != nil {
			return lifecycle.WrapError(lifecycle.ContainerCreationFailed, c.Name(), err, "inspecting image")
		}
		if !exists && c.orc.pullPolicy == PullNever {
			return lifecycle.NewError(lifecycle.ContainerCreationFailed, c.Name(),
				"image %s not present and pull policy is %s", container.FamiliarString(c.ref), PullNever)
		}
		pull = !exists
	}
	if !pull {
		return nil
	}
	if err := dc.ImagePull(ctx, c.ref); err != nil {
		return lifecycle.WrapError(lifecycle.ContainerCreationFailed, c.Name(), err, "pulling image")
	}
	return nil
}

// WaitFor polls cond until it holds or timeout elapses. A container that
// times out, or exits while waiting, is Failed but still owns its handles
// until Release.
func (c *Container) WaitFor(ctx context.Context, cond wait.Condition, timeout time.Duration) error {
	switch st := c.State(); st {
	case lifecycle.Starting, lifecycle.Ready:
	default:
		return lifecycle.NewError(lifecycle.ProcessNotRunning, c.Name(), "cannot wait in state %s", st)
	}
	cond = cond.WithInterval(c.orc.pollInterval).WithTimeout(timeout)
	if err := c.waitCondition(ctx, cond); err != nil {
		return c.Fail(err)
	}
	return nil
}

// waitCondition aborts as soon as the container is seen to have exited.
func (c *Container) waitCondition(ctx context.Context, cond wait.Condition) error {
	check, err := cond.Checker(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	guarded := prober.ProberFunc(func(ctx context.Context) (prober.Result, string, error) {
		if err := c.checkAlive(ctx); err != nil {
			cancel(err)
			return prober.Failure, "", err
		}
		return check(ctx)
	})

	name := fmt.Sprintf("%s: %s", c.Name(), cond)
	err = wait.Poll(ctx, c.orc.clock, name, guarded, cond.Interval(), cond.Timeout())
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); lifecycle.KindOf(cause) != lifecycle.KindUnknown {
			return cause
		}
	}
	return err
}

// checkAlive reports a container that has exited or vanished.
func (c *Container) checkAlive(ctx context.Context) error {
	id := c.ID()
	info, err := c.orc.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return lifecycle.NewError(lifecycle.ProcessNotRunning, c.Name(), "container %s is gone", id.ShortStr())
		}
		// Transient inspect failures are left to the condition's own check.
		return nil
	}
	if info.State != nil && !info.State.Running && docker.HasStarted(info.State) && docker.HasFinished(info.State) {
		return lifecycle.NewError(lifecycle.ProcessStartFailed, c.Name(),
			"container exited with code %d before becoming ready", info.State.ExitCode)
	}
	return nil
}

// Exec runs cmd inside the container. It requires the container to be Ready.
func (c *Container) Exec(ctx context.Context, argv ...string) (docker.ExecResult, error) {
	if st := c.State(); st != lifecycle.Ready {
		return docker.ExecResult{}, lifecycle.NewError(lifecycle.ProcessNotRunning, c.Name(), "cannot exec in state %s", st)
	}
	if len(argv) == 0 {
		return docker.ExecResult{}, fmt.Errorf("Exec: empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, c.orc.execTimeout)
	defer cancel()

	res, err := c.orc.client.ExecInContainer(ctx, c.ID(), model.Cmd{Argv: argv})
	if err != nil {
		return docker.ExecResult{}, c.classify(err, "exec %q", argv[0])
	}
	return res, nil
}

// Logs returns everything the container has written to stdout and stderr.
func (c *Container) Logs(ctx context.Context) (string, error) {
	id := c.ID()
	if id.Empty() {
		return "", lifecycle.NewError(lifecycle.ProcessNotRunning, c.Name(), "no container yet")
	}
	out, err := c.orc.client.ContainerLogs(ctx, id)
	if err != nil {
		return "", errors.Wrapf(err, "Logs(%s)", c.Name())
	}
	return out, nil
}

// HostPort resolves the host address published for a container port.
func (c *Container) HostPort(ctx context.Context, port int) (string, int, error) {
	id := c.ID()
	if id.Empty() {
		return "", 0, lifecycle.NewError(lifecycle.ProcessNotRunning, c.Name(), "no container yet")
	}
	info, err := c.orc.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", 0, errors.Wrapf(err, "HostPort(%s)", c.Name())
	}
	return docker.HostPort(info, port)
}

// Release stops and removes the container. It is safe to call from any
// state and more than once; only the first call after Acquire does work.
func (c *Container) Release(ctx context.Context) error {
	switch c.State() {
	case lifecycle.Uninitialized, lifecycle.Stopping, lifecycle.Stopped:
		return nil
	case lifecycle.Starting:
		_ = c.Fail(lifecycle.NewError(lifecycle.ProcessStopFailed, c.Name(), "released while starting"))
	}
	if err := c.Transition(lifecycle.Stopping); err != nil {
		return err
	}

	if err := c.teardown(ctx); err != nil {
		return c.Fail(err)
	}

	c.mu.Lock()
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()
	if unregister != nil {
		unregister()
	}
	return c.Transition(lifecycle.Stopped)
}

func (c *Container) teardown(ctx context.Context) error {
	id := c.ID()
	if id.Empty() {
		return nil
	}
	l := logger.Get(ctx)
	dc := c.orc.client

	var result error
	if err := dc.ContainerStop(ctx, id, c.orc.stopTimeout); err != nil && !errdefs.IsNotFound(err) {
		l.Debugf("[orchestrator] stop %s: %v", id.ShortStr(), err)
		result = multierr.Append(result, err)
	}

	// Remove is forced, so a failed stop is not fatal on its own.
	if err := dc.ContainerRemove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return lifecycle.WrapError(lifecycle.ProcessStopFailed, c.Name(), multierr.Append(result, err), "removing %s", id.ShortStr())
	}
	l.Debugf("[orchestrator] removed %s (%s)", c.Name(), id.ShortStr())
	return nil
}

// classify maps runtime errors onto the lifecycle taxonomy. A container
// the runtime no longer knows about, or a daemon that went away, fails
// the resource.
func (c *Container) classify(err error, format string, a ...interface{}) error {
	msg := fmt.Sprintf(format, a...)
	switch {
	case errdefs.IsNotFound(err), errdefs.IsConflict(err):
		return c.Fail(lifecycle.WrapError(lifecycle.ProcessNotRunning, c.Name(), err, "%s", msg))
	case client.IsErrConnectionFailed(err):
		return c.Fail(lifecycle.WrapError(lifecycle.DaemonUnreachable, c.Name(), err, "%s", msg))
	case errors.Is(err, context.DeadlineExceeded):
		return lifecycle.WrapError(lifecycle.WaitConditionTimeout, c.Name(), err, "%s", msg)
	}
	return errors.Wrap(err, msg)
}
