package docker

import (
	"bytes"
	"context"
	"io"
	"time"

	typescontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

const execInspectInterval = 50 * time.Millisecond

func (c *Cli) ExecInContainer(ctx context.Context, cID container.ID, cmd model.Cmd) (ExecResult, error) {
	logger.Get(ctx).Debugf("[docker] exec in %s: %s", cID.ShortStr(), cmd)

	cfg := typescontainer.ExecOptions{
		Cmd:          cmd.Argv,
		Env:          cmd.Env,
		WorkingDir:   cmd.Dir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := c.ContainerExecCreate(ctx, cID.String(), cfg)
	if err != nil {
		return ExecResult{}, errors.Wrap(err, "ExecInContainer#create")
	}

	// Attaching starts the exec.
	connection, err := c.ContainerExecAttach(ctx, execID.ID, typescontainer.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, errors.Wrap(err, "ExecInContainer#attach")
	}
	defer connection.Close()

	var stdout, stderr bytes.Buffer
	if err := copyUntilDone(ctx, &stdout, &stderr, connection.Reader, connection.Close); err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, err
		}
		return ExecResult{}, errors.Wrap(err, "ExecInContainer#copy")
	}

	for {
		inspected, err := c.ContainerExecInspect(ctx, execID.ID)
		if err != nil {
			return ExecResult{}, errors.Wrap(err, "ExecInContainer#inspect")
		}

		if !inspected.Running {
			return ExecResult{
				ExitCode: inspected.ExitCode,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-time.After(execInspectInterval):
		}
	}
}

// demux splits a multiplexed non-TTY docker stream.
func demux(stdout, stderr io.Writer, src io.Reader) (int64, error) {
	return stdcopy.StdCopy(stdout, stderr, src)
}

// copyUntilDone demuxes src until it ends. The hijacked connection behind
// src ignores ctx once attached, so closeFn is called when ctx is done to
// unblock the read, and ctx.Err() is returned.
func copyUntilDone(ctx context.Context, stdout, stderr io.Writer, src io.Reader, closeFn func()) error {
	stop := context.AfterFunc(ctx, closeFn)
	defer stop()

	_, err := demux(stdout, stderr, src)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
