package docker

import (
	"context"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	typescontainer "github.com/docker/docker/api/types/container"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/model"
)

// A docker client that returns errors on every method call.
// Useful when the client failed to init, but we don't know yet
// whether anyone is going to use it.
type explodingClient struct {
	err error
}

var _ Client = explodingClient{}

func newExplodingClient(err error) explodingClient {
	return explodingClient{err: err}
}

func (c explodingClient) ServerVersion(ctx context.Context) (types.Version, error) {
	return types.Version{}, c.err
}
func (c explodingClient) ImageExists(ctx context.Context, ref reference.Named) (bool, error) {
	return false, c.err
}
func (c explodingClient) ImagePull(ctx context.Context, ref reference.Named) error {
	return c.err
}
func (c explodingClient) ContainerCreate(ctx context.Context, opts CreateOptions) (container.ID, error) {
	return "", c.err
}
func (c explodingClient) ContainerStart(ctx context.Context, id container.ID) error {
	return c.err
}
func (c explodingClient) ContainerInspect(ctx context.Context, id container.ID) (typescontainer.InspectResponse, error) {
	return typescontainer.InspectResponse{}, c.err
}
func (c explodingClient) ContainerLogs(ctx context.Context, id container.ID) (string, error) {
	return "", c.err
}
func (c explodingClient) ExecInContainer(ctx context.Context, id container.ID, cmd model.Cmd) (ExecResult, error) {
	return ExecResult{}, c.err
}
func (c explodingClient) ContainerStop(ctx context.Context, id container.ID, timeout time.Duration) error {
	return c.err
}
func (c explodingClient) ContainerRemove(ctx context.Context, id container.ID) error {
	return c.err
}
func (c explodingClient) ContainerList(ctx context.Context, labels map[string]string) ([]typescontainer.Summary, error) {
	return nil, c.err
}
