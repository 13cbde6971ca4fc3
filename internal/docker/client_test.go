package docker

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/docker/api/types"
	typescontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/model"
)

type versionTestCase struct {
	v        types.Version
	expected bool
}

func TestSupported(t *testing.T) {
	cases := []versionTestCase{
		{types.Version{APIVersion: "1.22"}, false},
		{types.Version{APIVersion: "1.40"}, false},
		{types.Version{APIVersion: "1.41"}, true},
		{types.Version{APIVersion: "1.47"}, true},
		{types.Version{APIVersion: "garbage"}, false},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("Case%d", i), func(t *testing.T) {
			assert.Equal(t, c.expected, SupportedVersion(c.v))
		})
	}
}

func TestCreateClientOptsNegotiatesByDefault(t *testing.T) {
	opts, err := CreateClientOpts(context.Background(), func(string) string { return "" })
	require.NoError(t, err)
	assert.Len(t, opts, 2)
}

func TestCreateClientOptsPinnedVersion(t *testing.T) {
	env := map[string]string{
		"DOCKER_HOST":        "tcp://127.0.0.1:2375",
		"DOCKER_API_VERSION": "1.41",
	}
	opts, err := CreateClientOpts(context.Background(), func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Len(t, opts, 2)
}

func TestCreateClientOptsBadCertPath(t *testing.T) {
	env := map[string]string{"DOCKER_CERT_PATH": "/does/not/exist"}
	_, err := CreateClientOpts(context.Background(), func(k string) string { return env[k] })
	assert.Error(t, err)
}

func TestProvideClientExplodesOnBadConfig(t *testing.T) {
	env := map[string]string{"DOCKER_CERT_PATH": "/does/not/exist"}
	c := ProvideClient(context.Background(), func(k string) string { return env[k] })
	_, err := c.ServerVersion(context.Background())
	assert.Error(t, err)
	_, err = c.ContainerList(context.Background(), map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestHostPort(t *testing.T) {
	info := inspectWithPorts(nat.PortMap{
		"80/tcp":   {{HostIP: "0.0.0.0", HostPort: "32771"}},
		"5432/tcp": {{HostIP: "10.1.2.3", HostPort: "40000"}},
		"9000/tcp": nil,
	})

	host, port, err := HostPort(info, 80)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 32771, port)

	host, port, err = HostPort(info, 5432)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", host)
	assert.Equal(t, 40000, port)

	_, _, err = HostPort(info, 9000)
	assert.ErrorContains(t, err, "not published")

	_, _, err = HostPort(typescontainer.InspectResponse{}, 80)
	assert.Error(t, err)
}

func TestStateHelpers(t *testing.T) {
	assert.False(t, HasStarted(nil))
	assert.True(t, HasStarted(NewRunningState()))
	assert.False(t, HasFinished(NewRunningState()))
	assert.True(t, HasFinished(NewExitedState(1)))
	assert.True(t, IsRunning(NewRunningState()))
	assert.False(t, IsRunning(NewExitedState(0)))
}

func TestExplodingClient(t *testing.T) {
	boom := fmt.Errorf("no docker for you")
	var c Client = newExplodingClient(boom)
	_, err := c.ServerVersion(context.Background())
	assert.Equal(t, boom, err)
	_, err = c.ContainerCreate(context.Background(), CreateOptions{})
	assert.Equal(t, boom, err)
}

func TestFakeClientLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeClient()
	ref, err := container.ImageRef("postgres", "16")
	require.NoError(t, err)

	_, err = f.ContainerCreate(ctx, CreateOptions{Image: ref})
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, f.ImagePull(ctx, ref))
	id, err := f.ContainerCreate(ctx, CreateOptions{
		Image:  ref,
		Ports:  []string{"5432"},
		Labels: map[string]string{"a": "b"},
	})
	require.NoError(t, err)
	require.NoError(t, f.ContainerStart(ctx, id))

	info, err := f.ContainerInspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, IsRunning(info.State))
	host, port, err := HostPort(info, 5432)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, fakeFirstHostPort, port)

	f.SetExecHandler(func(id container.ID, cmd model.Cmd) (ExecResult, error) {
		return ExecResult{ExitCode: 2, Stderr: "nope"}, nil
	})
	res, err := f.ExecInContainer(ctx, id, model.ToUnixCmd("pg_isready"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)

	list, err := f.ContainerList(ctx, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.ContainerList(ctx, map[string]string{"a": "c"})
	require.NoError(t, err)
	assert.Len(t, list, 0)

	require.NoError(t, f.ContainerStop(ctx, id, 0))
	_, err = f.ExecInContainer(ctx, id, model.ToUnixCmd("true"))
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, f.ContainerRemove(ctx, id))
	assert.Empty(t, f.Live())
	_, err = f.ContainerInspect(ctx, id)
	assert.True(t, errdefs.IsNotFound(err))
}

func inspectWithPorts(ports nat.PortMap) typescontainer.InspectResponse {
	return typescontainer.InspectResponse{
		NetworkSettings: &typescontainer.NetworkSettings{
			NetworkSettingsBase: typescontainer.NetworkSettingsBase{Ports: ports},
		},
	}
}
