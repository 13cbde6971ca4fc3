package docker

import (
	"context"
	"fmt"

	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	typescontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	typesimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/pkg/errors"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

// Version info
// https://docs.docker.com/develop/sdk/#api-version-matrix
//
// The docker API docs highly recommend we set a default version,
// so that new versions don't break us.
const defaultVersion = "1.43"

// Minimum docker API version we've tested on.
var minDockerVersion = semver.MustParse("1.41.0")

// CreateOptions describes a disposable container.
type CreateOptions struct {
	// Name is optional; docker picks one when empty.
	Name string

	Image reference.NamedTagged
	Cmd   []string
	Env   []string

	// Ports are docker-style publish specs: "80", "8080:80", "127.0.0.1::5432/tcp".
	// A spec without a host port publishes to an ephemeral port.
	Ports []string

	Labels map[string]string
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is the narrow slice of the docker API that disposable test
// containers need. Create an interface so this can be mocked out.
type Client interface {
	ServerVersion(ctx context.Context) (types.Version, error)

	ImageExists(ctx context.Context, ref reference.Named) (bool, error)
	ImagePull(ctx context.Context, ref reference.Named) error

	ContainerCreate(ctx context.Context, opts CreateOptions) (container.ID, error)
	ContainerStart(ctx context.Context, id container.ID) error
	ContainerInspect(ctx context.Context, id container.ID) (typescontainer.InspectResponse, error)

	// ContainerLogs returns stdout and stderr interleaved, as written so far.
	ContainerLogs(ctx context.Context, id container.ID) (string, error)

	// ExecInContainer runs cmd to completion. A non-zero exit is reported
	// in the result, not as an error.
	ExecInContainer(ctx context.Context, id container.ID, cmd model.Cmd) (ExecResult, error)

	ContainerStop(ctx context.Context, id container.ID, timeout time.Duration) error

	// ContainerRemove force-removes the container and its anonymous volumes.
	ContainerRemove(ctx context.Context, id container.ID) error

	// ContainerList returns containers, running or not, carrying all labels.
	ContainerList(ctx context.Context, labels map[string]string) ([]typescontainer.Summary, error)
}

var _ Client = &Cli{}

type Cli struct {
	*client.Client
}

// NewClient connects using the standard DOCKER_* environment.
// It does not contact the daemon.
func NewClient(ctx context.Context, env func(string) string) (*Cli, error) {
	opts, err := CreateClientOpts(ctx, env)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}
	d, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}
	return &Cli{Client: d}, nil
}

// ProvideClient never fails; a client that cannot be built returns its
// construction error from every call.
func ProvideClient(ctx context.Context, env func(string) string) Client {
	c, err := NewClient(ctx, env)
	if err != nil {
		return newExplodingClient(err)
	}
	return c
}

// MinAPIVersion is the oldest daemon API this client is tested against.
func MinAPIVersion() string {
	return minDockerVersion.String()
}

func SupportedVersion(v types.Version) bool {
	version, err := semver.ParseTolerant(v.APIVersion)
	if err != nil {
		// If the server version doesn't parse, we shouldn't even start
		return false
	}

	return version.GTE(minDockerVersion)
}

// Adapted from client.FromEnv
//
// Supported environment variables:
// DOCKER_HOST to set the url to the docker server.
// DOCKER_API_VERSION to set the version of the API to reach, leave empty for latest.
// DOCKER_CERT_PATH to load the TLS certificates from.
// DOCKER_TLS_VERIFY to enable or disable TLS verification, off by default.
func CreateClientOpts(ctx context.Context, env func(string) string) ([]client.Opt, error) {
	result := make([]client.Opt, 0)

	if dockerCertPath := env("DOCKER_CERT_PATH"); dockerCertPath != "" {
		options := tlsconfig.Options{
			CAFile:             filepath.Join(dockerCertPath, "ca.pem"),
			CertFile:           filepath.Join(dockerCertPath, "cert.pem"),
			KeyFile:            filepath.Join(dockerCertPath, "key.pem"),
			InsecureSkipVerify: env("DOCKER_TLS_VERIFY") == "",
		}
		tlsc, err := tlsconfig.Client(options)
		if err != nil {
			return nil, err
		}

		result = append(result, client.WithHTTPClient(&http.Client{
			Transport:     &http.Transport{TLSClientConfig: tlsc},
			CheckRedirect: client.CheckRedirect,
		}))
	}

	if host := env("DOCKER_HOST"); host != "" {
		result = append(result, client.WithHost(host))
	}

	if version := env("DOCKER_API_VERSION"); version != "" {
		result = append(result, client.WithVersion(version))
	} else {
		// WithAPIVersionNegotiation makes the docker client negotiate down to a lower version
		// if 'defaultVersion' is newer than the server version.
		result = append(result, client.WithVersion(defaultVersion), client.WithAPIVersionNegotiation())
	}

	return result, nil
}

func (c *Cli) ImageExists(ctx context.Context, ref reference.Named) (bool, error) {
	_, err := c.Client.ImageInspect(ctx, ref.String())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "ImageExists")
	}
	return true, nil
}

// ImagePull streams pull progress to the debug log. Errors reported inside
// the progress stream are returned.
func (c *Cli) ImagePull(ctx context.Context, ref reference.Named) error {
	l := logger.Get(ctx)
	l.Infof("Pulling %s", container.FamiliarString(ref))

	rc, err := c.Client.ImagePull(ctx, ref.String(), typesimage.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "ImagePull(%s)", container.FamiliarString(ref))
	}
	defer func() { _ = rc.Close() }()

	err = jsonmessage.DisplayJSONMessagesStream(rc, l.Writer(logger.DebugLvl), 0, false, nil)
	if err != nil {
		return errors.Wrapf(err, "ImagePull(%s)", container.FamiliarString(ref))
	}
	return nil
}

func (c *Cli) ContainerCreate(ctx context.Context, opts CreateOptions) (container.ID, error) {
	if opts.Image == nil {
		return "", fmt.Errorf("ContainerCreate: no image")
	}
	exposed, bindings, err := nat.ParsePortSpecs(opts.Ports)
	if err != nil {
		return "", errors.Wrap(err, "ContainerCreate#ports")
	}

	cfg := &typescontainer.Config{
		Image:        opts.Image.String(),
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &typescontainer.HostConfig{
		PortBindings: bindings,
	}

	resp, err := c.Client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		logger.Get(ctx).Warnf("docker: %s", w)
	}
	return container.ID(resp.ID), nil
}

func (c *Cli) ContainerStart(ctx context.Context, id container.ID) error {
	return c.Client.ContainerStart(ctx, id.String(), typescontainer.StartOptions{})
}

func (c *Cli) ContainerInspect(ctx context.Context, id container.ID) (typescontainer.InspectResponse, error) {
	return c.Client.ContainerInspect(ctx, id.String())
}

func (c *Cli) ContainerLogs(ctx context.Context, id container.ID) (string, error) {
	rc, err := c.Client.ContainerLogs(ctx, id.String(), typescontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "ContainerLogs")
	}
	defer func() { _ = rc.Close() }()

	var out strings.Builder
	if _, err := demux(&out, &out, rc); err != nil {
		return out.String(), errors.Wrap(err, "ContainerLogs#read")
	}
	return out.String(), nil
}

func (c *Cli) ContainerStop(ctx context.Context, id container.ID, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return c.Client.ContainerStop(ctx, id.String(), typescontainer.StopOptions{Timeout: &secs})
}

func (c *Cli) ContainerRemove(ctx context.Context, id container.ID) error {
	return c.Client.ContainerRemove(ctx, id.String(), typescontainer.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

func (c *Cli) ContainerList(ctx context.Context, labels map[string]string) ([]typescontainer.Summary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return c.Client.ContainerList(ctx, typescontainer.ListOptions{All: true, Filters: args})
}

// HostPort finds the host address that a published container port maps to.
// Wildcard bind addresses are reported as loopback.
func HostPort(info typescontainer.InspectResponse, port int) (string, int, error) {
	if info.NetworkSettings == nil {
		return "", 0, fmt.Errorf("container has no network settings")
	}
	p, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return "", 0, err
	}
	for _, b := range info.NetworkSettings.Ports[p] {
		if b.HostPort == "" {
			continue
		}
		hp, err := strconv.Atoi(b.HostPort)
		if err != nil {
			return "", 0, fmt.Errorf("bad host port %q for %s", b.HostPort, p)
		}
		host := b.HostIP
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		return host, hp, nil
	}
	return "", 0, fmt.Errorf("port %s is not published", p)
}
