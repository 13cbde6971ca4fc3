package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	typescontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/pkg/model"
)

const (
	fakeAPIVersion = "1.45"

	// Ephemeral host ports are handed out from here.
	fakeFirstHostPort = 32768
)

// ExecHandler computes the result of an exec in a fake container.
type ExecHandler func(id container.ID, cmd model.Cmd) (ExecResult, error)

// FakeClient is an in-memory docker daemon.
type FakeClient struct {
	mu sync.Mutex

	ServerVersionErr error
	APIVersion       string

	PullErr    error
	CreateErr  error
	StartErr   error
	InspectErr error
	StopErr    error
	RemoveErr  error
	ListErr    error
	LogsErr    error

	// Now stamps container creation times.
	Now func() time.Time

	// ExitOnStart makes containers exit with this code as soon as they start.
	ExitOnStart *int

	images     map[string]bool
	containers map[container.ID]*fakeContainer
	order      []container.ID
	nextID     int
	nextPort   int
	execs      ExecHandler

	Pulls   []string
	Creates []CreateOptions
	Stops   []container.ID
	Removes []container.ID
	Execs   []model.Cmd
}

type fakeContainer struct {
	id      container.ID
	created time.Time
	opts    CreateOptions
	state   *typescontainer.State
	ports   nat.PortMap
	logs    string
	exited  bool
}

var _ Client = &FakeClient{}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		APIVersion: fakeAPIVersion,
		images:     make(map[string]bool),
		containers: make(map[container.ID]*fakeContainer),
		nextPort:   fakeFirstHostPort,
		Now:        time.Now,
	}
}

// AddImage marks an image as already present locally.
func (c *FakeClient) AddImage(ref reference.Named) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[ref.String()] = true
}

func (c *FakeClient) SetExecHandler(h ExecHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = h
}

// AppendLogs simulates the container writing output.
func (c *FakeClient) AppendLogs(id container.ID, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.containers[id]; ok {
		fc.logs += s
	}
}

// Exit simulates the container's main process exiting on its own.
func (c *FakeClient) Exit(id container.ID, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.containers[id]; ok {
		fc.exit(code)
	}
}

// Live returns the containers that have not been removed, in creation order.
func (c *FakeClient) Live() []container.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []container.ID
	for _, id := range c.order {
		if _, ok := c.containers[id]; ok {
			result = append(result, id)
		}
	}
	return result
}

// Options returns the options a live container was created with.
func (c *FakeClient) Options(id container.ID) (CreateOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.containers[id]
	if !ok {
		return CreateOptions{}, false
	}
	return fc.opts, true
}

func (c *FakeClient) ServerVersion(ctx context.Context) (types.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ServerVersionErr != nil {
		return types.Version{}, c.ServerVersionErr
	}
	return types.Version{APIVersion: c.APIVersion, Version: "28.0.4"}, nil
}

func (c *FakeClient) ImageExists(ctx context.Context, ref reference.Named) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images[ref.String()], nil
}

func (c *FakeClient) ImagePull(ctx context.Context, ref reference.Named) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pulls = append(c.Pulls, ref.String())
	if c.PullErr != nil {
		return c.PullErr
	}
	c.images[ref.String()] = true
	return nil
}

func (c *FakeClient) ContainerCreate(ctx context.Context, opts CreateOptions) (container.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Creates = append(c.Creates, opts)
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	if opts.Image == nil || !c.images[opts.Image.String()] {
		return "", errdefs.NotFound(fmt.Errorf("No such image: %v", opts.Image))
	}
	exposed, bindings, err := nat.ParsePortSpecs(opts.Ports)
	if err != nil {
		return "", err
	}

	ports := nat.PortMap{}
	for p := range exposed {
		ports[p] = nil
	}
	for p, bs := range bindings {
		ports[p] = bs
	}

	c.nextID++
	id := container.ID(fmt.Sprintf("%064x", c.nextID))
	c.containers[id] = &fakeContainer{
		id:      id,
		created: c.Now(),
		opts:    opts,
		ports:   ports,
		state:   &typescontainer.State{Status: "created", StartedAt: ZeroTime, FinishedAt: ZeroTime},
	}
	c.order = append(c.order, id)
	return id, nil
}

func (c *FakeClient) ContainerStart(ctx context.Context, id container.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	fc, err := c.lookup(id)
	if err != nil {
		return err
	}

	// Assign host ports to anything published without one.
	keys := make([]string, 0, len(fc.ports))
	for p := range fc.ports {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := nat.Port(k)
		bs := fc.ports[p]
		if len(bs) == 0 {
			bs = []nat.PortBinding{{}}
		}
		for i := range bs {
			if bs[i].HostPort == "" || bs[i].HostPort == "0" {
				bs[i].HostPort = strconv.Itoa(c.nextPort)
				c.nextPort++
			}
			if bs[i].HostIP == "" {
				bs[i].HostIP = "0.0.0.0"
			}
		}
		fc.ports[p] = bs
	}

	fc.state = NewRunningState()
	if c.ExitOnStart != nil {
		fc.exit(*c.ExitOnStart)
	}
	return nil
}

func (c *FakeClient) ContainerInspect(ctx context.Context, id container.ID) (typescontainer.InspectResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InspectErr != nil {
		return typescontainer.InspectResponse{}, c.InspectErr
	}
	fc, err := c.lookup(id)
	if err != nil {
		return typescontainer.InspectResponse{}, err
	}
	state := *fc.state
	ports := nat.PortMap{}
	for p, bs := range fc.ports {
		ports[p] = append([]nat.PortBinding{}, bs...)
	}
	return typescontainer.InspectResponse{
		ContainerJSONBase: &typescontainer.ContainerJSONBase{
			ID:    id.String(),
			Name:  "/" + fc.opts.Name,
			State: &state,
		},
		Config: &typescontainer.Config{
			Image:  fc.opts.Image.String(),
			Labels: fc.opts.Labels,
		},
		NetworkSettings: &typescontainer.NetworkSettings{
			NetworkSettingsBase: typescontainer.NetworkSettingsBase{Ports: ports},
		},
	}, nil
}

func (c *FakeClient) ContainerLogs(ctx context.Context, id container.ID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LogsErr != nil {
		return "", c.LogsErr
	}
	fc, err := c.lookup(id)
	if err != nil {
		return "", err
	}
	return fc.logs, nil
}

func (c *FakeClient) ExecInContainer(ctx context.Context, id container.ID, cmd model.Cmd) (ExecResult, error) {
	c.mu.Lock()
	c.Execs = append(c.Execs, cmd)
	fc, err := c.lookup(id)
	if err == nil && !IsRunning(fc.state) {
		err = errdefs.Conflict(fmt.Errorf("container %s is not running", id.ShortStr()))
	}
	h := c.execs
	c.mu.Unlock()

	if err != nil {
		return ExecResult{}, err
	}
	if h == nil {
		return ExecResult{}, nil
	}

	type execDone struct {
		res ExecResult
		err error
	}
	done := make(chan execDone, 1)
	go func() {
		res, err := h(id, cmd)
		done <- execDone{res, err}
	}()
	select {
	case d := <-done:
		return d.res, d.err
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

func (c *FakeClient) ContainerStop(ctx context.Context, id container.ID, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stops = append(c.Stops, id)
	if c.StopErr != nil {
		return c.StopErr
	}
	fc, err := c.lookup(id)
	if err != nil {
		return err
	}
	fc.exit(ExitCodeStopped)
	return nil
}

func (c *FakeClient) ContainerRemove(ctx context.Context, id container.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Removes = append(c.Removes, id)
	if c.RemoveErr != nil {
		return c.RemoveErr
	}
	if _, err := c.lookup(id); err != nil {
		return err
	}
	delete(c.containers, id)
	return nil
}

func (c *FakeClient) ContainerList(ctx context.Context, labels map[string]string) ([]typescontainer.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	var result []typescontainer.Summary
	for _, id := range c.order {
		fc, ok := c.containers[id]
		if !ok || !hasLabels(fc.opts.Labels, labels) {
			continue
		}
		result = append(result, typescontainer.Summary{
			ID:      id.String(),
			Names:   []string{"/" + fc.opts.Name},
			Image:   fc.opts.Image.String(),
			Labels:  fc.opts.Labels,
			State:   fc.state.Status,
			Created: fc.created.Unix(),
		})
	}
	return result, nil
}

func (c *FakeClient) lookup(id container.ID) (*fakeContainer, error) {
	fc, ok := c.containers[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	return fc, nil
}

func (fc *fakeContainer) exit(code int) {
	if fc.exited || !IsRunning(fc.state) {
		return
	}
	fc.exited = true
	fc.state = NewExitedState(code)
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
