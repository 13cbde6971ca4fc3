// Package orchestrator runs disposable containers as lifecycle resources.
//
// Every container it creates is labelled with the orchestrator's session,
// so that containers left behind by a crashed test process can be found
// and removed later.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/container"
	"github.com/tilt-dev/testrig/internal/docker"
	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/wait"
	"github.com/tilt-dev/testrig/pkg/logger"
)

const (
	LabelManaged = "dev.tilt.testrig"
	LabelSession = "dev.tilt.testrig.session"

	DefaultStopTimeout = 10 * time.Second
	DefaultExecTimeout = 60 * time.Second
)

type PullPolicy int

const (
	PullIfMissing PullPolicy = iota
	PullAlways
	PullNever
)

func (p PullPolicy) String() string {
	switch p {
	case PullAlways:
		return "always"
	case PullNever:
		return "never"
	}
	return "if-missing"
}

func ParsePullPolicy(s string) (PullPolicy, error) {
	switch s {
	case "", "if-missing", "missing":
		return PullIfMissing, nil
	case "always":
		return PullAlways, nil
	case "never":
		return PullNever, nil
	}
	return PullIfMissing, fmt.Errorf("unknown pull policy %q", s)
}

// ContainerSpec describes a container to run.
type ContainerSpec struct {
	Image string
	Tag   string

	// Ports to publish, in docker syntax. "5432" publishes to an ephemeral host port.
	Ports []string

	Env     map[string]string
	Command []string

	// WaitFor conditions must all hold before the container is Ready.
	WaitFor []wait.Condition
}

type Options struct {
	Clock    clockwork.Clock
	Registry *lifecycle.Registry

	PullPolicy   PullPolicy
	PollInterval time.Duration
	StopTimeout  time.Duration
	ExecTimeout  time.Duration
}

type Orchestrator struct {
	client   docker.Client
	checker  availability.Checker
	clock    clockwork.Clock
	registry *lifecycle.Registry
	session  string

	pullPolicy   PullPolicy
	pollInterval time.Duration
	stopTimeout  time.Duration
	execTimeout  time.Duration

	versionMu sync.Mutex
	versionOK bool
}

func NewOrchestrator(client docker.Client, checker availability.Checker, opts Options) *Orchestrator {
	o := &Orchestrator{
		client:       client,
		checker:      checker,
		clock:        opts.Clock,
		registry:     opts.Registry,
		session:      uuid.NewString(),
		pullPolicy:   opts.PullPolicy,
		pollInterval: opts.PollInterval,
		stopTimeout:  opts.StopTimeout,
		execTimeout:  opts.ExecTimeout,
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.registry == nil {
		o.registry = lifecycle.DefaultRegistry
	}
	if o.pollInterval <= 0 {
		o.pollInterval = wait.DefaultInterval
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = DefaultStopTimeout
	}
	if o.execTimeout <= 0 {
		o.execTimeout = DefaultExecTimeout
	}
	return o
}

// checkServerVersion asks the daemon for its API version once; only a
// successful answer is remembered.
func (o *Orchestrator) checkServerVersion(ctx context.Context) error {
	o.versionMu.Lock()
	defer o.versionMu.Unlock()
	if o.versionOK {
		return nil
	}

	v, err := o.client.ServerVersion(ctx)
	if err != nil {
		return lifecycle.WrapError(lifecycle.DaemonUnreachable, "docker", err, "querying server version")
	}
	if !docker.SupportedVersion(v) {
		return lifecycle.NewError(lifecycle.DaemonUnsupported, "docker",
			"daemon API version %q is older than %s", v.APIVersion, docker.MinAPIVersion())
	}
	logger.Get(ctx).Debugf("[orchestrator] docker %s (API %s)", v.Version, v.APIVersion)
	o.versionOK = true
	return nil
}

// Session identifies the containers created by this orchestrator.
func (o *Orchestrator) Session() string {
	return o.session
}

// NewContainer validates spec and returns an Uninitialized container.
// Nothing touches the runtime until Acquire.
func (o *Orchestrator) NewContainer(spec ContainerSpec) (*Container, error) {
	ref, err := container.ImageRef(spec.Image, spec.Tag)
	if err != nil {
		return nil, errors.Wrap(err, "NewContainer")
	}

	id := uuid.New()
	name := fmt.Sprintf("testrig-%s", id.String()[:8])
	return &Container{
		Machine: lifecycle.NewMachine(name),
		orc:     o,
		spec:    spec,
		ref:     ref,
	}, nil
}

// Create starts a container and waits for its conditions.
//
// If the runtime is not available, Create fails with the probe's error and
// nothing is created. If the container starts but never becomes ready, it
// is removed before Create returns.
func (o *Orchestrator) Create(ctx context.Context, spec ContainerSpec) (*Container, error) {
	c, err := o.NewContainer(spec)
	if err != nil {
		return nil, err
	}
	if err := c.Acquire(ctx); err != nil {
		if c.State() != lifecycle.Uninitialized {
			err = multierr.Append(err, c.Release(context.WithoutCancel(ctx)))
		}
		return nil, err
	}
	return c, nil
}

func (o *Orchestrator) labels() map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelSession: o.session,
	}
}

// envList flattens env into KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}
