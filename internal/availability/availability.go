// Package availability classifies whether an external system is usable
// before anything tries to start on top of it.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/pkg/errors"

	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/localexec"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

type SystemKind string

const (
	ContainerRuntime SystemKind = "container-runtime"
	ValidationBinary SystemKind = "validation-binary"
)

type Status int

const (
	Available Status = iota
	BinaryNotFound
	DaemonUnreachable
	DaemonUnresponsive
)

func (s Status) String() string {
	switch s {
	case Available:
		return "Available"
	case BinaryNotFound:
		return "BinaryNotFound"
	case DaemonUnreachable:
		return "DaemonUnreachable"
	case DaemonUnresponsive:
		return "DaemonUnresponsive"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const DefaultTimeout = 2 * time.Second

// Result is always a concrete classification; there is no "unknown".
type Result struct {
	System SystemKind
	Status Status

	// Binary is the executable that was probed.
	Binary string

	// Version reported by the daemon or binary, when Available.
	Version semver.Version

	// Timeout is set when Status is DaemonUnresponsive.
	Timeout time.Duration

	Detail string
}

func (r Result) Available() bool {
	return r.Status == Available
}

func (r Result) String() string {
	switch r.Status {
	case Available:
		return fmt.Sprintf("%s: available (%s %s)", r.System, r.Binary, r.Version)
	case DaemonUnresponsive:
		return fmt.Sprintf("%s: unresponsive after %s (%s)", r.System, r.Timeout, r.Binary)
	}
	return fmt.Sprintf("%s: %s: %s", r.System, r.Status, r.Detail)
}

// Err converts a non-Available result into the matching lifecycle error.
func (r Result) Err() error {
	var kind lifecycle.Kind
	switch r.Status {
	case Available:
		return nil
	case BinaryNotFound:
		kind = lifecycle.BinaryNotFound
	case DaemonUnreachable:
		kind = lifecycle.DaemonUnreachable
	case DaemonUnresponsive:
		kind = lifecycle.DaemonUnresponsive
	default:
		kind = lifecycle.KindUnknown
	}
	detail := r.Detail
	if r.Status == DaemonUnresponsive {
		detail = fmt.Sprintf("no answer within %s", r.Timeout)
	}
	return lifecycle.NewError(kind, r.Binary, "%s", detail)
}

type Checker interface {
	Check(ctx context.Context, system SystemKind) Result
}

type Option func(p *Prober)

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

func WithDockerBinary(path string) Option {
	return func(p *Prober) { p.dockerBinary = path }
}

func WithValidationBinary(path string) Option {
	return func(p *Prober) { p.validationBinary = path }
}

func WithLookPath(lookPath func(file string) (string, error)) Option {
	return func(p *Prober) { p.lookPath = lookPath }
}

// Prober answers availability questions by running the system's own CLI.
type Prober struct {
	execer           localexec.Execer
	lookPath         func(file string) (string, error)
	timeout          time.Duration
	dockerBinary     string
	validationBinary string
}

var _ Checker = &Prober{}

func NewProber(execer localexec.Execer, opts ...Option) *Prober {
	p := &Prober{
		execer:           execer,
		lookPath:         exec.LookPath,
		timeout:          DefaultTimeout,
		dockerBinary:     "docker",
		validationBinary: "weaver",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DockerInfoCmd asks the daemon, not the client, for its version. A client
// with no daemon prints an empty value or nothing at all.
func DockerInfoCmd(binary string) model.Cmd {
	return model.Cmd{Argv: []string{binary, "info", "--format", "{{json .ServerVersion}}"}}
}

func VersionCmd(binary string) model.Cmd {
	return model.Cmd{Argv: []string{binary, "--version"}}
}

func (p *Prober) Check(ctx context.Context, system SystemKind) Result {
	var r Result
	switch system {
	case ContainerRuntime:
		r = p.check(ctx, system, p.dockerBinary, DockerInfoCmd, parseServerVersion)
	case ValidationBinary:
		r = p.check(ctx, system, p.validationBinary, VersionCmd, parseVersionLine)
	default:
		r = Result{System: system, Status: BinaryNotFound, Detail: fmt.Sprintf("unknown system %q", system)}
	}
	logger.Get(ctx).Debugf("[availability] %s", r)
	return r
}

func (p *Prober) check(ctx context.Context, system SystemKind, binary string, mkCmd func(string) model.Cmd, parse func(string) (semver.Version, error)) Result {
	r := Result{System: system, Binary: binary}

	path, err := p.lookPath(binary)
	if err != nil {
		r.Status = BinaryNotFound
		r.Detail = err.Error()
		return r
	}
	r.Binary = path

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := mkCmd(path)
	out, err := localexec.OneShot(ctx, p.execer, cmd)
	if ctx.Err() == context.DeadlineExceeded {
		r.Status = DaemonUnresponsive
		r.Timeout = p.timeout
		return r
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			r.Status = BinaryNotFound
		} else {
			r.Status = DaemonUnreachable
		}
		r.Detail = err.Error()
		return r
	}
	if out.ExitCode != 0 {
		r.Status = DaemonUnreachable
		r.Detail = fmt.Sprintf("%s exited %d: %s", cmd, out.ExitCode, firstLine(string(out.Stderr)))
		return r
	}

	v, err := parse(string(out.Stdout))
	if err != nil {
		r.Status = DaemonUnreachable
		r.Detail = fmt.Sprintf("%s answered without a version: %v", cmd, err)
		return r
	}
	r.Status = Available
	r.Version = v
	return r
}

func parseServerVersion(out string) (semver.Version, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return semver.Version{}, errors.New("empty output")
	}
	var s string
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		return semver.Version{}, errors.Wrapf(err, "decoding %q", firstLine(out))
	}
	if s == "" {
		return semver.Version{}, errors.New("daemon reported no server version")
	}
	return semver.ParseTolerant(s)
}

// parseVersionLine finds the first semver-looking token, e.g. "weaver 0.15.2".
func parseVersionLine(out string) (semver.Version, error) {
	for _, field := range strings.Fields(out) {
		if v, err := semver.ParseTolerant(strings.TrimPrefix(field, "v")); err == nil {
			return v, nil
		}
	}
	return semver.Version{}, errors.Errorf("no version in %q", firstLine(out))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
