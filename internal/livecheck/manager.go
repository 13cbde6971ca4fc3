// Package livecheck runs the telemetry live-check process as a test resource.
//
// The process listens on two ports: telemetry is sent to the ingest port,
// while health checks and shutdown go through the admin port.
package livecheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phayes/freeport"
	"github.com/pkg/errors"
	"github.com/tilt-dev/probe/pkg/prober"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/localexec"
	"github.com/tilt-dev/testrig/internal/wait"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

const (
	DefaultIngestPort        = 4317
	DefaultAdminPort         = 4320
	DefaultInactivityTimeout = 10 * time.Second
	DefaultFormat            = "json"
	DefaultStartAttempts     = 10
	DefaultStartInterval     = 250 * time.Millisecond
	DefaultHealthTimeout     = 2 * time.Second
	DefaultGracePeriod       = 5 * time.Second

	HealthPath = "/health"
	StopPath   = "/stop"
)

type Config struct {
	RegistryPath string

	// A port of 0 is replaced with a free port at start.
	IngestPort int
	AdminPort  int

	// Zero disables the inactivity shutdown.
	InactivityTimeout time.Duration

	// OutputDir receives the report. Empty means stdout.
	OutputDir string
	Format    string

	StartAttempts int
	StartInterval time.Duration

	// HealthTimeout bounds each health request during start-up.
	HealthTimeout time.Duration

	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		RegistryPath:      "./registry",
		IngestPort:        DefaultIngestPort,
		AdminPort:         DefaultAdminPort,
		InactivityTimeout: DefaultInactivityTimeout,
		Format:            DefaultFormat,
		StartAttempts:     DefaultStartAttempts,
		StartInterval:     DefaultStartInterval,
		HealthTimeout:     DefaultHealthTimeout,
		GracePeriod:       DefaultGracePeriod,
	}
}

// Deps are the collaborators a Manager talks to. Zero values get real
// implementations.
type Deps struct {
	Locator  Locator
	Starter  localexec.Starter
	Execer   localexec.Execer
	HTTP     HTTPClient
	Clock    clockwork.Clock
	Registry *lifecycle.Registry

	// Output receives the process's stdout and stderr, in addition to the
	// verbose log.
	Output io.Writer
}

// Manager owns one live-check process. It is not reusable: once stopped,
// make a new Manager.
type Manager struct {
	*lifecycle.Machine

	cfg  Config
	deps Deps

	mu         sync.Mutex
	proc       localexec.Process
	binary     string
	ingestPort int
	adminPort  int
	unregister func()
}

var _ lifecycle.Resource = &Manager{}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = DefaultStartAttempts
	}
	if cfg.StartInterval <= 0 {
		cfg.StartInterval = DefaultStartInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if deps.Locator.BinaryName == "" && deps.Locator.LookPath == nil {
		deps.Locator = NewLocator(deps.Locator.Override)
	}
	if deps.Starter == nil {
		deps.Starter = localexec.NewProcessStarter(localexec.EmptyEnv())
	}
	if deps.Execer == nil {
		deps.Execer = localexec.NewProcessExecer(localexec.EmptyEnv())
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 2 * time.Second}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Registry == nil {
		deps.Registry = lifecycle.DefaultRegistry
	}
	return &Manager{
		Machine: lifecycle.NewMachine("livecheck"),
		cfg:     cfg,
		deps:    deps,
	}
}

func (m *Manager) Acquire(ctx context.Context) error {
	return m.Start(ctx)
}

// Start locates the binary, checks the registry, spawns the process, and
// polls its health endpoint until it answers or the retry budget runs out.
//
// A missing binary or registry is reported before anything is spawned,
// and leaves the Manager Uninitialized.
func (m *Manager) Start(ctx context.Context) error {
	l := logger.Get(ctx)
	if st := m.State(); st != lifecycle.Uninitialized {
		return lifecycle.NewError(lifecycle.StateConflict, m.Name(), "already started (%s)", st)
	}

	binary, err := m.deps.Locator.Locate(ctx)
	if err != nil {
		return err
	}
	res := availability.NewProber(m.deps.Execer,
		availability.WithValidationBinary(binary),
		availability.WithLookPath(func(file string) (string, error) { return file, nil }),
	).Check(ctx, availability.ValidationBinary)
	if !res.Available() {
		return res.Err()
	}

	if _, err := os.Stat(m.cfg.RegistryPath); err != nil {
		if os.IsNotExist(err) {
			return lifecycle.NewError(lifecycle.RegistryNotFound, m.cfg.RegistryPath, "no such registry")
		}
		return lifecycle.WrapError(lifecycle.RegistryNotFound, m.cfg.RegistryPath, err, "reading registry")
	}

	ingest, admin, err := m.resolvePorts()
	if err != nil {
		return lifecycle.WrapError(lifecycle.ProcessStartFailed, m.Name(), err, "allocating ports")
	}

	if err := m.TransitionFrom(lifecycle.Uninitialized, lifecycle.Starting); err != nil {
		return err
	}
	m.mu.Lock()
	m.binary = binary
	m.ingestPort = ingest
	m.adminPort = admin
	m.unregister = m.deps.Registry.Register(m)
	m.mu.Unlock()

	if m.cfg.OutputDir != "" {
		if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
			return m.Fail(lifecycle.WrapError(lifecycle.ProcessStartFailed, m.Name(), err, "creating output dir"))
		}
	}

	cmd := m.command(binary, ingest, admin)
	out := l.Writer(logger.VerboseLvl)
	if m.deps.Output != nil {
		out = io.MultiWriter(out, m.deps.Output)
	}
	l.Infof("Starting live check: %s", cmd)
	proc, err := m.deps.Starter.Start(ctx, cmd, localexec.RunIO{Stdout: out, Stderr: out})
	if err != nil {
		return m.Fail(lifecycle.WrapError(lifecycle.ProcessStartFailed, m.Name(), err, "spawning %s", binary))
	}
	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()

	if err := m.awaitHealthy(ctx, proc); err != nil {
		if kerr := m.kill(ctx, proc); kerr != nil {
			l.Warnf("%v", kerr)
		}
		return m.Fail(err)
	}

	if err := m.TransitionFrom(lifecycle.Starting, lifecycle.Ready); err != nil {
		return err
	}
	l.Infof("Live check ready: ingest %s, admin :%d", m.ingestURL(), admin)
	return nil
}

func (m *Manager) command(binary string, ingest, admin int) model.Cmd {
	argv := []string{
		binary, "registry", "live-check",
		"--registry", m.cfg.RegistryPath,
		"--otlp-grpc-port", strconv.Itoa(ingest),
		"--admin-port", strconv.Itoa(admin),
	}
	if secs := inactivitySeconds(m.cfg.InactivityTimeout); secs > 0 {
		argv = append(argv, "--inactivity-timeout", strconv.Itoa(secs))
	}
	argv = append(argv, "--format", m.cfg.Format)
	if m.cfg.OutputDir != "" {
		argv = append(argv, "--output", m.cfg.OutputDir)
	}
	return model.Cmd{Argv: argv}
}

// inactivitySeconds rounds d up to whole seconds, the flag's unit.
func inactivitySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (m *Manager) resolvePorts() (int, int, error) {
	ingest, admin := m.cfg.IngestPort, m.cfg.AdminPort
	var err error
	if ingest == 0 {
		ingest, err = freeport.GetFreePort()
		if err != nil {
			return 0, 0, err
		}
	}
	if admin == 0 {
		admin, err = freeport.GetFreePort()
		if err != nil {
			return 0, 0, err
		}
	}
	if ingest == admin {
		return 0, 0, fmt.Errorf("ingest and admin ports are both %d", ingest)
	}
	return ingest, admin, nil
}

func (m *Manager) awaitHealthy(ctx context.Context, proc localexec.Process) error {
	u := m.adminURL(HealthPath)
	healthCheck := wait.HTTPGet(u)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	check := prober.ProberFunc(func(ctx context.Context) (prober.Result, string, error) {
		if err := exitedErr(m.Name(), proc); err != nil {
			cancel(err)
			return prober.Failure, "", err
		}
		return healthCheck(ctx)
	})

	err := wait.PollAttempts(ctx, m.deps.Clock, "health "+u.String(), check, m.cfg.StartAttempts, m.cfg.StartInterval, m.cfg.HealthTimeout)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); lifecycle.KindOf(cause) != lifecycle.KindUnknown {
			return cause
		}
	}
	return lifecycle.WrapError(lifecycle.ProcessStartFailed, m.Name(), err, "health check")
}

func exitedErr(name string, proc localexec.Process) error {
	select {
	case <-proc.Done():
		return lifecycle.NewError(lifecycle.ProcessStartFailed, name,
			"process exited with code %d", proc.Status().ExitCode)
	default:
		return nil
	}
}

// IngestEndpoint is where telemetry should be sent. Only valid when Ready.
func (m *Manager) IngestEndpoint() (*url.URL, error) {
	if !m.IsRunning() {
		return nil, lifecycle.NewError(lifecycle.ProcessNotRunning, m.Name(), "no ingest endpoint in state %s", m.State())
	}
	return m.ingestURL(), nil
}

func (m *Manager) ingestURL() *url.URL {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", m.ingestPort)}
}

func (m *Manager) adminURL(path string) *url.URL {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", m.adminPort), Path: path}
}

// IsRunning does no I/O. A process that exited on its own, e.g. after the
// inactivity timeout, moves the Manager to Failed.
func (m *Manager) IsRunning() bool {
	m.reconcile()
	return m.State() == lifecycle.Ready
}

func (m *Manager) reconcile() {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil || m.State() != lifecycle.Ready {
		return
	}
	select {
	case <-proc.Done():
		_ = m.Fail(lifecycle.NewError(lifecycle.ProcessNotRunning, m.Name(),
			"process exited with code %d", proc.Status().ExitCode))
	default:
	}
}

// Stop asks the process to shut down through the admin endpoint and kills
// it if it has not exited after the grace period.
//
// Stopping a Manager that is not running is a ProcessNotRunning error. If
// the process already died on its own, its handles are still cleaned up.
func (m *Manager) Stop(ctx context.Context) error {
	m.reconcile()
	switch st := m.State(); st {
	case lifecycle.Ready:
	case lifecycle.Failed:
		wasAlive := m.cleanupFailed(ctx)
		if wasAlive {
			return nil
		}
		return lifecycle.NewError(lifecycle.ProcessNotRunning, m.Name(), "process had already exited")
	default:
		return lifecycle.NewError(lifecycle.ProcessNotRunning, m.Name(), "cannot stop in state %s", st)
	}

	if err := m.TransitionFrom(lifecycle.Ready, lifecycle.Stopping); err != nil {
		return err
	}

	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()

	if err := m.requestStop(ctx); err != nil {
		logger.Get(ctx).Debugf("[livecheck] stop request: %v", err)
	}

	if err := m.awaitExit(ctx, proc); err != nil {
		return m.Fail(err)
	}
	m.finish()
	return m.Transition(lifecycle.Stopped)
}

// Release is Stop without the ProcessNotRunning error.
func (m *Manager) Release(ctx context.Context) error {
	switch m.State() {
	case lifecycle.Uninitialized, lifecycle.Stopping, lifecycle.Stopped:
		return nil
	case lifecycle.Starting:
		_ = m.Fail(lifecycle.NewError(lifecycle.ProcessStopFailed, m.Name(), "released while starting"))
	}
	err := m.Stop(ctx)
	if lifecycle.KindOf(err) == lifecycle.ProcessNotRunning {
		return nil
	}
	return err
}

func (m *Manager) requestStop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.GracePeriod)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.adminURL(StopPath).String(), nil)
	if err != nil {
		return err
	}
	resp, err := m.deps.HTTP.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// awaitExit waits a grace period for a clean exit, then kills.
func (m *Manager) awaitExit(ctx context.Context, proc localexec.Process) error {
	select {
	case <-proc.Done():
		logger.Get(ctx).Debugf("[livecheck] exited with code %d", proc.Status().ExitCode)
		return nil
	case <-m.deps.Clock.After(m.cfg.GracePeriod):
		logger.Get(ctx).Infof("Live check did not exit within %s; killing", m.cfg.GracePeriod)
	case <-ctx.Done():
	}
	return m.kill(ctx, proc)
}

func (m *Manager) kill(ctx context.Context, proc localexec.Process) error {
	proc.Kill()
	select {
	case <-proc.Done():
		return nil
	case <-m.deps.Clock.After(m.cfg.GracePeriod):
		return lifecycle.NewError(lifecycle.ProcessStopFailed, m.Name(), "pid %d survived kill", proc.Pid())
	}
}

// cleanupFailed tears down a Failed manager and reports whether the
// process was still alive.
func (m *Manager) cleanupFailed(ctx context.Context) bool {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()

	alive := false
	if proc != nil {
		select {
		case <-proc.Done():
		default:
			alive = true
			if err := m.kill(ctx, proc); err != nil {
				logger.Get(ctx).Warnf("%v", err)
			}
		}
	}
	if err := m.Transition(lifecycle.Stopping); err == nil {
		m.finish()
		_ = m.Transition(lifecycle.Stopped)
	}
	return alive
}

func (m *Manager) finish() {
	m.mu.Lock()
	unregister := m.unregister
	m.unregister = nil
	m.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

// Binary is the resolved validation binary, once started.
func (m *Manager) Binary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binary
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Report reads what the process wrote to OutputDir. Call it after Stop.
func (m *Manager) Report() (*Report, error) {
	if m.cfg.OutputDir == "" {
		return nil, errors.New("Report: no output dir configured")
	}
	return ReadReport(m.cfg.OutputDir)
}
