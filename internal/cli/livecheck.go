package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tilt-dev/testrig/internal/config"
	"github.com/tilt-dev/testrig/internal/livecheck"
	"github.com/tilt-dev/testrig/pkg/logger"
)

type liveCheckCmd struct {
	out io.Writer

	registry string
	output   string
	duration time.Duration
	failOn   string

	// deps overrides the manager's collaborators; zero fields get defaults.
	deps livecheck.Deps
}

func newLiveCheckCmd() *liveCheckCmd {
	return &liveCheckCmd{out: os.Stdout}
}

func (c *liveCheckCmd) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live-check",
		Short: "Run the telemetry live check until interrupted, then print its findings",
		Long: `Starts the live-check process against a semantic-convention registry and
prints the OTLP endpoint to send telemetry to. On interrupt, after --duration,
or once the process shuts itself down for inactivity, the report is read back
and findings are printed.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&c.registry, "registry", "", "Path to the semantic-convention registry (overrides config)")
	cmd.Flags().StringVar(&c.output, "output", "", "Directory for the report (default: a temp dir)")
	cmd.Flags().DurationVar(&c.duration, "duration", 0, "Stop after this long (default: on interrupt or inactivity)")
	cmd.Flags().StringVar(&c.failOn, "fail-on", string(livecheck.LevelViolation), "Exit non-zero on findings at or above this level (violation, improvement, information)")
	return cmd
}

func (c *liveCheckCmd) run(ctx context.Context, args []string) error {
	level := livecheck.AdviceLevel(c.failOn)
	switch level {
	case livecheck.LevelViolation, livecheck.LevelImprovement, livecheck.LevelInformation:
	default:
		return fmt.Errorf("--fail-on %q: want violation, improvement or information", c.failOn)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mcfg := cfg.LiveCheck.ManagerConfig()
	if c.registry != "" {
		mcfg.RegistryPath = c.registry
	}
	if c.output != "" {
		mcfg.OutputDir = c.output
	}
	if mcfg.OutputDir == "" {
		dir, err := os.MkdirTemp("", "testrig-livecheck-")
		if err != nil {
			return errors.Wrap(err, "live-check")
		}
		defer func() { _ = os.RemoveAll(dir) }()
		mcfg.OutputDir = dir
	}

	deps := c.deps
	if deps.Locator.BinaryName == "" {
		deps.Locator = newLocator(cfg.LiveCheck)
	}
	if deps.Output == nil {
		deps.Output = logger.Get(ctx).Writer(logger.VerboseLvl)
	}
	m := livecheck.NewManager(mcfg, deps)
	if err := m.Start(ctx); err != nil {
		if rerr := m.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Get(ctx).Warnf("releasing live check: %v", rerr)
		}
		return err
	}

	endpoint, err := m.IngestEndpoint()
	if err != nil {
		_ = m.Release(ctx)
		return err
	}
	_, _ = fmt.Fprintf(c.out, "live check running (%s)\n", m.Binary())
	printField(c.out, "OTLP endpoint", endpoint, nil)

	c.awaitEnd(ctx, m)

	if err := m.Stop(ctx); err != nil {
		logger.Get(ctx).Infof("live check did not stop cleanly: %v", err)
	}

	report, err := m.Report()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(c.out, report.String())

	findings := report.Findings(level)
	if len(findings) > 0 {
		return fmt.Errorf("%d finding(s) at level %s or above", len(findings), level)
	}
	return nil
}

// awaitEnd blocks until an interrupt, the optional duration, or the process
// exiting on its own.
func (c *liveCheckCmd) awaitEnd(ctx context.Context, m *livecheck.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var deadline <-chan time.Time
	if c.duration > 0 {
		deadline = time.After(c.duration)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			return
		case <-deadline:
			return
		case <-ticker.C:
			if !m.IsRunning() {
				logger.Get(ctx).Infof("live check exited on its own")
				return
			}
		}
	}
}

func newLocator(cfg config.LiveCheckConfig) livecheck.Locator {
	l := livecheck.NewLocator(cfg.BinaryPath)
	l.CacheDir = cfg.CacheDir
	if cfg.DownloadURL != "" && cfg.CacheDir != "" {
		l.Downloader = livecheck.HTTPDownloader{
			Client: &http.Client{Timeout: 5 * time.Minute},
			URL:    cfg.DownloadURL,
		}
	}
	return l
}
