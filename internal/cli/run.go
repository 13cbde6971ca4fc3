package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/config"
	"github.com/tilt-dev/testrig/internal/docker"
	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/localexec"
	"github.com/tilt-dev/testrig/internal/orchestrator"
	"github.com/tilt-dev/testrig/internal/wait"
	"github.com/tilt-dev/testrig/pkg/logger"
	"github.com/tilt-dev/testrig/pkg/model"
)

type runCmd struct {
	out io.Writer

	ports     []string
	env       []string
	waitLog   string
	waitRegex string
	waitHTTP  []string
	waitPort  []int
	duration  time.Duration
	cmdLine   string

	orc *orchestrator.Orchestrator
}

func newRunCmd() *runCmd {
	return &runCmd{out: os.Stdout}
}

func (c *runCmd) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run IMAGE[:TAG] [-- COMMAND...]",
		Short: "Start a disposable container, wait until it is ready, and remove it on exit",
		Example: `  testrig run postgres:16 -p 5432 -e POSTGRES_PASSWORD=pw --wait-log "ready to accept connections"
  testrig run nginx:1.27 -p 80 --wait-http 80/ --duration 30s`,
		Args: cobra.MinimumNArgs(1),
	}

	cmd.Flags().StringArrayVarP(&c.ports, "port", "p", nil, "Port to publish, in docker syntax (e.g. 5432 or 8080:80)")
	cmd.Flags().StringArrayVarP(&c.env, "env", "e", nil, "Environment variable KEY=VALUE")
	cmd.Flags().StringVar(&c.waitLog, "wait-log", "", "Wait for a log line containing this text")
	cmd.Flags().StringVar(&c.waitRegex, "wait-log-regex", "", "Wait for a log line matching this regular expression")
	cmd.Flags().StringArrayVar(&c.waitHTTP, "wait-http", nil, "Wait for PORT/PATH to answer 2xx or 3xx")
	cmd.Flags().IntSliceVar(&c.waitPort, "wait-port", nil, "Wait for a container port to accept TCP connections")
	cmd.Flags().StringVar(&c.cmdLine, "cmd", "", "Container command as one shell-quoted string (alternative to -- COMMAND...)")
	cmd.Flags().DurationVar(&c.duration, "duration", 0, "Remove the container after this long (default: on interrupt)")
	return cmd
}

func (c *runCmd) run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	image, tag, err := splitImageTag(args[0])
	if err != nil {
		return err
	}
	env, err := parseEnv(c.env)
	if err != nil {
		return err
	}
	conds, err := c.conditions(cfg.Docker)
	if err != nil {
		return err
	}
	command, err := c.command(args[1:])
	if err != nil {
		return err
	}

	orc := c.orc
	if orc == nil {
		orc = newOrchestrator(ctx, cfg)
	}

	stop := lifecycle.SweepOnSignal(ctx, lifecycle.DefaultRegistry)
	defer stop()

	ctr, err := orc.Create(ctx, orchestrator.ContainerSpec{
		Image:   image,
		Tag:     tag,
		Ports:   c.ports,
		Env:     env,
		Command: command,
		WaitFor: conds,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctr.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Get(ctx).Errorf("releasing %s: %v", ctr.Name(), err)
		}
	}()

	_, _ = fmt.Fprintf(c.out, "%s ready (%s)\n", ctr.Name(), ctr.ID().ShortStr())
	for _, p := range c.ports {
		cport, err := containerPort(p)
		if err != nil {
			continue
		}
		host, hostPort, err := ctr.HostPort(ctx, cport)
		printField(c.out, fmt.Sprintf("port %d", cport), fmt.Sprintf("%s:%d", host, hostPort), err)
	}

	if c.duration > 0 {
		select {
		case <-time.After(c.duration):
		case <-ctx.Done():
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

func (c *runCmd) conditions(cfg config.DockerConfig) ([]wait.Condition, error) {
	var conds []wait.Condition
	if c.waitLog != "" {
		conds = append(conds, wait.ForLog(c.waitLog))
	}
	if c.waitRegex != "" {
		re, err := regexp.Compile(c.waitRegex)
		if err != nil {
			return nil, errors.Wrap(err, "--wait-log-regex")
		}
		conds = append(conds, wait.ForLogPattern(re))
	}
	for _, h := range c.waitHTTP {
		port, path, _ := strings.Cut(h, "/")
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("--wait-http %q: want PORT/PATH", h)
		}
		conds = append(conds, wait.ForContainerHTTP(p, "/"+path))
	}
	for _, p := range c.waitPort {
		conds = append(conds, wait.ForContainerPort(p))
	}
	for i := range conds {
		conds[i] = conds[i].WithInterval(cfg.PollInterval).WithTimeout(cfg.WaitTimeout)
	}
	return conds, nil
}

func (c *runCmd) command(trailing []string) ([]string, error) {
	if c.cmdLine == "" {
		return trailing, nil
	}
	if len(trailing) > 0 {
		return nil, fmt.Errorf("--cmd and -- COMMAND are mutually exclusive")
	}
	cmd, err := model.ParseCmd(c.cmdLine)
	if err != nil {
		return nil, errors.Wrap(err, "--cmd")
	}
	return cmd.Argv, nil
}

func newOrchestrator(ctx context.Context, cfg config.Config) *orchestrator.Orchestrator {
	dc := docker.ProvideClient(ctx, os.Getenv)
	checker := availability.NewProber(localexec.NewProcessExecer(localexec.EmptyEnv()),
		availability.WithTimeout(cfg.Docker.ProbeTimeout),
		availability.WithDockerBinary(cfg.Docker.Binary))
	return orchestrator.NewOrchestrator(dc, checker, cfg.Docker.OrchestratorOptions())
}

// splitImageTag defaults the tag to "latest".
func splitImageTag(s string) (string, string, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing image %q", s)
	}
	if _, ok := named.(reference.Digested); ok {
		return "", "", fmt.Errorf("image %q: digests are not supported, use a tag", s)
	}
	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return reference.FamiliarName(named), tag, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// containerPort extracts the container side of a publish spec:
// "8080:80" -> 80, "127.0.0.1::5432/tcp" -> 5432.
func containerPort(spec string) (int, error) {
	spec, _, _ = strings.Cut(spec, "/")
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		spec = spec[i+1:]
	}
	return strconv.Atoi(spec)
}
