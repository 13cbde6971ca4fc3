package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/localexec"
)

type probeCmd struct {
	out io.Writer

	// checker is built from config when nil.
	checker availability.Checker
}

func newProbeCmd() *probeCmd {
	return &probeCmd{out: os.Stdout}
}

func (c *probeCmd) register() *cobra.Command {
	return &cobra.Command{
		Use:       "probe [docker|livecheck]...",
		Short:     "Check whether the container runtime and the live-check binary are usable",
		ValidArgs: []string{"docker", "livecheck"},
		Args:      cobra.OnlyValidArgs,
	}
}

func (c *probeCmd) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"docker", "livecheck"}
	}

	checker := c.checker
	if checker == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := []availability.Option{
			availability.WithTimeout(cfg.Docker.ProbeTimeout),
			availability.WithDockerBinary(cfg.Docker.Binary),
		}
		if bin, err := newLocator(cfg.LiveCheck).Locate(ctx); err == nil {
			opts = append(opts, availability.WithValidationBinary(bin))
		}
		checker = availability.NewProber(localexec.NewProcessExecer(localexec.EmptyEnv()), opts...)
	}

	unavailable := 0
	for _, arg := range args {
		system := availability.ContainerRuntime
		if arg == "livecheck" {
			system = availability.ValidationBinary
		}
		res := checker.Check(ctx, system)
		if res.Available() {
			printField(c.out, arg, res, nil)
		} else {
			unavailable++
			printField(c.out, arg, nil, res.Err())
		}
	}

	if unavailable > 0 {
		return fmt.Errorf("%d of %d unavailable", unavailable, len(args))
	}
	return nil
}
