package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/tilt-dev/testrig/internal/orchestrator"
)

type sweepCmd struct {
	out    io.Writer
	minAge time.Duration
	dryRun bool

	orc *orchestrator.Orchestrator
}

func newSweepCmd() *sweepCmd {
	return &sweepCmd{out: os.Stdout}
}

func (c *sweepCmd) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove containers left behind by crashed test runs",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().DurationVar(&c.minAge, "older-than", time.Hour, "Only remove containers at least this old (0 removes all; unsafe while tests run)")
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "List orphans without removing them")
	return cmd
}

func (c *sweepCmd) run(ctx context.Context, args []string) error {
	orc := c.orc
	if orc == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		orc = newOrchestrator(ctx, cfg)
	}

	if c.dryRun {
		orphans, err := orc.FindOrphans(ctx, c.minAge)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, o := range orphans {
			_, _ = fmt.Fprintf(c.out, "%s\t%s\tsession %s\tcreated %s ago\n",
				o.ID.ShortStr(), o.Name, o.Session, units.HumanDuration(now.Sub(o.Created)))
		}
		_, _ = fmt.Fprintf(c.out, "%d orphan(s)\n", len(orphans))
		return nil
	}

	removed, err := orc.SweepOrphans(ctx, c.minAge)
	_, _ = fmt.Fprintf(c.out, "removed %d orphan(s)\n", len(removed))
	return err
}
