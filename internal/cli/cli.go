package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"github.com/tilt-dev/testrig/internal/config"
	"github.com/tilt-dev/testrig/pkg/logger"
)

var debug bool
var verbose bool
var configFile string

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var buildInfo = BuildInfo{Version: "dev"}

func SetBuildInfo(info BuildInfo) {
	if info.Version == "" {
		info.Version = "dev"
	}
	buildInfo = info
}

func (b BuildInfo) String() string {
	s := b.Version
	if b.Commit != "" {
		s += ", commit " + b.Commit
	}
	if b.Date != "" {
		s += ", built " + b.Date
	}
	return s
}

func logLevel() logger.Level {
	if debug {
		return logger.DebugLvl
	} else if verbose {
		return logger.VerboseLvl
	} else {
		return logger.InfoLvl
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "testrig",
		Short:   "testrig manages disposable test dependencies: containers and the telemetry live check",
		Version: buildInfo.String(),
	}

	addCommand(rootCmd, newProbeCmd())
	addCommand(rootCmd, newRunCmd())
	addCommand(rootCmd, newSweepCmd())
	addCommand(rootCmd, newLiveCheckCmd())
	addCommand(rootCmd, newValidateCmd())

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, json, or toml)")
	return rootCmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type testrigCmd interface {
	register() *cobra.Command
	run(ctx context.Context, args []string) error
}

func addCommand(parent *cobra.Command, child testrigCmd) {
	cobraChild := child.register()
	cobraChild.Run = func(_ *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ctx = logger.WithLogger(ctx, logger.NewLogger(logLevel(), colorable.NewColorableStdout()))

		err := child.run(ctx, args)
		if err != nil {
			_, err := fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if err != nil {
				panic(err)
			}
			os.Exit(1)
		}
	}

	parent.AddCommand(cobraChild)
}

func loadConfig() (config.Config, error) {
	return config.Load(config.NewViper(), configFile)
}

func printField(w io.Writer, name string, v interface{}, err error) {
	if err != nil {
		_, _ = fmt.Fprintf(w, "- %s: Error: %v\n", name, err)
	} else {
		_, _ = fmt.Fprintf(w, "- %s: %v\n", name, v)
	}
}
