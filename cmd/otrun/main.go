package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/execution-hub/otrun/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the streams and global flags shared by subcommands.
type cli struct {
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	envFile string
	verbose bool
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "otrun",
		Short:         "Run protocol sequences on an Opentrons robot",
		Long:          "otrun uploads protocols to an Opentrons robot one at a time, waits for each run to finish, and stops at the first failure.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "load environment variables from this file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(c.runCommand())
	root.AddCommand(c.renderCommand())
	root.AddCommand(c.pingCommand())
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.envFile != "" {
		return config.Load(c.envFile)
	}
	return config.Load()
}

func (c *cli) logger(cfg *config.Config) zerolog.Logger {
	level := cfg.LogLevel
	if c.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: c.errOut, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}
