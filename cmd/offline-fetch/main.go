package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	config  string
	verbose bool
	logFile string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "offline-fetch",
		Short:        "Requests that survive going offline",
		Long:         "offline-fetch sends JSON requests through a cache and background sync pipeline, and runs the sync agent that queues them while the origin is unreachable.",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flags)
		},
	}

	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Verbosity: trace logging")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Log file to use (in addition to stderr)")

	root.AddCommand(newAgentCmd(flags))
	root.AddCommand(newRequestCmd(flags))

	return root
}

func setupLogging(flags *globalFlags) error {
	logLevel := zerolog.DebugLevel
	if flags.verbose {
		logLevel = zerolog.TraceLevel
	}

	// log to stderr, and to the log file if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if flags.logFile != "" {
		logFileOutput, err := os.OpenFile(flags.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()
	return nil
}
