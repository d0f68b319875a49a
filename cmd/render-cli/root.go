package main

import (
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/config"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagConfig  = "config"
	flagVerbose = "verbose"
	flagNatsURL = "nats-url"
)

// Flag descriptions.
const (
	flagConfigDesc  = "Path to a TOML config file (defaults to the central configurator)"
	flagVerboseDesc = "Enable verbose logging"
	flagNatsURLDesc = "NATS server URL, overriding the configured one"
)

// File names.
const (
	logFileNameDefault = "render-cli.log"
	logFileNameVerbose = "render-cli-verbose.log"
)

// rootOptions holds the persistent flag values shared by every subcommand.
type rootOptions struct {
	configPath string
	verbose    bool
	natsURL    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "render-cli",
		Short:         "Render speech locally or query a running voice render service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, flagConfig, "", flagConfigDesc)
	cmd.PersistentFlags().BoolVar(&opts.verbose, flagVerbose, false, flagVerboseDesc)
	cmd.PersistentFlags().StringVar(&opts.natsURL, flagNatsURL, "", flagNatsURLDesc)

	cmd.AddCommand(
		newRenderCommand(opts),
		newStatusCommand(opts),
		newStopCommand(opts),
		newGPUCommand(opts),
		newHistoryCommand(opts),
	)

	return cmd
}

// setup loads the configuration and opens the client log.
func setup(opts *rootOptions) (*config.Config, *logger.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
	}

	logFileName := logFileNameDefault
	if opts.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, log, nil
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFile(opts.configPath)
	}

	bootstrapLog, err := logger.New(os.TempDir(), logFileNameDefault)
	if err != nil {
		return nil, err
	}
	defer bootstrapLog.Close()

	return config.Load(bootstrapLog)
}
