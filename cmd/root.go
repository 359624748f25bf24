// Package cmd implements the deal-automation command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/config"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const defaultConfigPath = "config.yml"

var (
	// cfgFile overrides CONFIG_PATH when set.
	cfgFile string

	// debug forces debug logging and gin debug mode.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "deal-automation",
		Short: "Batches automation rules into quota-aware provider fetches",
		Long: `deal-automation schedules due automation rules into per-category jobs,
spends provider tokens through a shared bucket and publishes matched deals.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveAll)
		},
	}
)

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_PATH or ./config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug mode")

	rootCmd.AddCommand(
		serveCommand(),
		workerCommand(),
		apiCommand(),
		runRuleCommand(),
		statusCommand(),
		migrateCommand(),
		versionCommand(),
	)
}

// loadConfig reads and validates configuration, applying --debug.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.GetConfigPath(defaultConfigPath)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Service.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		logger.String("service", cfg.Service.Name),
		logger.String("version", cfg.Service.Version),
	), nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.GetConfigPath(defaultConfigPath))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", cfg.Service.Name, cfg.Service.Version)
			return nil
		},
	}
}
