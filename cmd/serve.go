package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/app"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/profiling"
)

const shutdownTimeout = 30 * time.Second

// serveMode selects which halves of the process run.
type serveMode int

const (
	serveAll serveMode = iota
	serveWorker
	serveAPI
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveAll)
		},
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the scheduler and worker loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveWorker)
		},
	}
}

func apiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveAPI)
		},
	}
}

func runServe(ctx context.Context, mode serveMode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	profiler, err := profiling.Start(cfg.Service.Name, profiling.FromEnv(cfg.Service.Version), log)
	if err != nil {
		log.Warn("Profiling disabled", logger.Error(err))
	}
	defer func() {
		if stopErr := profiler.Stop(); stopErr != nil {
			log.Warn("Failed to stop profiler", logger.Error(stopErr))
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if mode != serveAPI {
		if err = a.Service.Start(ctx); err != nil {
			return fmt.Errorf("start worker service: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.Service.Stop(stopCtx)
		}()
	}

	if mode == serveWorker {
		log.Info("Worker running, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	srv := a.HTTPServer()
	if err = srv.RunWithGracefulShutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
