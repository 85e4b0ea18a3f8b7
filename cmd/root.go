// Package cmd implements the clipqueue command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/config"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/logging"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/server"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/supervisor"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// Control is the job control surface the subcommands drive.
type Control interface {
	Enqueue(ctx context.Context, req supervisor.EnqueueRequest) (jobs.Job, error)
	GetJob(ctx context.Context, jobID string) (jobs.Job, error)
	ListJobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error)
	RequestCancel(ctx context.Context, jobID string) (jobs.Job, error)
	StreamLogs(ctx context.Context, jobID string, after int64, limit int) ([]jobs.LogEntry, error)
	FollowLogs(ctx context.Context, jobID string, after int64, poll time.Duration, emit func([]jobs.LogEntry) error) error
	ListWorkers(ctx context.Context) ([]jobs.WorkerLease, error)
	GetRetry(ctx context.Context, entityKey string) (retry.Record, error)
	ResetRetry(ctx context.Context, entityKey string) (bool, error)
}

// App is what the commands need from the assembled application. Tests swap
// in a fake through the factory passed to newRootCmd.
type App interface {
	Control() Control
	Serve(ctx context.Context, version string) error
	Work(ctx context.Context, version string) error
	Migrate(ctx context.Context) error
	Close(ctx context.Context)
}

// Factory builds an App from loaded configuration.
type Factory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

type serverApp struct{ *server.App }

func (a serverApp) Control() Control { return a.Supervisor() }

func defaultFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

// cli carries state shared by every subcommand once the root pre-run hook
// has built the application.
type cli struct {
	cfgFile string
	factory Factory
	cfg     config.Config
	logger  *zap.Logger
	app     App
}

func newRootCmd(factory Factory) *cobra.Command {
	c := &cli{factory: factory, logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "clipqueue",
		Short: "Background job queue for media clip discovery.",
		Long: `clipqueue runs media clip discovery jobs for vehicle loans.

A supervisor enqueues jobs and serves the HTTP API, workers claim queued
jobs and run the discovery engine, and every job streams a durable log.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if c.app != nil {
				c.app.Close(context.WithoutCancel(cmd.Context()))
			}
			_ = c.logger.Sync()
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars prefixed CLIPQUEUE_ override it")

	cmd.AddCommand(
		c.newServeCmd(),
		c.newWorkCmd(),
		c.newMigrateCmd(),
		c.newEnqueueCmd(),
		c.newListCmd(),
		c.newStatusCmd(),
		c.newCancelCmd(),
		c.newLogsCmd(),
		c.newWorkersCmd(),
		c.newRetryCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger

	app, err := c.factory(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.app = app
	return nil
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(defaultFactory).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "clipqueue:", err)
		os.Exit(1)
	}
}
