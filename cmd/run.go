package cmd

import (
	"github.com/spf13/cobra"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor HTTP API",
		Long: `Serves the job API on server.port. The stale-job reaper runs alongside
it when server.run_reaper is set. Without a database DSN the workers run in
this process too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Serve(cmd.Context(), version)
		},
	}
}

func (c *cli) newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run worker loops that claim and execute queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Work(cmd.Context(), version)
		},
	}
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Migrate(cmd.Context())
		},
	}
}
