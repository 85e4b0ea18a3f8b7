package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/supervisor"
)

func (c *cli) newEnqueueCmd() *cobra.Command {
	var (
		jobType string
		name    string
		params  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job",
		Example: `  clipqueue enqueue --type csv_upload --params '{"url":"https://example.com/loans.csv","limit":10}'
  clipqueue enqueue --type historical_reprocessing --params @window.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readParams(params)
			if err != nil {
				return err
			}
			job, err := c.app.Control().Enqueue(cmd.Context(), supervisor.EnqueueRequest{
				Type:   jobs.Type(jobType),
				Name:   name,
				Params: raw,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type: "+joinTypes())
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to type and timestamp)")
	cmd.Flags().StringVar(&params, "params", "{}", "JSON parameters, or @path to read them from a file")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) newListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := jobs.ListFilter{Limit: limit, Offset: offset}
			if status != "" {
				s := jobs.Status(status)
				filter.Status = &s
			}
			list, err := c.app.Control().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status, progress and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.app.Control().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Request cancellation of a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.app.Control().RequestCancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func (c *cli) newLogsCmd() *cobra.Command {
	var (
		after  int64
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Print a job's log entries in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if follow {
				return c.app.Control().FollowLogs(cmd.Context(), args[0], after, c.cfg.Server.LogFollowInterval,
					func(entries []jobs.LogEntry) error { return printLogs(out, entries) })
			}
			entries, err := c.app.Control().StreamLogs(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			return printLogs(out, entries)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with a larger id")
	cmd.Flags().IntVar(&limit, "limit", supervisor.DefaultLogPage, "maximum entries without --follow")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing until the job finishes")
	return cmd
}

func (c *cli) newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List worker leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			leases, err := c.app.Control().ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), leases)
		},
	}
}

func (c *cli) newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect or reset an entity's retry record",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show ENTITY_KEY",
			Short: "Print the retry record for an entity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rec, err := c.app.Control().GetRetry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			},
		},
		&cobra.Command{
			Use:   "reset ENTITY_KEY",
			Short: "Delete the retry record so the entity is attempted again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				existed, err := c.app.Control().ResetRetry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !existed {
					fmt.Fprintf(cmd.OutOrStdout(), "no retry record for %s\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func readParams(flag string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(flag, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		flag = string(data)
	}
	if !json.Valid([]byte(flag)) {
		return nil, fmt.Errorf("%w: params are not valid JSON", jobs.ErrInvalidParams)
	}
	return json.RawMessage(flag), nil
}

func joinTypes() string {
	types := jobs.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLogs(w io.Writer, entries []jobs.LogEntry) error {
	for _, e := range entries {
		line := fmt.Sprintf("%d %s %-7s %s", e.ID, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Message)
		if len(e.Metadata) > 0 {
			meta, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode log metadata: %w", err)
			}
			line += " " + string(meta)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
