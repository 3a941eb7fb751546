package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"background-job-queue/internal/bootstrap"
	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/models"
	"background-job-queue/internal/store"
)

// session is an open store and queue for one command invocation.
type session struct {
	queue *jobqueue.Queue
	store bootstrap.Store
	// release runs after the queue has closed the store and index.
	release func() error
}

func (s *session) Close() error {
	err := s.queue.Stop(context.Background(), jobqueue.StopOptions{})
	if s.release != nil {
		if rerr := s.release(); err == nil {
			err = rerr
		}
	}
	return err
}

type opener func(ctx context.Context) (*session, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and operate the background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrateCmd(open),
		enqueueCmd(open),
		getCmd(open),
		cancelCmd(open),
		listCmd(open),
		statsCmd(open),
		auditCmd(open),
	)
	return root
}

// withSession opens a session, runs fn and closes it.
func withSession(cmd *cobra.Command, open opener, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := open(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)
	if err := s.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func migrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// opening a session migrates the store
			return withSession(cmd, open, func(context.Context, *session) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			})
		},
	}
}

func enqueueCmd(open opener) *cobra.Command {
	var (
		priority    int
		delay       time.Duration
		timeout     time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-json]",
		Short: "Create a job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("null")
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				job, err := s.queue.CreateJob(ctx, args[0], payload, jobqueue.JobOptions{
					Priority:    priority,
					Delay:       delay,
					Timeout:     timeout,
					MaxAttempts: maxAttempts,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "lower values run first")
	cmd.Flags().DurationVar(&delay, "delay", 0, "wait before the job becomes eligible")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default JOB_TIMEOUT)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt cap (default MAX_ATTEMPTS)")
	return cmd
}

func getCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				job, err := s.queue.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func cancelCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job that has not completed or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				job, err := s.queue.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func listCmd(open opener) *cobra.Command {
	var (
		status string
		typ    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in a status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				jobs, err := s.queue.ListJobs(ctx, models.Status(status), store.Filter{Type: typ, Limit: limit})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, j := range jobs {
					if _, err := fmt.Fprintf(w, "%s\t%s\t%s\tattempts=%d/%d\tprogress=%d\n",
						j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts, j.Progress); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.StatusFailed), "job status")
	cmd.Flags().StringVar(&typ, "type", "", "only jobs of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func statsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				stats, err := s.queue.GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func auditCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show the recorded lifecycle of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, open, func(ctx context.Context, s *session) error {
				trail, err := s.store.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, e := range trail {
					if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", e.Recorded.Format(time.RFC3339), e.Event, e.Detail); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
