package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/jobs"
)

func newJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job record with its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRedis(cmd.Context(), func(client redis.UniversalClient) error {
				job, err := jobs.NewRedisStore(client).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	var (
		status string
		limit  int64
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in a status, least recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := jobs.Status(status)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return a.withRedis(cmd.Context(), func(client redis.UniversalClient) error {
				list, err := jobs.NewRedisStore(client).ListByStatus(cmd.Context(), st, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summarizeJobs(list))
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(jobs.StatusFailedTerminal), "job status")
	list.Flags().Int64Var(&limit, "limit", 50, "maximum jobs to list")

	cmd.AddCommand(get, list)
	return cmd
}

type jobSummary struct {
	ID        string      `json:"id"`
	Workflow  string      `json:"workflow"`
	Status    jobs.Status `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

func summarizeJobs(list []*jobs.Job) []jobSummary {
	out := make([]jobSummary, 0, len(list))
	for _, j := range list {
		out = append(out, jobSummary{
			ID:        j.ID,
			Workflow:  j.Workflow,
			Status:    j.Status,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			UpdatedAt: j.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return out
}
