package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/infra/deadletter"
)

func newDeadLettersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect events rejected at ingress",
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List rejected events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRedis(cmd.Context(), func(client redis.UniversalClient) error {
				entries, err := deadletter.NewStore(client).List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries to list")

	del := &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Remove a rejected event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRedis(cmd.Context(), func(client redis.UniversalClient) error {
				return deadletter.NewStore(client).Delete(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}
