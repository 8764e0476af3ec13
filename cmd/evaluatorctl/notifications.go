package main

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/infra/config"
	"github.com/cordum/evaluator/core/notify"
)

func newNotificationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Inspect a user's notifications",
	}

	var (
		cursor string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List notifications, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNotifier(cmd.Context(), func(svc *notify.Service) error {
				page, err := svc.List(cmd.Context(), args[0], cursor, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), page)
			})
		},
	}
	list.Flags().StringVar(&cursor, "cursor", "", "next_cursor from a previous page")
	list.Flags().IntVar(&limit, "limit", 20, "page size")

	unread := &cobra.Command{
		Use:   "unread <user-id>",
		Short: "Print the unread count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNotifier(cmd.Context(), func(svc *notify.Service) error {
				n, err := svc.UnreadCount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": args[0], "unread": n})
			})
		},
	}

	readAll := &cobra.Command{
		Use:   "read-all <user-id>",
		Short: "Mark every notification of a user as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withNotifier(cmd.Context(), func(svc *notify.Service) error {
				return svc.MarkAllRead(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(list, unread, readAll)
	return cmd
}

func (a *app) withNotifier(ctx context.Context, fn func(*notify.Service) error) error {
	return a.withDB(ctx, func(db *sql.DB) error {
		return a.withRedis(ctx, func(client redis.UniversalClient) error {
			ttl := config.DefaultRunner().Notifications.UnreadTTL
			return fn(notify.NewService(notify.NewPostgresStore(db), notify.NewRedisCounter(client, ttl)))
		})
	})
}
