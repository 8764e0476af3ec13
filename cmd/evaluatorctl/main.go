package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/infra/bus"
	"github.com/cordum/evaluator/core/infra/config"
	"github.com/cordum/evaluator/core/infra/pg"
	"github.com/cordum/evaluator/core/infra/redisutil"
)

// Publisher sends events to the bus. *bus.NatsBus implements it.
type Publisher interface {
	Publish(subject string, evt *bus.Event) error
	Close()
}

// app holds connection settings and the factories commands use to reach the
// backends, so tests can swap them.
type app struct {
	cfg *config.Config

	dialBus   func(url string) (Publisher, error)
	openRedis func(ctx context.Context, url string) (redis.UniversalClient, error)
	openDB    func(ctx context.Context, url string) (*sql.DB, error)
}

func newApp() *app {
	return &app{
		cfg: config.Load(),
		dialBus: func(url string) (Publisher, error) {
			return bus.NewNatsBus(url)
		},
		openRedis: redisutil.Connect,
		openDB: func(ctx context.Context, url string) (*sql.DB, error) {
			return pg.Open(ctx, url, pg.DefaultOptions())
		},
	}
}

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "evaluatorctl",
		Short:        "Operate the attempt evaluator",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.NatsURL, "nats-url", a.cfg.NatsURL, "NATS server URL")
	flags.StringVar(&a.cfg.RedisURL, "redis-url", a.cfg.RedisURL, "Redis URL")
	flags.StringVar(&a.cfg.DatabaseURL, "database-url", a.cfg.DatabaseURL, "Postgres URL")

	root.AddCommand(
		newSubmitCmd(a),
		newJobCmd(a),
		newCostsCmd(a),
		newNotificationsCmd(a),
		newDeadLettersCmd(a),
	)
	return root
}

func (a *app) withRedis(ctx context.Context, fn func(redis.UniversalClient) error) error {
	client, err := a.openRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()
	return fn(client)
}

func (a *app) withDB(ctx context.Context, fn func(*sql.DB) error) error {
	db, err := a.openDB(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	return fn(db)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
