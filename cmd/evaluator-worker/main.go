package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/evaluator/core/ai"
	"github.com/cordum/evaluator/core/evaluation"
	"github.com/cordum/evaluator/core/infra/buildinfo"
	"github.com/cordum/evaluator/core/infra/bus"
	"github.com/cordum/evaluator/core/infra/config"
	"github.com/cordum/evaluator/core/infra/deadletter"
	"github.com/cordum/evaluator/core/infra/locks"
	"github.com/cordum/evaluator/core/infra/logging"
	"github.com/cordum/evaluator/core/infra/metrics"
	"github.com/cordum/evaluator/core/infra/pg"
	"github.com/cordum/evaluator/core/infra/ratelimit"
	"github.com/cordum/evaluator/core/infra/redisutil"
	"github.com/cordum/evaluator/core/jobs"
	"github.com/cordum/evaluator/core/metering"
	"github.com/cordum/evaluator/core/notify"
)

const component = "evaluator-worker"

func main() {
	logging.Info(component, "starting")
	buildinfo.Log(component)

	cfg := config.Load()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	runnerCfg, err := config.LoadRunner(cfg.RunnerConfigPath)
	if err != nil {
		logging.Warn(component, "using default runner config", "path", cfg.RunnerConfigPath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewProm("evaluator")
	srv := metricsServer(cfg.MetricsAddr)
	go func() {
		logging.Info(component, "metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	client, err := redisutil.Connect(ctx, cfg.RedisURL)
	if err != nil {
		fatal("connect redis", err)
	}
	defer client.Close()

	db, err := pg.Open(ctx, cfg.DatabaseURL, pg.DefaultOptions())
	if err != nil {
		fatal("connect postgres", err)
	}
	defer db.Close()
	if err := migrate(ctx, db); err != nil {
		fatal("migrate postgres", err)
	}

	runner, limiter := buildRunner(cfg, runnerCfg, client, db, prom)
	defer runner.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		fatal("connect nats", err)
	}

	ingress := evaluation.NewIngress(runner, limiter, evaluation.WithDeadLetters(deadletter.NewStore(client)))
	if err := natsBus.Subscribe(cfg.IngressSubject, cfg.IngressQueue, ingress.Handle); err != nil {
		fatal("subscribe ingress", err)
	}

	reconciler := jobs.NewReconciler(jobs.NewRedisStore(client), runner,
		runnerCfg.Reconcile.StaleAfter, runnerCfg.Reconcile.Interval)
	go reconciler.Start(ctx)

	logging.Info(component, "running, waiting for signals", "subject", cfg.IngressSubject, "queue", cfg.IngressQueue)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info(component, "shutting down")

	// intake stops before the runner drains
	natsBus.Close()
	cancel()
	runner.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(component, "metrics server shutdown", "error", err)
	}
}

func fatal(msg string, err error) {
	logging.Error(component, msg, "error", err)
	os.Exit(1)
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	var all []pg.Migration
	all = append(all, metering.Migrations()...)
	all = append(all, notify.Migrations()...)
	all = append(all, evaluation.Migrations()...)
	return pg.Migrate(ctx, db, all...)
}

func rateRules(cfg *config.RunnerConfig) map[string]ratelimit.Rule {
	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for class, rl := range cfg.RateLimits {
		rules[class] = ratelimit.Rule{Limit: rl.Limit, Window: rl.Window}
	}
	return rules
}

// buildRunner wires the job runner and registers the attempt/evaluate
// workflow with its collaborators.
func buildRunner(cfg *config.Config, runnerCfg *config.RunnerConfig, client redis.UniversalClient, db *sql.DB, prom *metrics.Prom) (*jobs.Runner, *ratelimit.Limiter) {
	mutex := locks.NewMutex(client,
		locks.WithDefaultTTL(runnerCfg.Locks.TTL),
		locks.WithFailClosed(runnerCfg.FailClosed),
		locks.WithMetrics(prom),
	)
	limiter := ratelimit.New(client, rateRules(runnerCfg),
		ratelimit.WithFailClosed(runnerCfg.FailClosed),
		ratelimit.WithMetrics(prom),
	)

	evaluator := ai.Traced(ai.NewHTTPClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel,
		ai.WithRateLimit(cfg.AIRPS, 1)))
	meter := metering.Traced(metering.NewService(metering.NewPostgresStore(db)))
	notifier := notify.Traced(notify.NewService(
		notify.NewPostgresStore(db),
		notify.NewRedisCounter(client, runnerCfg.Notifications.UnreadTTL),
		notify.WithMetrics(prom),
	))

	runner := jobs.NewRunner(jobs.NewRedisStore(client), mutex,
		jobs.WithConfig(runnerCfg),
		jobs.WithMetrics(prom),
		jobs.WithLockTTL(runnerCfg.Locks.TTL),
	)
	err := runner.Register(evaluation.NewWorkflow(evaluation.Deps{
		Evaluator:            evaluator,
		Results:              evaluation.NewPostgresResultStore(db),
		Meter:                meter,
		Notifier:             notifier,
		CreditsPerEvaluation: 1,
	}))
	if err != nil {
		fatal("register workflow", err)
	}
	return runner, limiter
}
