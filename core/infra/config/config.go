package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultDatabaseURL   = "postgres://localhost:5432/evaluator?sslmode=disable"
	defaultAIBaseURL     = "https://api.openai.com/v1"
	defaultAIModel       = "gpt-4o-mini"
	defaultAIRPS         = 5.0
	defaultRunnerConfig  = "config/runner.yaml"
	defaultMetricsAddr   = ":9090"
	defaultIngressSubj   = "attempt.evaluate"
	envNATSURL           = "NATS_URL"
	envRedisURL          = "REDIS_URL"
	envDatabaseURL       = "DATABASE_URL"
	envAIBaseURL         = "AI_BASE_URL"
	envAIAPIKey          = "AI_API_KEY"
	envAIModel           = "AI_MODEL"
	envAIRPS             = "AI_RPS"
	envRunnerConfigPath  = "RUNNER_CONFIG_PATH"
	envMetricsAddr       = "METRICS_ADDR"
	envLogLevel          = "LOG_LEVEL"
	envIngressSubject    = "INGRESS_SUBJECT"
	envIngressQueueGroup = "INGRESS_QUEUE_GROUP"
)

// Config holds runtime configuration for the evaluator processes.
type Config struct {
	NatsURL          string
	RedisURL         string
	DatabaseURL      string
	AIBaseURL        string
	AIAPIKey         string
	AIModel          string
	AIRPS            float64
	RunnerConfigPath string
	MetricsAddr      string
	LogLevel         string
	IngressSubject   string
	IngressQueue     string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		DatabaseURL:      envOr(envDatabaseURL, defaultDatabaseURL),
		AIBaseURL:        strings.TrimRight(envOr(envAIBaseURL, defaultAIBaseURL), "/"),
		AIAPIKey:         strings.TrimSpace(os.Getenv(envAIAPIKey)),
		AIModel:          envOr(envAIModel, defaultAIModel),
		AIRPS:            envFloat(envAIRPS, defaultAIRPS),
		RunnerConfigPath: envOr(envRunnerConfigPath, defaultRunnerConfig),
		MetricsAddr:      envOr(envMetricsAddr, defaultMetricsAddr),
		LogLevel:         envOr(envLogLevel, "info"),
		IngressSubject:   envOr(envIngressSubject, defaultIngressSubj),
		IngressQueue:     envOr(envIngressQueueGroup, "evaluator-workers"),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
