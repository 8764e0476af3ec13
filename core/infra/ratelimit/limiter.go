// Package ratelimit implements a sliding-window request limiter over the
// shared cache, keyed by (class, identifier).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	component = "ratelimit"

	// ClassExpensive guards calls that hit the AI provider.
	ClassExpensive = "expensive"
	// ClassCheap guards inexpensive reads.
	ClassCheap = "cheap"
)

// ErrUnknownClass is returned when Check names a class with no rule.
var ErrUnknownClass = errors.New("ratelimit: unknown limiter class")

// slidingWindowScript prunes entries older than the window, admits the
// request if the remaining count is under the limit, and reports when the
// oldest counted entry leaves the window.
// KEYS[1] = window key
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = unique member for this request
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)

local reset = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// Rule is the budget for one limiter class.
type Rule struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// DefaultRules returns the stock classes: 10/min for expensive operations,
// 30/min for cheap ones.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassExpensive: {Limit: 10, Window: time.Minute},
		ClassCheap:     {Limit: 30, Window: time.Minute},
	}
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Metrics records denials and fail-open decisions.
type Metrics interface {
	IncRateLimited(class string)
	IncFailOpen(component string)
}

// Limiter checks requests against per-class sliding windows.
type Limiter struct {
	client     redis.UniversalClient
	rules      map[string]Rule
	failClosed bool
	metrics    Metrics
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailClosed denies every request while the cache is unreachable.
func WithFailClosed(failClosed bool) Option {
	return func(l *Limiter) { l.failClosed = failClosed }
}

// WithMetrics attaches a recorder.
func WithMetrics(m Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a limiter. A nil or empty rules map uses DefaultRules.
func New(client redis.UniversalClient, rules map[string]Rule, opts ...Option) *Limiter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make(map[string]Rule, len(rules))
	for class, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		normalized[strings.ToLower(strings.TrimSpace(class))] = rule
	}
	l := &Limiter{client: client, rules: normalized, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the configured rule for class.
func (l *Limiter) Rule(class string) (Rule, bool) {
	rule, ok := l.rules[strings.ToLower(strings.TrimSpace(class))]
	return rule, ok
}

// Check counts a request for identifier against class. When the cache is
// unreachable it fails open: allowed, with the full budget remaining.
func (l *Limiter) Check(ctx context.Context, class, identifier string) (Result, error) {
	rule, ok := l.Rule(class)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = "anonymous"
	}
	now := l.now()
	if l.client == nil {
		return l.degrade(ctx, class, identifier, rule, now, errors.New("no cache client")), nil
	}

	res, err := slidingWindowScript.Run(ctx, l.client, []string{windowKey(class, identifier)},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.Limit,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return l.degrade(ctx, class, identifier, rule, now, err), nil
	}
	if len(res) != 3 {
		return l.degrade(ctx, class, identifier, rule, now, fmt.Errorf("unexpected script reply %v", res)), nil
	}

	out := Result{
		Allowed:   res[0] == 1,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(res[1]),
		ResetAt:   time.UnixMilli(res[2]).UTC(),
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if !out.Allowed {
		logging.InfoContext(ctx, component, "request denied", "class", class, "identifier", identifier, "reset_at", out.ResetAt)
		if l.metrics != nil {
			l.metrics.IncRateLimited(class)
		}
	}
	return out, nil
}

func (l *Limiter) degrade(ctx context.Context, class, identifier string, rule Rule, now time.Time, cause error) Result {
	reset := now.Add(rule.Window).UTC()
	if l.failClosed {
		logging.ErrorContext(ctx, component, "cache unavailable, denying request", "class", class, "identifier", identifier, "error", cause)
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: reset}
	}
	logging.WarnContext(ctx, component, "cache unavailable, allowing request", "class", class, "identifier", identifier, "error", cause)
	if l.metrics != nil {
		l.metrics.IncFailOpen(component)
	}
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: reset}
}

func windowKey(class, identifier string) string {
	return "ratelimit:" + strings.ToLower(class) + ":" + identifier
}
