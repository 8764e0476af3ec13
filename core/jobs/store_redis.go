package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	storeComponent = "jobstore"

	jobMetaKeyPrefix     = "job:meta:"
	jobMemoKeyPrefix     = "job:memo:"
	jobAttemptsKeyPrefix = "job:step_attempts:"
	jobIndexKeyPrefix    = "job:index:"

	fieldWorkflow   = "workflow"
	fieldVersion    = "version"
	fieldPayload    = "payload"
	fieldStatus     = "status"
	fieldAttempts   = "attempts"
	fieldTraceID    = "trace_id"
	fieldLastError  = "last_error"
	fieldHalted     = "halted"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
	fieldFinishedAt = "finished_at"

	defaultRetention = 30 * 24 * time.Hour
)

// Store persists jobs and their step memo tables.
type Store interface {
	// Create stores job unless a job with the same id exists. It reports
	// whether the job was created.
	Create(ctx context.Context, job *Job) (bool, error)
	Get(ctx context.Context, id string) (*Job, error)
	SetStatus(ctx context.Context, id string, status Status, lastError string) error
	MarkHalted(ctx context.Context, id string) error
	IncrAttempts(ctx context.Context, id string) (int, error)
	IncrStepAttempt(ctx context.Context, id, step string) (int, error)
	// Memoize records a step result. An existing memo is never overwritten;
	// the return value reports whether this call wrote it.
	Memoize(ctx context.Context, id, step string, res StepResult) (bool, error)
	ListByStatus(ctx context.Context, status Status, limit int64) ([]*Job, error)
}

// RedisStore implements Store on Redis hashes with a sorted-set index per status.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// StoreOption configures a RedisStore.
type StoreOption func(*RedisStore)

// WithRetention sets how long succeeded jobs are kept. Zero keeps them
// forever. Failed-terminal jobs never expire.
func WithRetention(d time.Duration) StoreOption {
	return func(s *RedisStore) { s.retention = d }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore builds a job store on client.
func NewRedisStore(client redis.UniversalClient, opts ...StoreOption) *RedisStore {
	s := &RedisStore{client: client, retention: defaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("job id required")
	}
	metaKey := jobMetaKey(job.ID)
	created := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := s.now().UTC()
		job.Status = StatusPending
		job.CreatedAt = now
		job.UpdatedAt = now

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, map[string]any{
			fieldWorkflow:  job.Workflow,
			fieldVersion:   job.WorkflowVersion,
			fieldPayload:   string(job.Payload),
			fieldStatus:    string(StatusPending),
			fieldAttempts:  0,
			fieldTraceID:   job.TraceID,
			fieldCreatedAt: now.UnixMilli(),
			fieldUpdatedAt: now.UnixMilli(),
		})
		pipe.ZAdd(ctx, statusIndexKey(StatusPending), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		created = true
		return nil
	}, metaKey)
	return created, err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, jobMetaKey(id))
	memoCmd := pipe.HGetAll(ctx, jobMemoKey(id))
	attemptsCmd := pipe.HGetAll(ctx, jobAttemptsKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job := &Job{
		ID:        id,
		Workflow:  meta[fieldWorkflow],
		Payload:   json.RawMessage(meta[fieldPayload]),
		Status:    Status(meta[fieldStatus]),
		TraceID:   meta[fieldTraceID],
		LastError: meta[fieldLastError],
		Halted:    meta[fieldHalted] == "1",
		CreatedAt: parseMillis(meta[fieldCreatedAt]),
		UpdatedAt: parseMillis(meta[fieldUpdatedAt]),
	}
	job.WorkflowVersion, _ = strconv.Atoi(meta[fieldVersion])
	job.Attempts, _ = strconv.Atoi(meta[fieldAttempts])
	if raw := meta[fieldFinishedAt]; raw != "" {
		t := parseMillis(raw)
		job.FinishedAt = &t
	}

	if memo := memoCmd.Val(); len(memo) > 0 {
		job.Memo = make(map[string]StepResult, len(memo))
		for step, raw := range memo {
			var res StepResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, fmt.Errorf("decode memo %s/%s: %w", id, step, err)
			}
			job.Memo[step] = res
		}
	}
	if attempts := attemptsCmd.Val(); len(attempts) > 0 {
		job.StepAttempts = make(map[string]int, len(attempts))
		for step, raw := range attempts {
			job.StepAttempts[step], _ = strconv.Atoi(raw)
		}
	}
	return job, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, status Status, lastError string) error {
	if id == "" || !status.Valid() {
		return fmt.Errorf("invalid job id or status")
	}
	metaKey := jobMetaKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, metaKey, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		prevStatus := Status(prev)
		if !isAllowedTransition(prevStatus, status) {
			return fmt.Errorf("invalid transition %s -> %s", prevStatus, status)
		}

		now := s.now().UTC().UnixMilli()
		fields := map[string]any{
			fieldStatus:    string(status),
			fieldUpdatedAt: now,
			fieldLastError: lastError,
		}
		if status.Terminal() {
			fields[fieldFinishedAt] = now
		}
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, fields)
		if prevStatus != status {
			pipe.ZRem(ctx, statusIndexKey(prevStatus), id)
		}
		pipe.ZAdd(ctx, statusIndexKey(status), redis.Z{Score: float64(now), Member: id})
		if status == StatusSucceeded && s.retention > 0 {
			pipe.Expire(ctx, metaKey, s.retention)
			pipe.Expire(ctx, jobMemoKey(id), s.retention)
			pipe.Expire(ctx, jobAttemptsKey(id), s.retention)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, metaKey)
}

func (s *RedisStore) MarkHalted(ctx context.Context, id string) error {
	return s.client.HSet(ctx, jobMetaKey(id), fieldHalted, "1").Err()
}

func (s *RedisStore) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := s.client.HIncrBy(ctx, jobMetaKey(id), fieldAttempts, 1).Result()
	return int(n), err
}

func (s *RedisStore) IncrStepAttempt(ctx context.Context, id, step string) (int, error) {
	n, err := s.client.HIncrBy(ctx, jobAttemptsKey(id), step, 1).Result()
	return int(n), err
}

func (s *RedisStore) Memoize(ctx context.Context, id, step string, res StepResult) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode memo %s/%s: %w", id, step, err)
	}
	return s.client.HSetNX(ctx, jobMemoKey(id), step, raw).Result()
}

// ListByStatus returns up to limit jobs in status, least recently updated first.
func (s *RedisStore) ListByStatus(ctx context.Context, status Status, limit int64) ([]*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %s", status)
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, statusIndexKey(status), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			logging.WarnContext(ctx, storeComponent, "dropping index entry for missing job", "job_id", id, "status", status)
			_ = s.client.ZRem(ctx, statusIndexKey(status), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func jobMetaKey(id string) string {
	return jobMetaKeyPrefix + id
}

func jobMemoKey(id string) string {
	return jobMemoKeyPrefix + id
}

func jobAttemptsKey(id string) string {
	return jobAttemptsKeyPrefix + id
}

func statusIndexKey(status Status) string {
	return jobIndexKeyPrefix + string(status)
}
