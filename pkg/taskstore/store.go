// Package taskstore provides low-latency, TTL-bounded storage for live task
// state on Redis: task records, per-stage results, adaptive recommendations,
// progress and ReAct streams, and pub/sub fan-out.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/master-control/mcp/pkg/models"
)

// ErrTaskNotFound is returned when a task record is absent or expired.
var ErrTaskNotFound = errors.New("task not found")

// ErrStageResultNotFound is returned when a stage result key is absent.
var ErrStageResultNotFound = errors.New("stage result not found")

// Key layout. All keys carry the task TTL, refreshed on every write, so a
// live task never expires mid-flight and a dead one vanishes on its own.
func taskKey(taskID string) string           { return "task:" + taskID }
func progressStreamKey(taskID string) string { return "stream.progress:" + taskID }
func reactStreamKey(taskID string) string    { return "stream.react:" + taskID }
func adaptiveKey(taskID string) string       { return "adaptive:" + taskID }
func userTasksKey(userID string) string      { return "user_tasks:" + userID }

func stageResultKey(taskID, stage string) string {
	return fmt.Sprintf("stage_result:%s:%s", taskID, stage)
}

// streamMaxLen keeps roughly the last 100 entries of each per-task stream.
const streamMaxLen = 100

// userTasksMaxLen bounds the per-user recent-task index.
const userTasksMaxLen = 50

// Store is the Redis-backed task store. Safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// TTL applied to every task-scoped key, refreshed on write.
	TTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{rdb: rdb, ttl: cfg.TTL}, nil
}

// NewFromClient wraps an existing Redis client (useful for testing).
func NewFromClient(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Client exposes the underlying Redis client for components that share the
// connection (the broker's event bus).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// CreateTask mints a task id and writes the initial record: in_progress,
// first stage current, zero progress. It also indexes the task for
// ListUserTasks.
func (s *Store) CreateTask(ctx context.Context, userID, query string, plan []string, templateName string) (*models.TaskRecord, error) {
	if len(plan) == 0 {
		return nil, fmt.Errorf("create task: empty plan")
	}
	now := time.Now().UTC()
	record := &models.TaskRecord{
		TaskID:             uuid.NewString(),
		UserID:             userID,
		Query:              query,
		TemplateName:       templateName,
		Plan:               append([]string(nil), plan...),
		CurrentStage:       plan[0],
		CompletedStages:    []string{},
		Status:             models.TaskStatusInProgress,
		ProgressPercentage: 0,
		PerStageResults:    map[string]json.RawMessage{},
		StartedAt:          now,
		UpdatedAt:          now,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal task record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(record.TaskID), data, s.ttl)
	pipe.LPush(ctx, userTasksKey(userID), record.TaskID)
	pipe.LTrim(ctx, userTasksKey(userID), 0, userTasksMaxLen-1)
	pipe.Expire(ctx, userTasksKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store task record: %w", err)
	}
	return record, nil
}

// GetTask fetches the live record, or ErrTaskNotFound once it has expired.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var record models.TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &record, nil
}

// UpdateTask applies a read-modify-write to the record and refreshes its TTL.
// The record has a single writer (the task's coordinator goroutine), so plain
// last-write-wins is sufficient. UpdatedAt is stamped here.
func (s *Store) UpdateTask(ctx context.Context, taskID string, update func(*models.TaskRecord) error) (*models.TaskRecord, error) {
	record, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := update(record); err != nil {
		return nil, err
	}
	record.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal task record: %w", err)
	}
	if err := s.rdb.Set(ctx, taskKey(taskID), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	return record, nil
}

// PutStageResult stores a stage's structured result under its own key.
func (s *Store) PutStageResult(ctx context.Context, taskID, stage string, result json.RawMessage) error {
	if err := s.rdb.Set(ctx, stageResultKey(taskID, stage), []byte(result), s.ttl).Err(); err != nil {
		return fmt.Errorf("put stage result %s/%s: %w", taskID, stage, err)
	}
	return nil
}

// GetStageResult fetches a stage's structured result.
func (s *Store) GetStageResult(ctx context.Context, taskID, stage string) (json.RawMessage, error) {
	data, err := s.rdb.Get(ctx, stageResultKey(taskID, stage)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStageResultNotFound
		}
		return nil, fmt.Errorf("get stage result %s/%s: %w", taskID, stage, err)
	}
	return json.RawMessage(data), nil
}

// PutRecommendations stashes the adaptive block fetched at task creation.
func (s *Store) PutRecommendations(ctx context.Context, taskID string, recs *models.Recommendations) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	if err := s.rdb.Set(ctx, adaptiveKey(taskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put recommendations %s: %w", taskID, err)
	}
	return nil
}

// GetRecommendations returns the stashed adaptive block, or defaults when
// the key has expired.
func (s *Store) GetRecommendations(ctx context.Context, taskID string) (*models.Recommendations, error) {
	data, err := s.rdb.Get(ctx, adaptiveKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.DefaultRecommendations(), nil
		}
		return nil, fmt.Errorf("get recommendations %s: %w", taskID, err)
	}
	var recs models.Recommendations
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode recommendations %s: %w", taskID, err)
	}
	return &recs, nil
}

// ListUserTasks returns the user's most recent task ids, newest first.
func (s *Store) ListUserTasks(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 || limit > userTasksMaxLen {
		limit = userTasksMaxLen
	}
	ids, err := s.rdb.LRange(ctx, userTasksKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user tasks %s: %w", userID, err)
	}
	return ids, nil
}
