// Package state projects live task state into PostgreSQL for analytics and
// post-mortem. The TaskStore stays authoritative while a task runs; rows
// here are a durable shadow that outlives the 10-minute task TTL.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/master-control/mcp/pkg/database"
	"github.com/master-control/mcp/pkg/models"
)

// ErrTaskHistoryNotFound is returned when no durable row exists for a task.
var ErrTaskHistoryNotFound = errors.New("task history not found")

// Manager owns all reads and writes against the durable store.
type Manager struct {
	client *database.Client
	logger *slog.Logger

	// StaleHeartbeatAfter marks an agent unhealthy in summaries when its
	// last heartbeat is older than this. Three missed 30s heartbeats.
	StaleHeartbeatAfter time.Duration
}

// NewManager wraps a database client.
func NewManager(client *database.Client) *Manager {
	return &Manager{
		client:              client,
		logger:              slog.With("component", "state_manager"),
		StaleHeartbeatAfter: 90 * time.Second,
	}
}

// Ping verifies the database is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.DB().PingContext(ctx)
}

// PersistTaskStart records the initial snapshot of a task. Idempotent:
// replaying the same start (dispatch retries, replica races) leaves the
// existing row untouched.
func (m *Manager) PersistTaskStart(ctx context.Context, record *models.TaskRecord) error {
	plan, err := json.Marshal(record.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	completed, err := json.Marshal(emptyIfNil(record.CompletedStages))
	if err != nil {
		return fmt.Errorf("marshal completed stages: %w", err)
	}

	_, err = m.client.DB().ExecContext(ctx, `
		INSERT INTO task_histories
			(id, user_id, query, plan, template, status, current_stage,
			 completed_stages, context, progress_percentage, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		record.TaskID, record.UserID, record.Query, plan, record.TemplateName,
		string(record.Status), nullIfEmpty(record.CurrentStage), completed,
		nullIfEmpty(record.Context), record.ProgressPercentage,
		record.StartedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist task start %s: %w", record.TaskID, err)
	}
	return nil
}

// UpdateTaskState projects the record's mutable fields over the durable row.
// Implemented as an upsert so reconciliation can heal a missing row from a
// live record.
func (m *Manager) UpdateTaskState(ctx context.Context, record *models.TaskRecord) error {
	plan, err := json.Marshal(record.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	completed, err := json.Marshal(emptyIfNil(record.CompletedStages))
	if err != nil {
		return fmt.Errorf("marshal completed stages: %w", err)
	}
	var response []byte
	if record.FinalResponse != nil {
		response, err = json.Marshal(record.FinalResponse)
		if err != nil {
			return fmt.Errorf("marshal final response: %w", err)
		}
	}

	_, err = m.client.DB().ExecContext(ctx, `
		INSERT INTO task_histories
			(id, user_id, query, plan, template, status, current_stage,
			 completed_stages, context, response, error, progress_percentage,
			 started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status              = EXCLUDED.status,
			current_stage       = EXCLUDED.current_stage,
			completed_stages    = EXCLUDED.completed_stages,
			context             = EXCLUDED.context,
			response            = EXCLUDED.response,
			error               = EXCLUDED.error,
			progress_percentage = EXCLUDED.progress_percentage,
			updated_at          = EXCLUDED.updated_at`,
		record.TaskID, record.UserID, record.Query, plan, record.TemplateName,
		string(record.Status), nullIfEmpty(record.CurrentStage), completed,
		nullIfEmpty(record.Context), nullableBytes(response),
		nullIfEmpty(record.Error), record.ProgressPercentage,
		record.StartedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task state %s: %w", record.TaskID, err)
	}
	return nil
}

// LogStageEvent appends one stage transition to the audit log.
func (m *Manager) LogStageEvent(ctx context.Context, taskID, stage, action, message string, metadata map[string]any) error {
	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal stage event metadata: %w", err)
		}
	}
	_, err := m.client.DB().ExecContext(ctx, `
		INSERT INTO task_stage_logs (task_id, stage, action, message, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		taskID, stage, action, nullIfEmpty(message), nullableBytes(meta),
	)
	if err != nil {
		return fmt.Errorf("log stage event %s/%s: %w", taskID, stage, err)
	}
	return nil
}

// RecordAgentPerformance appends one stage execution sample.
func (m *Manager) RecordAgentPerformance(ctx context.Context, sample *models.AgentPerformanceSample) error {
	var meta []byte
	if len(sample.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(sample.Metadata)
		if err != nil {
			return fmt.Errorf("marshal performance metadata: %w", err)
		}
	}
	_, err := m.client.DB().ExecContext(ctx, `
		INSERT INTO agent_performance
			(agent_name, task_id, stage, duration_ms, success, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sample.AgentName, sample.TaskID, sample.Stage, sample.DurationMS,
		sample.Success, nullIfEmpty(sample.ErrorMessage), nullableBytes(meta),
	)
	if err != nil {
		return fmt.Errorf("record agent performance %s: %w", sample.AgentName, err)
	}
	return nil
}

// UpdateAgentHealth upserts the latest heartbeat snapshot for an agent.
func (m *Manager) UpdateAgentHealth(ctx context.Context, health *models.AgentHealth) error {
	var meta []byte
	if len(health.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(health.Metadata)
		if err != nil {
			return fmt.Errorf("marshal health metadata: %w", err)
		}
	}
	_, err := m.client.DB().ExecContext(ctx, `
		INSERT INTO agent_health
			(agent_name, status, last_heartbeat, cpu_usage, memory_usage,
			 queue_size, processed_tasks, failed_tasks, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (agent_name) DO UPDATE SET
			status          = EXCLUDED.status,
			last_heartbeat  = EXCLUDED.last_heartbeat,
			cpu_usage       = EXCLUDED.cpu_usage,
			memory_usage    = EXCLUDED.memory_usage,
			queue_size      = EXCLUDED.queue_size,
			processed_tasks = EXCLUDED.processed_tasks,
			failed_tasks    = EXCLUDED.failed_tasks,
			metadata        = EXCLUDED.metadata,
			updated_at      = now()`,
		health.AgentName, string(health.Status), health.LastHeartbeat,
		health.CPUUsage, health.MemoryUsage, health.QueueSize,
		health.ProcessedTasks, health.FailedTasks, nullableBytes(meta),
	)
	if err != nil {
		return fmt.Errorf("update agent health %s: %w", health.AgentName, err)
	}
	return nil
}

// TaskHistoryEntry is one row of a user's durable task history.
type TaskHistoryEntry struct {
	TaskID             string    `json:"task_id"`
	Query              string    `json:"query"`
	Template           string    `json:"template"`
	Status             string    `json:"status"`
	CurrentStage       string    `json:"current_stage,omitempty"`
	ProgressPercentage int       `json:"progress_percentage"`
	Error              string    `json:"error,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// GetTaskHistory returns the user's most recent tasks, newest first.
func (m *Manager) GetTaskHistory(ctx context.Context, userID string, limit int) ([]TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT id, query, template, status, current_stage, progress_percentage,
		       error, started_at, updated_at
		FROM task_histories
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task history for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var currentStage, errMsg sql.NullString
		if err := rows.Scan(&e.TaskID, &e.Query, &e.Template, &e.Status,
			&currentStage, &e.ProgressPercentage, &errMsg, &e.StartedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task history row: %w", err)
		}
		e.CurrentStage = currentStage.String
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history: %w", err)
	}
	return entries, nil
}

// GetTaskRow fetches one durable row by task id.
func (m *Manager) GetTaskRow(ctx context.Context, taskID string) (*TaskHistoryEntry, error) {
	var e TaskHistoryEntry
	var currentStage, errMsg sql.NullString
	err := m.client.DB().QueryRowContext(ctx, `
		SELECT id, query, template, status, current_stage, progress_percentage,
		       error, started_at, updated_at
		FROM task_histories
		WHERE id = $1`, taskID).Scan(&e.TaskID, &e.Query, &e.Template, &e.Status,
		&currentStage, &e.ProgressPercentage, &errMsg, &e.StartedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskHistoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task row %s: %w", taskID, err)
	}
	e.CurrentStage = currentStage.String
	e.Error = errMsg.String
	return &e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
