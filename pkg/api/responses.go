package api

import (
	"time"

	"github.com/master-control/mcp/pkg/services"
)

// CreateTaskResponse is returned by POST /api/v1/tasks.
type CreateTaskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Template string `json:"template"`
	UserID   string `json:"user_id"`
}

// AbortTaskResponse is returned by POST /api/v1/tasks/:id/abort.
type AbortTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskListResponse is returned by GET /api/v1/tasks.
type TaskListResponse struct {
	UserID string                 `json:"user_id"`
	Tasks  []services.TaskSummary `json:"tasks"`
}

// QueueStatus is one row of a queue-status response.
type QueueStatus struct {
	Name          string    `json:"name"`
	MessageCount  uint64    `json:"message_count"`
	ConsumerCount int       `json:"consumer_count"`
	Durable       bool      `json:"durable"`
	Bytes         uint64    `json:"bytes"`
	OldestAt      time.Time `json:"oldest_at,omitempty"`
}

// QueueStatusResponse is returned by GET /api/v1/queues.
type QueueStatusResponse struct {
	Queues []QueueStatus `json:"queues"`
}

// HealthResponse is returned by GET /healthz.
// Minimal and safe for unauthenticated access.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
