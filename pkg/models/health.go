package models

import "time"

// AgentHealthStatus is the reported liveness of one agent identity.
type AgentHealthStatus string

const (
	AgentHealthy   AgentHealthStatus = "healthy"
	AgentUnhealthy AgentHealthStatus = "unhealthy"
	AgentStarting  AgentHealthStatus = "starting"
	AgentStopping  AgentHealthStatus = "stopping"
)

// AgentHealth is one heartbeat snapshot, upserted by agent name.
type AgentHealth struct {
	AgentName     string            `json:"agent_name"`
	Status        AgentHealthStatus `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`

	CPUUsage       *float64       `json:"cpu_usage,omitempty"`
	MemoryUsage    *float64       `json:"memory_usage,omitempty"`
	QueueSize      *int           `json:"queue_size,omitempty"`
	ProcessedTasks int64          `json:"processed_tasks"`
	FailedTasks    int64          `json:"failed_tasks"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AgentPerformanceSample is an append-only record of one stage execution.
type AgentPerformanceSample struct {
	AgentName    string         `json:"agent_name"`
	TaskID       string         `json:"task_id"`
	Stage        string         `json:"stage"`
	DurationMS   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
