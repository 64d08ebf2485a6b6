package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/master-control/mcp/pkg/models"
)

// TaskAnalytics summarizes task traffic over a trailing window.
type TaskAnalytics struct {
	WindowHours   int            `json:"window_hours"`
	TotalTasks    int            `json:"total_tasks"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Aborted       int            `json:"aborted"`
	InProgress    int            `json:"in_progress"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	TemplateUsage map[string]int `json:"template_usage"`
	Hourly        []HourlyCount  `json:"hourly"`
}

// HourlyCount is one bucket of the hourly breakdown.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// GetTaskAnalytics aggregates task_histories over the last N hours.
func (m *Manager) GetTaskAnalytics(ctx context.Context, hours int) (*TaskAnalytics, error) {
	if hours <= 0 {
		hours = 24
	}
	analytics := &TaskAnalytics{
		WindowHours:   hours,
		TemplateUsage: map[string]int{},
	}

	err := m.client.DB().QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'complete'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'aborted'),
			count(*) FILTER (WHERE status = 'in_progress'),
			COALESCE(avg(EXTRACT(EPOCH FROM (updated_at - started_at)) * 1000)
				FILTER (WHERE status IN ('complete', 'failed', 'aborted')), 0)::float8
		FROM task_histories
		WHERE started_at >= now() - ($1 * interval '1 hour')`, hours).Scan(
		&analytics.TotalTasks, &analytics.Completed, &analytics.Failed,
		&analytics.Aborted, &analytics.InProgress, &analytics.AvgDurationMS,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate task analytics: %w", err)
	}

	if terminal := analytics.Completed + analytics.Failed + analytics.Aborted; terminal > 0 {
		analytics.SuccessRate = float64(analytics.Completed) / float64(terminal)
	}

	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT template, count(*)
		FROM task_histories
		WHERE started_at >= now() - ($1 * interval '1 hour')
		GROUP BY template`, hours)
	if err != nil {
		return nil, fmt.Errorf("aggregate template usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var template string
		var count int
		if err := rows.Scan(&template, &count); err != nil {
			return nil, fmt.Errorf("scan template usage: %w", err)
		}
		analytics.TemplateUsage[template] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template usage: %w", err)
	}

	hourly, err := m.client.DB().QueryContext(ctx, `
		SELECT date_trunc('hour', started_at) AS bucket, count(*)
		FROM task_histories
		WHERE started_at >= now() - ($1 * interval '1 hour')
		GROUP BY bucket
		ORDER BY bucket`, hours)
	if err != nil {
		return nil, fmt.Errorf("aggregate hourly breakdown: %w", err)
	}
	defer hourly.Close()
	for hourly.Next() {
		var bucket HourlyCount
		if err := hourly.Scan(&bucket.Hour, &bucket.Count); err != nil {
			return nil, fmt.Errorf("scan hourly bucket: %w", err)
		}
		analytics.Hourly = append(analytics.Hourly, bucket)
	}
	if err := hourly.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly breakdown: %w", err)
	}

	return analytics, nil
}

// AgentStats is the per-agent slice of a performance summary.
type AgentStats struct {
	AgentName     string  `json:"agent_name"`
	Samples       int     `json:"samples"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`

	// Health is the latest heartbeat row, nil if the agent never reported.
	Health *models.AgentHealth `json:"health,omitempty"`

	// HealthStatus folds heartbeat staleness into the reported status:
	// an agent whose last heartbeat is too old reads unhealthy no matter
	// what it last claimed.
	HealthStatus models.AgentHealthStatus `json:"health_status"`
}

// AgentPerformanceSummary is the full per-agent breakdown for a window.
type AgentPerformanceSummary struct {
	WindowHours int          `json:"window_hours"`
	Agents      []AgentStats `json:"agents"`
}

// GetAgentPerformanceSummary aggregates agent_performance over the last N
// hours and joins it with the current health rows.
func (m *Manager) GetAgentPerformanceSummary(ctx context.Context, hours int) (*AgentPerformanceSummary, error) {
	if hours <= 0 {
		hours = 24
	}

	stats := map[string]*AgentStats{}
	order := []string{}

	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT agent_name,
		       count(*),
		       avg(CASE WHEN success THEN 1.0 ELSE 0.0 END)::float8,
		       avg(duration_ms)::float8,
		       max(duration_ms)
		FROM agent_performance
		WHERE created_at >= now() - ($1 * interval '1 hour')
		GROUP BY agent_name
		ORDER BY agent_name`, hours)
	if err != nil {
		return nil, fmt.Errorf("aggregate agent performance: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		s := &AgentStats{}
		if err := rows.Scan(&s.AgentName, &s.Samples, &s.SuccessRate,
			&s.AvgDurationMS, &s.MaxDurationMS); err != nil {
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		stats[s.AgentName] = s
		order = append(order, s.AgentName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent stats: %w", err)
	}

	health, err := m.client.DB().QueryContext(ctx, `
		SELECT agent_name, status, last_heartbeat, cpu_usage, memory_usage,
		       queue_size, processed_tasks, failed_tasks
		FROM agent_health
		ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("query agent health: %w", err)
	}
	defer health.Close()

	now := time.Now()
	for health.Next() {
		h := &models.AgentHealth{}
		var status string
		var cpu, mem sql.NullFloat64
		var queue sql.NullInt64
		if err := health.Scan(&h.AgentName, &status, &h.LastHeartbeat,
			&cpu, &mem, &queue, &h.ProcessedTasks, &h.FailedTasks); err != nil {
			return nil, fmt.Errorf("scan agent health: %w", err)
		}
		h.Status = models.AgentHealthStatus(status)
		if cpu.Valid {
			h.CPUUsage = &cpu.Float64
		}
		if mem.Valid {
			h.MemoryUsage = &mem.Float64
		}
		if queue.Valid {
			q := int(queue.Int64)
			h.QueueSize = &q
		}

		s, ok := stats[h.AgentName]
		if !ok {
			s = &AgentStats{AgentName: h.AgentName}
			stats[h.AgentName] = s
			order = append(order, h.AgentName)
		}
		s.Health = h
		s.HealthStatus = h.Status
		if now.Sub(h.LastHeartbeat) > m.StaleHeartbeatAfter {
			s.HealthStatus = models.AgentUnhealthy
		}
	}
	if err := health.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent health: %w", err)
	}

	summary := &AgentPerformanceSummary{WindowHours: hours}
	for _, name := range order {
		s := stats[name]
		if s.Health == nil {
			s.HealthStatus = models.AgentUnhealthy
		}
		summary.Agents = append(summary.Agents, *s)
	}
	return summary, nil
}
