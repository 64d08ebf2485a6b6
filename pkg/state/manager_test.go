package state

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/test/util"
)

func newTestManager(t *testing.T) (*Manager, *stdsql.DB) {
	t.Helper()
	client, db := util.SetupTestDatabase(t)
	return NewManager(client), db
}

func newTaskRecord(userID string) *models.TaskRecord {
	now := time.Now().UTC()
	return &models.TaskRecord{
		TaskID:       uuid.NewString(),
		UserID:       userID,
		Query:        "compare raft and paxos",
		TemplateName: "standard_query",
		Plan: []string{
			models.StageIntentAnalysis,
			models.StageEmbeddingLookup,
			models.StageExecutorReasoning,
			models.StageModeration,
			models.StageResponsePackaging,
		},
		CurrentStage:    models.StageIntentAnalysis,
		CompletedStages: []string{},
		Status:          models.TaskStatusInProgress,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

func TestManager_PersistTaskStart(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	record := newTaskRecord("user-1")

	require.NoError(t, m.PersistTaskStart(ctx, record))

	t.Run("replaying the start is a no-op", func(t *testing.T) {
		record.Status = models.TaskStatusComplete
		record.ProgressPercentage = 100
		require.NoError(t, m.UpdateTaskState(ctx, record))

		// A late duplicate start must not roll the row back.
		fresh := newTaskRecord("user-1")
		fresh.TaskID = record.TaskID
		require.NoError(t, m.PersistTaskStart(ctx, fresh))

		row, err := m.GetTaskRow(ctx, record.TaskID)
		require.NoError(t, err)
		assert.Equal(t, "complete", row.Status)
		assert.Equal(t, 100, row.ProgressPercentage)
	})

	t.Run("single row per task", func(t *testing.T) {
		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT count(*) FROM task_histories WHERE id = $1`, record.TaskID).Scan(&count))
		assert.Equal(t, 1, count)
	})
}

func TestManager_UpdateTaskState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("projects mutable fields", func(t *testing.T) {
		record := newTaskRecord("user-1")
		require.NoError(t, m.PersistTaskStart(ctx, record))

		record.Status = models.TaskStatusComplete
		record.CurrentStage = ""
		record.CompletedStages = record.Plan
		record.ProgressPercentage = 100
		record.FinalResponse = &models.FinalResponse{Content: "raft trades...", Confidence: 0.81}
		record.UpdatedAt = time.Now().UTC()
		require.NoError(t, m.UpdateTaskState(ctx, record))

		row, err := m.GetTaskRow(ctx, record.TaskID)
		require.NoError(t, err)
		assert.Equal(t, "complete", row.Status)
		assert.Empty(t, row.CurrentStage)
		assert.Equal(t, 100, row.ProgressPercentage)
	})

	t.Run("heals a missing row", func(t *testing.T) {
		record := newTaskRecord("user-2")
		record.Status = models.TaskStatusFailed
		record.Error = "stage_timeout:executor_reasoning"
		require.NoError(t, m.UpdateTaskState(ctx, record))

		row, err := m.GetTaskRow(ctx, record.TaskID)
		require.NoError(t, err)
		assert.Equal(t, "failed", row.Status)
		assert.Equal(t, "stage_timeout:executor_reasoning", row.Error)
	})
}

func TestManager_GetTaskRowNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GetTaskRow(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrTaskHistoryNotFound)
}

func TestManager_LogStageEvent(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	require.NoError(t, m.LogStageEvent(ctx, taskID, models.StageIntentAnalysis, "stage_start", "", nil))
	require.NoError(t, m.LogStageEvent(ctx, taskID, models.StageIntentAnalysis, "transition",
		"classified", map[string]any{"classification": "factual_question"}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM task_stage_logs WHERE task_id = $1`, taskID).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestManager_GetTaskHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		record := newTaskRecord("user-hist")
		record.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		record.UpdatedAt = record.StartedAt
		require.NoError(t, m.PersistTaskStart(ctx, record))
		ids = append(ids, record.TaskID)
	}
	other := newTaskRecord("someone-else")
	require.NoError(t, m.PersistTaskStart(ctx, other))

	entries, err := m.GetTaskHistory(ctx, "user-hist", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].TaskID, "newest first")
	assert.Equal(t, ids[0], entries[2].TaskID)

	limited, err := m.GetTaskHistory(ctx, "user-hist", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestManager_UpdateAgentHealth(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	cpu := 12.5
	require.NoError(t, m.UpdateAgentHealth(ctx, &models.AgentHealth{
		AgentName:     "executor_agent",
		Status:        models.AgentStarting,
		LastHeartbeat: time.Now().UTC(),
	}))
	require.NoError(t, m.UpdateAgentHealth(ctx, &models.AgentHealth{
		AgentName:      "executor_agent",
		Status:         models.AgentHealthy,
		LastHeartbeat:  time.Now().UTC(),
		CPUUsage:       &cpu,
		ProcessedTasks: 42,
		FailedTasks:    1,
	}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM agent_health WHERE agent_name = 'executor_agent'`).Scan(&count))
	assert.Equal(t, 1, count, "upsert keeps one row per agent")

	var status string
	var processed int64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status, processed_tasks FROM agent_health WHERE agent_name = 'executor_agent'`).
		Scan(&status, &processed))
	assert.Equal(t, "healthy", status)
	assert.Equal(t, int64(42), processed)
}

func TestManager_GetTaskAnalytics(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	persist := func(status models.TaskStatus, template string, startedAgo time.Duration) {
		record := newTaskRecord("user-analytics")
		record.TemplateName = template
		record.Status = status
		record.StartedAt = time.Now().UTC().Add(-startedAgo)
		record.UpdatedAt = record.StartedAt.Add(5 * time.Second)
		require.NoError(t, m.UpdateTaskState(ctx, record))
		// UpdateTaskState stamps started_at from the record on insert.
		_, err := db.ExecContext(ctx,
			`UPDATE task_histories SET started_at = $1, updated_at = $2 WHERE id = $3`,
			record.StartedAt, record.UpdatedAt, record.TaskID)
		require.NoError(t, err)
	}

	persist(models.TaskStatusComplete, "standard_query", 10*time.Minute)
	persist(models.TaskStatusComplete, "standard_query", 30*time.Minute)
	persist(models.TaskStatusFailed, "quick_answer", 20*time.Minute)
	persist(models.TaskStatusInProgress, "quick_answer", time.Minute)
	persist(models.TaskStatusComplete, "web_enhanced", 48*time.Hour) // outside window

	analytics, err := m.GetTaskAnalytics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 4, analytics.TotalTasks)
	assert.Equal(t, 2, analytics.Completed)
	assert.Equal(t, 1, analytics.Failed)
	assert.Equal(t, 1, analytics.InProgress)
	assert.InDelta(t, 2.0/3.0, analytics.SuccessRate, 0.001)
	assert.InDelta(t, 5000, analytics.AvgDurationMS, 1.0)
	assert.Equal(t, 2, analytics.TemplateUsage["standard_query"])
	assert.Equal(t, 2, analytics.TemplateUsage["quick_answer"])
	assert.NotContains(t, analytics.TemplateUsage, "web_enhanced")

	total := 0
	for _, bucket := range analytics.Hourly {
		total += bucket.Count
	}
	assert.Equal(t, 4, total, "hourly buckets cover every task in window")
}

func TestManager_GetAgentPerformanceSummary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sample := func(agent string, durationMS int64, success bool) {
		require.NoError(t, m.RecordAgentPerformance(ctx, &models.AgentPerformanceSample{
			AgentName:  agent,
			TaskID:     uuid.NewString(),
			Stage:      models.StageExecutorReasoning,
			DurationMS: durationMS,
			Success:    success,
		}))
	}
	sample("executor_agent", 100, true)
	sample("executor_agent", 200, true)
	sample("executor_agent", 300, true)
	sample("executor_agent", 400, false)
	sample("intent_agent", 50, true)

	require.NoError(t, m.UpdateAgentHealth(ctx, &models.AgentHealth{
		AgentName:     "executor_agent",
		Status:        models.AgentHealthy,
		LastHeartbeat: time.Now().UTC(),
	}))
	// Stale heartbeat: reported healthy but silent for too long.
	require.NoError(t, m.UpdateAgentHealth(ctx, &models.AgentHealth{
		AgentName:     "intent_agent",
		Status:        models.AgentHealthy,
		LastHeartbeat: time.Now().UTC().Add(-10 * time.Minute),
	}))

	summary, err := m.GetAgentPerformanceSummary(ctx, 24)
	require.NoError(t, err)
	require.Len(t, summary.Agents, 2)

	byName := map[string]AgentStats{}
	for _, a := range summary.Agents {
		byName[a.AgentName] = a
	}

	executor := byName["executor_agent"]
	assert.Equal(t, 4, executor.Samples)
	assert.InDelta(t, 0.75, executor.SuccessRate, 0.001)
	assert.InDelta(t, 250, executor.AvgDurationMS, 0.001)
	assert.Equal(t, int64(400), executor.MaxDurationMS)
	assert.Equal(t, models.AgentHealthy, executor.HealthStatus)

	intent := byName["intent_agent"]
	assert.Equal(t, models.AgentUnhealthy, intent.HealthStatus, "stale heartbeat degrades status")
	require.NotNil(t, intent.Health)
	assert.Equal(t, models.AgentHealthy, intent.Health.Status, "raw row keeps last claim")
}
