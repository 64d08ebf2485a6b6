package state

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/taskstore"
)

// fakeTaskReader serves records from a map, standing in for the TaskStore.
type fakeTaskReader struct {
	records map[string]*models.TaskRecord
}

func (f *fakeTaskReader) GetTask(_ context.Context, taskID string) (*models.TaskRecord, error) {
	record, ok := f.records[taskID]
	if !ok {
		return nil, taskstore.ErrTaskNotFound
	}
	return record.Clone(), nil
}

func TestHousekeeper_PruneOldRows(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.LogStageEvent(ctx, "task-new", models.StageIntentAnalysis, "stage_start", "", nil))
	require.NoError(t, m.RecordAgentPerformance(ctx, &models.AgentPerformanceSample{
		AgentName: "intent_agent", TaskID: "task-new", Stage: models.StageIntentAnalysis,
		DurationMS: 10, Success: true,
	}))

	// Backdate a second pair of rows past the retention window.
	_, err := db.ExecContext(ctx, `
		INSERT INTO task_stage_logs (task_id, stage, action, created_at)
		VALUES ('task-old', 'intent_analysis', 'stage_start', now() - interval '10 days')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO agent_performance (agent_name, task_id, stage, duration_ms, success, created_at)
		VALUES ('intent_agent', 'task-old', 'intent_analysis', 10, true, now() - interval '10 days')`)
	require.NoError(t, err)

	hk := NewHousekeeper(m, nil, HousekeeperConfig{RetentionDays: 7})
	hk.RunOnce(ctx)

	var logs, samples int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM task_stage_logs`).Scan(&logs))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM agent_performance`).Scan(&samples))
	assert.Equal(t, 1, logs, "only the recent stage log survives")
	assert.Equal(t, 1, samples, "only the recent sample survives")
}

func TestHousekeeper_ReconcileClosesExpiredTask(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	record := newTaskRecord("user-rec")
	require.NoError(t, m.PersistTaskStart(ctx, record))
	_, err := db.ExecContext(ctx,
		`UPDATE task_histories SET updated_at = now() - interval '1 hour' WHERE id = $1`, record.TaskID)
	require.NoError(t, err)

	hk := NewHousekeeper(m, &fakeTaskReader{records: map[string]*models.TaskRecord{}},
		HousekeeperConfig{ReconcileAfter: 15 * time.Minute})
	hk.RunOnce(ctx)

	row, err := m.GetTaskRow(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "task record expired", row.Error)
	assert.Empty(t, row.CurrentStage)
}

func TestHousekeeper_ReconcileReprojectsLiveTask(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	record := newTaskRecord("user-rec")
	require.NoError(t, m.PersistTaskStart(ctx, record))
	_, err := db.ExecContext(ctx,
		`UPDATE task_histories SET updated_at = now() - interval '1 hour' WHERE id = $1`, record.TaskID)
	require.NoError(t, err)

	// The live record moved on while the projection stalled.
	live := record.Clone()
	live.Status = models.TaskStatusComplete
	live.CurrentStage = ""
	live.CompletedStages = live.Plan
	live.ProgressPercentage = 100
	live.UpdatedAt = time.Now().UTC()

	hk := NewHousekeeper(m, &fakeTaskReader{records: map[string]*models.TaskRecord{record.TaskID: live}},
		HousekeeperConfig{ReconcileAfter: 15 * time.Minute})
	hk.RunOnce(ctx)

	row, err := m.GetTaskRow(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "complete", row.Status)
	assert.Equal(t, 100, row.ProgressPercentage)
}

func TestHousekeeper_ReconcileSkipsFreshTasks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	record := newTaskRecord("user-rec")
	require.NoError(t, m.PersistTaskStart(ctx, record))

	hk := NewHousekeeper(m, &fakeTaskReader{records: map[string]*models.TaskRecord{}},
		HousekeeperConfig{ReconcileAfter: 15 * time.Minute})
	hk.RunOnce(ctx)

	row, err := m.GetTaskRow(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", row.Status, "fresh rows are left alone")
}

func TestHousekeeper_StartStop(t *testing.T) {
	m, _ := newTestManager(t)

	hk := NewHousekeeper(m, nil, HousekeeperConfig{Interval: time.Hour})
	hk.Start(context.Background())
	hk.Start(context.Background()) // second start is a no-op
	hk.Stop()

	taskID := uuid.NewString()
	require.NoError(t, m.LogStageEvent(context.Background(), taskID,
		models.StageIntentAnalysis, "stage_start", "", nil),
		"manager remains usable after housekeeper stops")
}
