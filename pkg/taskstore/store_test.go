package taskstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/master-control/mcp/pkg/models"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start one Redis container for the whole package.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// newTestStore flushes the shared Redis and returns a store over it.
func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return NewFromClient(testRedisClient, ttl)
}

func standardPlan() []string {
	return []string{
		models.StageIntentAnalysis,
		models.StageEmbeddingLookup,
		models.StageExecutorReasoning,
		models.StageModeration,
		models.StageResponsePackaging,
	}
}

func TestCreateTaskAndGetTask(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	record, err := store.CreateTask(ctx, "user-1", "what is raft consensus?", standardPlan(), "standard_query")
	require.NoError(t, err)
	require.NotEmpty(t, record.TaskID)

	assert.Equal(t, models.TaskStatusInProgress, record.Status)
	assert.Equal(t, models.StageIntentAnalysis, record.CurrentStage)
	assert.Empty(t, record.CompletedStages)
	assert.Equal(t, 0, record.ProgressPercentage)
	assert.Equal(t, "standard_query", record.TemplateName)

	got, err := store.GetTask(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, record.TaskID, got.TaskID)
	assert.Equal(t, "what is raft consensus?", got.Query)
	assert.Equal(t, standardPlan(), got.Plan)

	ids, err := store.ListUserTasks(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{record.TaskID}, ids)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)

	_, err := store.GetTask(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateTaskMutatesAndStamps(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	record, err := store.CreateTask(ctx, "user-1", "q", standardPlan(), "standard_query")
	require.NoError(t, err)

	before := record.UpdatedAt
	time.Sleep(10 * time.Millisecond)

	updated, err := store.UpdateTask(ctx, record.TaskID, func(r *models.TaskRecord) error {
		r.CompletedStages = append(r.CompletedStages, models.StageIntentAnalysis)
		r.CurrentStage = models.StageEmbeddingLookup
		r.ProgressPercentage = 20
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.StageIntentAnalysis}, updated.CompletedStages)
	assert.Equal(t, models.StageEmbeddingLookup, updated.CurrentStage)
	assert.True(t, updated.UpdatedAt.After(before))

	got, err := store.GetTask(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.ProgressPercentage)
}

func TestUpdateTaskRefreshesTTL(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	record, err := store.CreateTask(ctx, "user-1", "q", standardPlan(), "standard_query")
	require.NoError(t, err)

	// Age the key artificially, then confirm a mutation restores the full TTL.
	require.NoError(t, testRedisClient.Expire(ctx, taskKey(record.TaskID), 5*time.Second).Err())

	_, err = store.UpdateTask(ctx, record.TaskID, func(r *models.TaskRecord) error {
		r.ProgressPercentage = 40
		return nil
	})
	require.NoError(t, err)

	ttl, err := testRedisClient.TTL(ctx, taskKey(record.TaskID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Minute)
}

func TestUpdateTaskPropagatesCallbackError(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	record, err := store.CreateTask(ctx, "user-1", "q", standardPlan(), "standard_query")
	require.NoError(t, err)

	wantErr := fmt.Errorf("nope")
	_, err = store.UpdateTask(ctx, record.TaskID, func(r *models.TaskRecord) error {
		r.ProgressPercentage = 99
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	got, err := store.GetTask(ctx, record.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProgressPercentage, "failed update must not persist")
}

func TestStageResults(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	_, err := store.GetStageResult(ctx, "task-x", models.StageIntentAnalysis)
	assert.ErrorIs(t, err, ErrStageResultNotFound)

	payload := []byte(`{"classification":"factual_question","confidence":0.92}`)
	require.NoError(t, store.PutStageResult(ctx, "task-x", models.StageIntentAnalysis, payload))

	got, err := store.GetStageResult(ctx, "task-x", models.StageIntentAnalysis)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))
}

func TestRecommendationsFallbackToDefaults(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	recs, err := store.GetRecommendations(ctx, "task-without-adaptive")
	require.NoError(t, err)
	assert.Equal(t, 0.4, recs.Confidence)
	assert.Equal(t, "moderate", recs.ResponseStyle["detail_level"])
}

func TestRecommendationsRoundTrip(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	in := models.DefaultRecommendations()
	in.Confidence = 0.85
	in.ResponseStyle["detail_level"] = "deep"
	require.NoError(t, store.PutRecommendations(ctx, "task-y", in))

	out, err := store.GetRecommendations(ctx, "task-y")
	require.NoError(t, err)
	assert.Equal(t, 0.85, out.Confidence)
	assert.Equal(t, "deep", out.ResponseStyle["detail_level"])
}

func TestEmitProgressAppendsAndPublishes(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	ps := testRedisClient.Subscribe(ctx, models.ProgressChannel("task-p"))
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)
	msgs := ps.Channel()

	for i, action := range []string{
		models.ProgressActionCreated,
		models.ProgressActionStageStart,
		models.ProgressActionTransition,
	} {
		pct := i * 10
		require.NoError(t, store.EmitProgress(ctx, &models.ProgressEvent{
			TaskID:   "task-p",
			Action:   action,
			Progress: &pct,
		}))
	}

	history, err := store.GetProgressHistory(ctx, "task-p")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.ProgressActionCreated, history[0].Action)
	assert.Equal(t, models.ProgressActionStageStart, history[1].Action)
	assert.Equal(t, models.ProgressActionTransition, history[2].Action)
	assert.False(t, history[0].Timestamp.IsZero())

	received := 0
	timeout := time.After(5 * time.Second)
	for received < 3 {
		select {
		case <-msgs:
			received++
		case <-timeout:
			t.Fatalf("timeout waiting for progress fan-out, got %d of 3", received)
		}
	}
}

func TestEmitReactAppendsAndRelays(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	ps := testRedisClient.Subscribe(ctx, models.FrontendStreamChannel("task-r"))
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)
	msgs := ps.Channel()

	require.NoError(t, store.EmitReact(ctx, &models.ReActStep{
		TaskID:    "task-r",
		AgentName: "executor_agent",
		StepKind:  models.StepThought,
		Message:   "breaking the query into claims",
	}))
	require.NoError(t, store.EmitReact(ctx, &models.ReActStep{
		TaskID:    "task-r",
		AgentName: "executor_agent",
		StepKind:  models.StepFinalAnswer,
		Message:   "drafted answer",
	}))

	history, err := store.GetReactHistory(ctx, "task-r")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StepThought, history[0].StepKind)
	assert.Equal(t, models.StepFinalAnswer, history[1].StepKind)

	select {
	case msg := <-msgs:
		assert.Contains(t, msg.Payload, `"type":"react"`)
		assert.Contains(t, msg.Payload, "breaking the query into claims")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frontend relay")
	}
}

func TestProgressStreamIsBounded(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	const appended = 350
	for i := 0; i < appended; i++ {
		pct := i % 101
		require.NoError(t, store.EmitProgress(ctx, &models.ProgressEvent{
			TaskID:   "task-bound",
			Action:   models.ProgressActionTransition,
			Progress: &pct,
		}))
	}

	history, err := store.GetProgressHistory(ctx, "task-bound")
	require.NoError(t, err)
	// Trimming is approximate: at least streamMaxLen entries survive, old
	// entries fall off the head, and the newest entry is always kept.
	assert.GreaterOrEqual(t, len(history), streamMaxLen)
	assert.Less(t, len(history), appended)
	last := history[len(history)-1]
	require.NotNil(t, last.Progress)
	assert.Equal(t, (appended-1)%101, *last.Progress)
}

func TestListUserTasksNewestFirst(t *testing.T) {
	store := newTestStore(t, 10*time.Minute)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		record, err := store.CreateTask(ctx, "user-2", fmt.Sprintf("query %d", i), standardPlan(), "standard_query")
		require.NoError(t, err)
		ids = append(ids, record.TaskID)
	}

	got, err := store.ListUserTasks(ctx, "user-2", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0], "most recent task listed first")
	assert.Equal(t, ids[0], got[2])

	limited, err := store.ListUserTasks(ctx, "user-2", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
