// Package coordinator implements the orchestration core. It creates tasks
// from DAG templates, walks each plan stage by stage in a per-task goroutine,
// dispatches work to agents over the broker, integrates their results into
// the task record, and packages the final response.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
)

// ErrTaskAlreadyFinished is returned by AbortTask when the task is already in
// a terminal state. The existing record is returned alongside it; terminal
// states are never transitioned away from.
var ErrTaskAlreadyFinished = errors.New("task already in a terminal state")

// errNoLongerActive aborts an UpdateTask mutation when the record left
// in_progress between the stage finishing and the write.
var errNoLongerActive = errors.New("task no longer active")

// TaskStore is the live task state the coordinator reads and mutates.
// Satisfied by *taskstore.Store.
type TaskStore interface {
	CreateTask(ctx context.Context, userID, query string, plan []string, templateName string) (*models.TaskRecord, error)
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
	UpdateTask(ctx context.Context, taskID string, update func(*models.TaskRecord) error) (*models.TaskRecord, error)
	GetStageResult(ctx context.Context, taskID, stage string) (json.RawMessage, error)
	PutStageResult(ctx context.Context, taskID, stage string, result json.RawMessage) error
	PutRecommendations(ctx context.Context, taskID string, recs *models.Recommendations) error
	GetRecommendations(ctx context.Context, taskID string) (*models.Recommendations, error)
	EmitProgress(ctx context.Context, event *models.ProgressEvent) error
	GetReactHistory(ctx context.Context, taskID string) ([]models.ReActStep, error)
}

// Transport dispatches stage work and waits for completion events.
// Satisfied by *broker.Broker.
type Transport interface {
	PublishTask(ctx context.Context, queue string, msg *models.TaskMessage) error
	PublishEvent(ctx context.Context, channel string, payload any) error
	WaitForEvent(ctx context.Context, channel, taskID string, timeout time.Duration) (*models.CompletionEvent, error)
}

// StateSink receives the durable projection of task lifecycle transitions.
// Satisfied by *state.Manager. Sink failures are logged, never fatal: the
// live record in TaskStore stays authoritative.
type StateSink interface {
	PersistTaskStart(ctx context.Context, record *models.TaskRecord) error
	UpdateTaskState(ctx context.Context, record *models.TaskRecord) error
	LogStageEvent(ctx context.Context, taskID, stage, action, message string, metadata map[string]any) error
}

// Recommender fetches per-user personalization hints. Satisfied by
// *adaptive.Client, which never fails (it degrades to defaults).
type Recommender interface {
	GetRecommendations(ctx context.Context, userID, query string, history []string) *models.Recommendations
}

// Coordinator is the master control loop. Safe for concurrent use; each task
// runs in its own goroutine tracked by an execution registry.
type Coordinator struct {
	store    TaskStore
	bus      Transport
	state    StateSink
	adaptive Recommender
	cfg      *config.Config
	metrics  *metrics.Metrics
	registry *executionRegistry
	logger   *slog.Logger

	// baseCtx parents every execution context so Stop can cancel them all.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New wires a coordinator. cfg must carry a template registry; metrics may be
// nil (recording becomes a no-op).
func New(store TaskStore, bus Transport, stateSink StateSink, recommender Recommender, cfg *config.Config, m *metrics.Metrics) *Coordinator {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		bus:        bus,
		state:      stateSink,
		adaptive:   recommender,
		cfg:        cfg,
		metrics:    m,
		registry:   newExecutionRegistry(),
		logger:     slog.With("component", "coordinator"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// CreateAndExecute creates a task from the named template (the configured
// default when empty) and starts executing it in the background. It returns
// the task id as soon as the record exists; progress is observable through
// the task record and the progress stream.
//
// Template lookup failures wrap config.ErrTemplateNotFound.
func (c *Coordinator) CreateAndExecute(ctx context.Context, userID, query, templateName, conversationID string) (string, error) {
	name := templateName
	if name == "" {
		name = c.cfg.Settings.DAGDefaultTemplate
	}
	tpl, err := c.cfg.TemplateRegistry.Get(name)
	if err != nil {
		return "", err
	}

	recs := c.adaptive.GetRecommendations(ctx, userID, query, nil)

	rec, err := c.store.CreateTask(ctx, userID, query, tpl.Stages, tpl.Name)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	taskID := rec.TaskID
	logger := c.logger.With("task_id", taskID, "template", tpl.Name)

	if conversationID != "" {
		if rec, err = c.store.UpdateTask(ctx, taskID, func(r *models.TaskRecord) error {
			r.ConversationID = conversationID
			return nil
		}); err != nil {
			return "", fmt.Errorf("record conversation id: %w", err)
		}
	}

	if err := c.store.PutRecommendations(ctx, taskID, recs); err != nil {
		logger.Warn("Failed to stash adaptive recommendations", "error", err)
	}

	if err := c.state.PersistTaskStart(ctx, rec); err != nil {
		logger.Warn("Failed to persist task start", "error", err)
	}

	c.metrics.TaskStarted(tpl.Name)
	c.emitProgress(ctx, taskID, "", models.ProgressActionCreated, "Task created", intPtr(0),
		map[string]any{"template": tpl.Name, "stages": len(tpl.Stages)})

	logger.Info("Task created", "user_id", userID, "stages", len(tpl.Stages))

	execCtx := c.registry.register(c.baseCtx, taskID)
	go func() {
		defer c.registry.unregister(taskID)
		c.execute(execCtx, taskID, logger)
	}()

	return taskID, nil
}

// GetTaskStatus returns the live task record.
func (c *Coordinator) GetTaskStatus(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return c.store.GetTask(ctx, taskID)
}

// AbortTask cancels a running task: the record flips to aborted, the
// execution goroutine's context is cancelled, and any in-flight stage
// completion is dropped when it arrives. Aborting a terminal task is a no-op
// that returns the existing record with ErrTaskAlreadyFinished.
func (c *Coordinator) AbortTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	var abortedStage string
	updated, err := c.store.UpdateTask(ctx, taskID, func(r *models.TaskRecord) error {
		if r.Status.Terminal() {
			return ErrTaskAlreadyFinished
		}
		abortedStage = r.CurrentStage
		r.Status = models.TaskStatusAborted
		r.CurrentStage = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTaskAlreadyFinished) {
			rec, getErr := c.store.GetTask(ctx, taskID)
			if getErr != nil {
				return nil, getErr
			}
			return rec, ErrTaskAlreadyFinished
		}
		return nil, err
	}

	c.registry.cancel(taskID)

	c.emitProgress(ctx, taskID, abortedStage, models.ProgressActionAborted, "Task aborted", nil, nil)
	c.mirrorState(ctx, updated)
	c.logStage(ctx, taskID, abortedStage, "aborted", "aborted by caller", nil)
	c.metrics.TaskFinished(updated.TemplateName, string(models.TaskStatusAborted), time.Since(updated.StartedAt))

	c.logger.Info("Task aborted", "task_id", taskID, "stage", abortedStage)
	return updated, nil
}

// ActiveCount reports how many task executions are currently running.
func (c *Coordinator) ActiveCount() int {
	return c.registry.count()
}

// Stop cancels every running execution and waits for the goroutines to
// return, or until ctx expires.
func (c *Coordinator) Stop(ctx context.Context) {
	c.baseCancel()
	c.registry.waitAll(ctx)
}

// execute walks the task's plan until a terminal state is reached. It is the
// single writer of the task record; AbortTask only flips the status, and the
// status guard inside each mutation keeps a late stage completion from
// resurrecting an aborted task.
func (c *Coordinator) execute(ctx context.Context, taskID string, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		rec, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			logger.Error("Failed to read task record, stopping execution", "error", err)
			return
		}
		if rec.Status != models.TaskStatusInProgress || rec.CurrentStage == "" {
			return
		}
		stage := rec.CurrentStage
		stageLogger := logger.With("stage", stage)

		c.emitProgress(ctx, taskID, stage, models.ProgressActionStageStart, "Starting stage", nil, nil)
		c.logStage(ctx, taskID, stage, "stage_start", "dispatching", nil)

		if stage == models.StageResponsePackaging {
			c.packageAndComplete(ctx, rec, stageLogger)
			return
		}

		queue, ok := broker.QueueForStage(stage)
		if !ok {
			c.failTask(ctx, taskID, stage, fmt.Sprintf("no queue for stage %s", stage), stageLogger)
			return
		}

		started := time.Now()
		ev, err := c.runStage(ctx, rec, stage, queue, stageLogger)
		if err != nil {
			if ctx.Err() != nil {
				// Aborted or shutting down; the record was finalized elsewhere.
				return
			}
			c.metrics.ObserveStageDuration(stage, false, time.Since(started))
			c.failTask(ctx, taskID, stage, err.Error(), stageLogger)
			return
		}
		c.metrics.ObserveStageDuration(stage, true, time.Since(started))

		raw, err := c.store.GetStageResult(ctx, taskID, stage)
		if err != nil {
			c.failTask(ctx, taskID, stage, fmt.Sprintf("missing result for stage %s: %v", stage, err), stageLogger)
			return
		}

		updated, err := c.store.UpdateTask(ctx, taskID, func(r *models.TaskRecord) error {
			if r.Status != models.TaskStatusInProgress {
				return errNoLongerActive
			}
			if err := integrateStageResult(r, stage, raw); err != nil {
				return err
			}
			advanceDAG(r)
			return nil
		})
		if err != nil {
			if errors.Is(err, errNoLongerActive) {
				stageLogger.Info("Task reached a terminal state mid stage, dropping result")
				return
			}
			c.failTask(ctx, taskID, stage, fmt.Sprintf("integrate %s: %v", stage, err), stageLogger)
			return
		}

		c.mirrorState(ctx, updated)
		c.logStage(ctx, taskID, stage, "stage_complete", ev.Summary,
			map[string]any{"progress": updated.ProgressPercentage})
		c.emitProgress(ctx, taskID, stage, models.ProgressActionTransition, "Stage complete",
			intPtr(updated.ProgressPercentage), nil)

		stageLogger.Info("Stage complete",
			"progress", updated.ProgressPercentage,
			"next_stage", updated.CurrentStage)
	}
}

// runStage publishes the stage message and waits for its completion event,
// applying the retry policy: timeouts and transient failures get
// retries_on_timeout extra attempts, hard failures get retries_on_failure.
// The returned error's text is what lands in the task record.
func (c *Coordinator) runStage(ctx context.Context, rec *models.TaskRecord, stage, queue string, logger *slog.Logger) (*models.CompletionEvent, error) {
	recs, err := c.store.GetRecommendations(ctx, rec.TaskID)
	if err != nil {
		logger.Warn("Failed to load adaptive recommendations, using defaults", "error", err)
		recs = models.DefaultRecommendations()
	}

	timeout := c.cfg.Settings.StageTimeout()
	timeoutRetries := c.cfg.Settings.RetriesOnTimeout()
	failureRetries := c.cfg.Settings.RetriesOnFailure()

	for attempt := 0; ; attempt++ {
		msg := &models.TaskMessage{
			TaskID:                  rec.TaskID,
			Stage:                   stage,
			Query:                   rec.Query,
			UserID:                  rec.UserID,
			Context:                 rec.Context,
			PerStageResults:         rec.PerStageResults,
			TemplateName:            rec.TemplateName,
			AdaptiveRecommendations: recs,
			Timestamp:               time.Now().UTC(),
		}
		if err := c.bus.PublishTask(ctx, queue, msg); err != nil {
			// Includes ErrQueueFull: overflow fails the task, never drops it.
			return nil, fmt.Errorf("dispatch %s: %w", stage, err)
		}

		ev, err := c.bus.WaitForEvent(ctx, models.CompletionChannelForStage(stage), rec.TaskID, timeout)
		switch {
		case err == nil && ev.Success:
			return ev, nil

		case err == nil:
			retries := failureRetries
			if ev.Transient && timeoutRetries > retries {
				retries = timeoutRetries
			}
			if attempt < retries {
				logger.Warn("Stage failed, retrying",
					"attempt", attempt+1, "transient", ev.Transient, "error", ev.Error)
				c.metrics.IncStageRetry(stage)
				c.logStage(ctx, rec.TaskID, stage, "retry", ev.Error, map[string]any{"attempt": attempt + 1})
				continue
			}
			reason := ev.Error
			if reason == "" {
				reason = fmt.Sprintf("stage_failed:%s", stage)
			}
			return nil, errors.New(reason)

		case errors.Is(err, broker.ErrWaitTimeout):
			if attempt < timeoutRetries {
				logger.Warn("Stage timed out, retrying", "attempt", attempt+1, "timeout", timeout)
				c.metrics.IncStageRetry(stage)
				c.logStage(ctx, rec.TaskID, stage, "retry", "stage timeout", map[string]any{"attempt": attempt + 1})
				continue
			}
			return nil, fmt.Errorf("stage_timeout:%s", stage)

		default:
			return nil, err
		}
	}
}

// failTask moves the task to failed with the given reason. Already-terminal
// records are left untouched.
func (c *Coordinator) failTask(ctx context.Context, taskID, stage, reason string, logger *slog.Logger) {
	logger.Error("Task failed", "reason", reason)

	updated, err := c.store.UpdateTask(ctx, taskID, func(r *models.TaskRecord) error {
		if r.Status.Terminal() {
			return errNoLongerActive
		}
		r.Status = models.TaskStatusFailed
		r.Error = reason
		r.CurrentStage = ""
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoLongerActive) {
			logger.Error("Failed to record task failure", "error", err)
		}
		return
	}

	c.emitProgress(ctx, taskID, stage, models.ProgressActionError, reason, nil, nil)
	c.mirrorState(ctx, updated)
	c.logStage(ctx, taskID, stage, "error", reason, nil)
	c.metrics.TaskFinished(updated.TemplateName, string(models.TaskStatusFailed), time.Since(updated.StartedAt))
}

// packageAndComplete runs the response_packaging stage locally: it builds the
// final response from the integrated record, flips the task to complete, and
// announces the result on both the durable responses queue and the
// response-ready channel.
func (c *Coordinator) packageAndComplete(ctx context.Context, rec *models.TaskRecord, logger *slog.Logger) {
	steps, err := c.store.GetReactHistory(ctx, rec.TaskID)
	if err != nil {
		logger.Warn("Failed to load reasoning trace for packaging", "error", err)
		steps = nil
	}

	updated, err := c.store.UpdateTask(ctx, rec.TaskID, func(r *models.TaskRecord) error {
		if r.Status != models.TaskStatusInProgress {
			return errNoLongerActive
		}
		r.FinalResponse = buildFinalResponse(r, steps, time.Since(r.StartedAt))
		advanceDAG(r)
		r.Status = models.TaskStatusComplete
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoLongerActive) {
			logger.Info("Task reached a terminal state before packaging")
			return
		}
		c.failTask(ctx, rec.TaskID, models.StageResponsePackaging, fmt.Sprintf("package response: %v", err), logger)
		return
	}

	final := updated.FinalResponse
	if raw, marshalErr := json.Marshal(final); marshalErr == nil {
		if err := c.store.PutStageResult(ctx, updated.TaskID, models.StageResponsePackaging, raw); err != nil {
			logger.Warn("Failed to store packaged response", "error", err)
		}
		c.deliverResponse(ctx, updated, raw, logger)
	}

	c.emitProgress(ctx, updated.TaskID, models.StageResponsePackaging, models.ProgressActionComplete,
		"Task complete", intPtr(updated.ProgressPercentage), map[string]any{"confidence": final.Confidence})

	if err := c.bus.PublishEvent(ctx, models.ChannelResponseReady, &models.ResponseReadyEvent{
		TaskID:     updated.TaskID,
		UserID:     updated.UserID,
		Confidence: final.Confidence,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to announce response", "error", err)
	}

	c.mirrorState(ctx, updated)
	c.logStage(ctx, updated.TaskID, models.StageResponsePackaging, "complete", "response packaged",
		map[string]any{"confidence": final.Confidence, "sources": len(final.Sources)})
	c.metrics.TaskFinished(updated.TemplateName, string(models.TaskStatusComplete), time.Since(updated.StartedAt))

	logger.Info("Task complete",
		"confidence", final.Confidence,
		"duration_ms", final.Metadata.DurationMS,
		"sources", len(final.Sources))
}

// deliverResponse puts the packaged response on the durable responses queue
// for downstream delivery. The task is already complete; delivery failures
// are logged, not fatal.
func (c *Coordinator) deliverResponse(ctx context.Context, rec *models.TaskRecord, finalJSON json.RawMessage, logger *slog.Logger) {
	msg := &models.TaskMessage{
		TaskID:       rec.TaskID,
		Stage:        models.StageResponsePackaging,
		Query:        rec.Query,
		UserID:       rec.UserID,
		TemplateName: rec.TemplateName,
		PerStageResults: map[string]json.RawMessage{
			models.StageResponsePackaging: finalJSON,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := c.bus.PublishTask(ctx, broker.QueueResponses, msg); err != nil {
		logger.Warn("Failed to enqueue response for delivery", "error", err)
	}
}

// emitProgress appends to the progress stream and publishes the live event.
func (c *Coordinator) emitProgress(ctx context.Context, taskID, stage, action, message string, progress *int, metadata map[string]any) {
	event := &models.ProgressEvent{
		TaskID:    taskID,
		Stage:     stage,
		Action:    action,
		Message:   message,
		Progress:  progress,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.EmitProgress(ctx, event); err != nil {
		c.logger.Warn("Failed to emit progress event",
			"task_id", taskID, "action", action, "error", err)
	}
}

// mirrorState projects the record into the durable state store.
func (c *Coordinator) mirrorState(ctx context.Context, rec *models.TaskRecord) {
	if err := c.state.UpdateTaskState(ctx, rec); err != nil {
		c.logger.Warn("Failed to mirror task state",
			"task_id", rec.TaskID, "status", rec.Status, "error", err)
	}
}

// logStage records a stage transition in the durable audit log.
func (c *Coordinator) logStage(ctx context.Context, taskID, stage, action, message string, metadata map[string]any) {
	if err := c.state.LogStageEvent(ctx, taskID, stage, action, message, metadata); err != nil {
		c.logger.Warn("Failed to log stage event",
			"task_id", taskID, "stage", stage, "action", action, "error", err)
	}
}

func intPtr(v int) *int { return &v }
