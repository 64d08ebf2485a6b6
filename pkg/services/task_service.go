package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/coordinator"
	"github.com/master-control/mcp/pkg/masking"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/taskstore"
)

// defaultListLimit bounds task listings when the caller does not set one.
const defaultListLimit = 20

// CreateTaskInput contains the domain-level data needed to start a task.
// Transformed from the HTTP request by the handler.
type CreateTaskInput struct {
	UserID         string
	Query          string
	TemplateName   string
	ConversationID string
}

// CreatedTask identifies a freshly started task. TemplateName is the
// template the coordinator actually selected, which may differ from the
// requested one when the request left it empty.
type CreatedTask struct {
	TaskID       string `json:"task_id"`
	UserID       string `json:"user_id"`
	TemplateName string `json:"template_name"`
}

// ProgressView is the live progress projection served to polling clients.
type ProgressView struct {
	TaskID             string             `json:"task_id"`
	Status             models.TaskStatus  `json:"status"`
	ProgressPercentage int                `json:"progress_percentage"`
	CurrentStage       string             `json:"current_stage,omitempty"`
	TotalStages        int                `json:"total_stages"`
	CompletedStages    []string           `json:"completed_stages"`
	ThinkingSteps      []models.ReActStep `json:"thinking_steps"`
	Error              string             `json:"error,omitempty"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// TaskSummary is one row of a user's task listing.
type TaskSummary struct {
	TaskID             string            `json:"task_id"`
	Query              string            `json:"query"`
	Status             models.TaskStatus `json:"status"`
	TemplateName       string            `json:"template_name"`
	ProgressPercentage int               `json:"progress_percentage"`
	StartedAt          time.Time         `json:"started_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Orchestrator is the coordinator surface the task service drives.
// Satisfied by *coordinator.Coordinator.
type Orchestrator interface {
	CreateAndExecute(ctx context.Context, userID, query, templateName, conversationID string) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*models.TaskRecord, error)
	AbortTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
}

// TaskReader is the task-store surface behind progress and listings.
// Satisfied by *taskstore.Store.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)
	GetReactHistory(ctx context.Context, taskID string) ([]models.ReActStep, error)
	ListUserTasks(ctx context.Context, userID string, limit int) ([]string, error)
}

// TaskService handles task submission, inspection, and abort. Everything it
// returns has secrets masked.
type TaskService struct {
	orch   Orchestrator
	store  TaskReader
	masker *masking.Service
	logger *slog.Logger
}

// NewTaskService creates a new TaskService.
func NewTaskService(orch Orchestrator, store TaskReader, masker *masking.Service) *TaskService {
	if orch == nil {
		panic("NewTaskService: orch must not be nil")
	}
	if store == nil {
		panic("NewTaskService: store must not be nil")
	}
	if masker == nil {
		panic("NewTaskService: masker must not be nil")
	}
	return &TaskService{
		orch:   orch,
		store:  store,
		masker: masker,
		logger: slog.With("component", "task_service"),
	}
}

// Create validates the input and starts a new task. It returns as soon as
// the record exists; execution continues in the background.
func (s *TaskService) Create(ctx context.Context, input CreateTaskInput) (*CreatedTask, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, NewValidationError("query", "query is required")
	}
	if strings.TrimSpace(input.UserID) == "" {
		return nil, NewValidationError("user_id", "user_id is required")
	}

	taskID, err := s.orch.CreateAndExecute(ctx, input.UserID, input.Query, input.TemplateName, input.ConversationID)
	if err != nil {
		if errors.Is(err, config.ErrTemplateNotFound) {
			return nil, fmt.Errorf("template %q: %w", input.TemplateName, ErrNotFound)
		}
		return nil, fmt.Errorf("create task: %w: %w", ErrUnavailable, err)
	}

	created := &CreatedTask{
		TaskID:       taskID,
		UserID:       input.UserID,
		TemplateName: input.TemplateName,
	}
	// The coordinator resolves an empty template name to the configured
	// default; read the record back so the response names the template
	// that actually runs.
	if rec, err := s.store.GetTask(ctx, taskID); err == nil {
		created.TemplateName = rec.TemplateName
	} else {
		s.logger.Warn("Failed to read back fresh task record", "task_id", taskID, "error", err)
	}
	return created, nil
}

// Get returns the live task record.
func (s *TaskService) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	rec, err := s.orch.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(taskID, err)
	}
	return s.masker.MaskRecord(rec), nil
}

// Progress assembles the polling view: record fields plus the thinking
// trail replayed from the ReAct stream.
func (s *TaskService) Progress(ctx context.Context, taskID string) (*ProgressView, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(taskID, err)
	}

	steps, err := s.store.GetReactHistory(ctx, taskID)
	if err != nil {
		// The trail is auxiliary; progress still answers without it.
		s.logger.Warn("Failed to read react history", "task_id", taskID, "error", err)
		steps = nil
	}
	for i := range steps {
		steps[i].Message = s.masker.MaskText(steps[i].Message)
	}

	view := &ProgressView{
		TaskID:             rec.TaskID,
		Status:             rec.Status,
		ProgressPercentage: rec.ProgressPercentage,
		CurrentStage:       rec.CurrentStage,
		TotalStages:        len(rec.Plan),
		CompletedStages:    rec.CompletedStages,
		ThinkingSteps:      steps,
		Error:              rec.Error,
		LastUpdated:        rec.UpdatedAt,
	}
	if view.CompletedStages == nil {
		view.CompletedStages = []string{}
	}
	if view.ThinkingSteps == nil {
		view.ThinkingSteps = []models.ReActStep{}
	}
	return view, nil
}

// Abort cancels a running task. Aborting a task that already reached a
// terminal state returns the current record along with ErrAlreadyFinished.
func (s *TaskService) Abort(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	rec, err := s.orch.AbortTask(ctx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrTaskAlreadyFinished):
			if rec != nil {
				rec = s.masker.MaskRecord(rec)
			}
			return rec, fmt.Errorf("abort task %s: %w", taskID, ErrAlreadyFinished)
		case errors.Is(err, taskstore.ErrTaskNotFound):
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		default:
			return nil, fmt.Errorf("abort task: %w", err)
		}
	}
	return s.masker.MaskRecord(rec), nil
}

// List returns the user's most recent tasks, newest first.
func (s *TaskService) List(ctx context.Context, userID string, limit int) ([]TaskSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewValidationError("user_id", "user_id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.store.ListUserTasks(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", userID, err)
	}

	summaries := make([]TaskSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, taskstore.ErrTaskNotFound) {
				// The per-user index outlives expired records; skip those.
				continue
			}
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		masked := s.masker.MaskRecord(rec)
		summaries = append(summaries, TaskSummary{
			TaskID:             masked.TaskID,
			Query:              masked.Query,
			Status:             masked.Status,
			TemplateName:       masked.TemplateName,
			ProgressPercentage: masked.ProgressPercentage,
			StartedAt:          masked.StartedAt,
			UpdatedAt:          masked.UpdatedAt,
		})
	}
	return summaries, nil
}

func mapStoreErr(taskID string, err error) error {
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return err
}
