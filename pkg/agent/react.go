package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/master-control/mcp/pkg/models"
)

// ReactEmitter publishes one task's reasoning trail on its ai:react channel.
// Emission is best effort: a failed publish is logged and the stage carries
// on.
type ReactEmitter struct {
	bus    EventPublisher
	taskID string
	agent  string
	logger *slog.Logger
}

// NewReactEmitter builds an emitter for one task and agent pair.
func NewReactEmitter(bus EventPublisher, taskID, agentName string) *ReactEmitter {
	return &ReactEmitter{
		bus:    bus,
		taskID: taskID,
		agent:  agentName,
		logger: slog.With("task_id", taskID, "agent", agentName),
	}
}

// Thought records an intermediate reasoning note.
func (e *ReactEmitter) Thought(ctx context.Context, message string) {
	e.emit(ctx, models.StepThought, message)
}

// Action records an operation the agent is about to perform.
func (e *ReactEmitter) Action(ctx context.Context, message string) {
	e.emit(ctx, models.StepAction, message)
}

// Observation records what an action returned.
func (e *ReactEmitter) Observation(ctx context.Context, message string) {
	e.emit(ctx, models.StepObservation, message)
}

// FinalAnswer closes the trail for a successful stage.
func (e *ReactEmitter) FinalAnswer(ctx context.Context, message string) {
	e.emit(ctx, models.StepFinalAnswer, message)
}

// Error closes the trail for a failed stage.
func (e *ReactEmitter) Error(ctx context.Context, message string) {
	e.emit(ctx, models.StepError, message)
}

func (e *ReactEmitter) emit(ctx context.Context, kind models.StepKind, message string) {
	step := &models.ReActStep{
		TaskID:    e.taskID,
		AgentName: e.agent,
		StepKind:  kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.bus.PublishEvent(ctx, models.ReactChannel(e.taskID), step); err != nil {
		e.logger.Warn("Failed to publish ReAct step", "kind", kind, "error", err)
	}
}
