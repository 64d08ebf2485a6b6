// Package agent provides the runtime every worker embeds. The harness owns
// queue consumption, the per-message processing budget, result persistence,
// completion signalling, and health heartbeats; implementers supply a
// Processor with the stage-specific work.
package agent

import (
	"context"
	"encoding/json"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/models"
)

// Processor is the stage-specific half of an agent.
//
// Process runs one task message to completion and returns the structured
// stage result plus a one-line summary for the completion event. It must
// respect ctx: the harness bounds every call with the configured per-message
// budget. Failures that a retry could plausibly clear should be wrapped with
// Transient.
type Processor interface {
	// Name identifies the agent in health rows, performance samples, and
	// ReAct steps.
	Name() string

	// Stage names the plan stage this agent serves; it selects the queue.
	Stage() string

	Process(ctx context.Context, msg *models.TaskMessage, react *ReactEmitter) (json.RawMessage, string, error)
}

// ResultStore persists structured stage results where the coordinator reads
// them. Satisfied by *taskstore.Store.
type ResultStore interface {
	PutStageResult(ctx context.Context, taskID, stage string, result json.RawMessage) error
}

// EventPublisher fans an event out to channel subscribers. Satisfied by
// *broker.Broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, payload any) error
}

// Transport is the broker surface the harness needs: queue consumption plus
// event publishing. Satisfied by *broker.Broker.
type Transport interface {
	EventPublisher
	Consume(ctx context.Context, queue string, handler broker.TaskHandler) error
}

// StateSink records performance samples and health heartbeats. Satisfied by
// *state.Manager. Sink failures are logged, never fatal.
type StateSink interface {
	RecordAgentPerformance(ctx context.Context, sample *models.AgentPerformanceSample) error
	UpdateAgentHealth(ctx context.Context, health *models.AgentHealth) error
}
