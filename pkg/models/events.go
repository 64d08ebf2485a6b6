package models

import "time"

// Progress event actions emitted by the Coordinator over a task's lifetime.
const (
	ProgressActionCreated    = "created"
	ProgressActionStageStart = "stage_start"
	ProgressActionTransition = "transition"
	ProgressActionComplete   = "complete"
	ProgressActionError      = "error"
	ProgressActionAborted    = "aborted"
)

// ProgressEvent is appended to a per-task stream, one per noteworthy
// transition, and fanned out on the task's progress channel.
type ProgressEvent struct {
	TaskID    string         `json:"task_id"`
	Stage     string         `json:"stage,omitempty"`
	Action    string         `json:"action"`
	Message   string         `json:"message,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StepKind classifies a ReAct step.
type StepKind string

const (
	StepThought     StepKind = "thought"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepFinalAnswer StepKind = "final_answer"
	StepError       StepKind = "error"
)

// ReActStep is a reasoning log entry emitted by an agent while it works.
type ReActStep struct {
	TaskID    string    `json:"task_id"`
	AgentName string    `json:"agent_name"`
	StepKind  StepKind  `json:"step_kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionEvent is the small signal published when a stage finishes.
// The full structured result lives in the task store under the stage key.
type CompletionEvent struct {
	TaskID  string `json:"task_id"`
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`

	// Transient marks a failure worth retrying (e.g. a flaky upstream),
	// as opposed to a deterministic one.
	Transient bool `json:"transient,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ResponseReadyEvent announces a packaged final response on ai:response:ready.
type ResponseReadyEvent struct {
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}
