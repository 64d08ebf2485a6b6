// Package models contains the domain types shared across the orchestrator:
// task records, DAG templates, queue messages, events, and stage results.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusAborted    TaskStatus = "aborted"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusAborted
}

// TaskRecord is the authoritative live state of one query's execution.
// It is owned by the Coordinator while in progress; agents never mutate it,
// they write stage-scoped results and publish completion events instead.
type TaskRecord struct {
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	TemplateName   string `json:"template_name"`

	// Plan is the ordered stage list; immutable after creation.
	Plan []string `json:"plan"`

	// CurrentStage is a member of Plan, or empty once the task is terminal.
	CurrentStage string `json:"current_stage,omitempty"`

	// CompletedStages is ordered by completion time and is always a prefix of Plan.
	CompletedStages []string `json:"completed_stages"`

	Status             TaskStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`

	// Context is an opaque scratchpad agents may extend (e.g. retrieved passages).
	Context string `json:"context,omitempty"`

	// PerStageResults maps stage name to that stage's structured result.
	PerStageResults map[string]json.RawMessage `json:"per_stage_results,omitempty"`

	// Integrated fields, written by the Coordinator per the stage integration rules.
	IntentClassification string          `json:"intent_classification,omitempty"`
	ProcessingStrategy   string          `json:"processing_strategy,omitempty"`
	VectorHits           []Document      `json:"vector_hits,omitempty"`
	AIResponse           *AIResponse     `json:"ai_response,omitempty"`
	ReasoningMetadata    map[string]any  `json:"reasoning_metadata,omitempty"`
	ModerationOutcome    *ModerationResult `json:"moderation_result,omitempty"`
	SafetyScore          *float64        `json:"safety_score,omitempty"`

	FinalResponse *FinalResponse `json:"final_response,omitempty"`
	Error         string         `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing mutable slices or maps.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.Plan = append([]string(nil), t.Plan...)
	c.CompletedStages = append([]string(nil), t.CompletedStages...)
	c.VectorHits = append([]Document(nil), t.VectorHits...)
	if t.PerStageResults != nil {
		c.PerStageResults = make(map[string]json.RawMessage, len(t.PerStageResults))
		for k, v := range t.PerStageResults {
			c.PerStageResults[k] = append(json.RawMessage(nil), v...)
		}
	}
	if t.ReasoningMetadata != nil {
		c.ReasoningMetadata = make(map[string]any, len(t.ReasoningMetadata))
		for k, v := range t.ReasoningMetadata {
			c.ReasoningMetadata[k] = v
		}
	}
	if t.AIResponse != nil {
		a := *t.AIResponse
		c.AIResponse = &a
	}
	if t.ModerationOutcome != nil {
		m := *t.ModerationOutcome
		m.Categories = append([]string(nil), t.ModerationOutcome.Categories...)
		c.ModerationOutcome = &m
	}
	if t.SafetyScore != nil {
		v := *t.SafetyScore
		c.SafetyScore = &v
	}
	if t.FinalResponse != nil {
		c.FinalResponse = t.FinalResponse.Clone()
	}
	return &c
}

// StageIndex returns the position of stage in the plan, or -1.
func (t *TaskRecord) StageIndex(stage string) int {
	for i, s := range t.Plan {
		if s == stage {
			return i
		}
	}
	return -1
}
