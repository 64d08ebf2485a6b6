package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskMessage is placed on a stage queue to request work. It carries the
// snapshot the agent needs so the agent never reads the task record.
type TaskMessage struct {
	TaskID          string                     `json:"task_id"`
	Stage           string                     `json:"stage"`
	Query           string                     `json:"query"`
	UserID          string                     `json:"user_id"`
	Context         string                     `json:"context,omitempty"`
	PerStageResults map[string]json.RawMessage `json:"per_stage_results,omitempty"`
	TemplateName    string                     `json:"template_name"`

	// AdaptiveRecommendations lets the agent personalize its output.
	// Always present; falls back to defaults when the adaptive service is down.
	AdaptiveRecommendations *Recommendations `json:"adaptive_recommendations,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields a consumer cannot work without.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("task message missing task_id")
	}
	if m.Stage == "" {
		return fmt.Errorf("task message missing stage")
	}
	return nil
}

// StageResult extracts a prior stage's result from the carried snapshot.
func (m *TaskMessage) StageResult(stage string, out any) error {
	raw, ok := m.PerStageResults[stage]
	if !ok {
		return fmt.Errorf("no result for stage %q in task message", stage)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", stage, err)
	}
	return nil
}
