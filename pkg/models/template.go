package models

// Stage names understood by the built-in templates and integration rules.
const (
	StageIntentAnalysis    = "intent_analysis"
	StageEmbeddingLookup   = "embedding_lookup"
	StageWebSearch         = "web_search"
	StageExecutorReasoning = "executor_reasoning"
	StageModeration        = "moderation"
	StageResponsePackaging = "response_packaging"
)

// DAGTemplate is a named, ordered list of stages defining one way to answer
// a query. Templates are immutable at runtime; conditions are selection
// hints only and play no part in execution.
type DAGTemplate struct {
	Name                string   `json:"name" yaml:"name"`
	Description         string   `json:"description" yaml:"description"`
	Stages              []string `json:"stages" yaml:"stages"`
	Conditions          []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	EstimatedDurationMS int64    `json:"estimated_duration_ms" yaml:"estimated_duration_ms"`
}

// Clone returns a copy with independent slices.
func (t *DAGTemplate) Clone() *DAGTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.Stages = append([]string(nil), t.Stages...)
	c.Conditions = append([]string(nil), t.Conditions...)
	return &c
}
