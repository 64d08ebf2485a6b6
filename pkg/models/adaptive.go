package models

// Recommendations is the per-user personalization block fetched from the
// adaptive service and bundled into every TaskMessage. The top-level keys
// are fixed; their contents are free-form hints interpreted by agents.
type Recommendations struct {
	ResponseStyle       map[string]any `json:"response_style"`
	ContextOptimization map[string]any `json:"context_optimization"`
	ConversationFlow    map[string]any `json:"conversation_flow"`
	Personalization     map[string]any `json:"personalization"`
	Confidence          float64        `json:"confidence"`
}

// DefaultRecommendations is the fallback used when the adaptive service times
// out or fails: moderate everything, low confidence.
func DefaultRecommendations() *Recommendations {
	return &Recommendations{
		ResponseStyle: map[string]any{
			"detail_level":    "moderate",
			"technical_depth": "medium",
			"use_examples":    true,
			"structured":      true,
		},
		ContextOptimization: map[string]any{
			"max_context_documents": 5,
			"prefer_recent":         true,
		},
		ConversationFlow: map[string]any{
			"follow_up_suggestions": false,
		},
		Personalization: map[string]any{
			"level": "minimal",
		},
		Confidence: 0.4,
	}
}
