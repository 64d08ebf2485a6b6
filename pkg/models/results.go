package models

// Document is one retrieved hit, from the vector store or from web search.
// ID must be stable across sources so deduplication can key on it.
type Document struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// IntentResult is the intent_analysis stage output.
type IntentResult struct {
	Classification     string  `json:"classification"`
	Complexity         string  `json:"complexity"`
	ProcessingStrategy string  `json:"processing_strategy"`
	Confidence         float64 `json:"confidence"`
}

// EmbeddingResult is the embedding_lookup stage output.
type EmbeddingResult struct {
	Documents []Document `json:"documents"`
	Context   string     `json:"context,omitempty"`
}

// WebSearchResult is the web_search stage output.
type WebSearchResult struct {
	Documents []Document `json:"documents"`
}

// AIResponse is the language response produced by the executor stage.
type AIResponse struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// ExecutorResult is the executor_reasoning stage output.
type ExecutorResult struct {
	AIResponse        AIResponse     `json:"ai_response"`
	ReasoningMetadata map[string]any `json:"reasoning_metadata,omitempty"`
}

// ModerationResult is the moderation stage output. SafetyScore is in [0,1];
// packaging clamps the final confidence to it.
type ModerationResult struct {
	Approved    bool     `json:"approved"`
	SafetyScore float64  `json:"safety_score"`
	Categories  []string `json:"categories,omitempty"`
}
