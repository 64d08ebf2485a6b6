package models

// ResponseMetadata summarizes how a final response was produced.
type ResponseMetadata struct {
	TotalStages    int      `json:"total_stages"`
	DurationMS     int64    `json:"duration_ms"`
	AgentsInvolved []string `json:"agents_involved"`
	ReactCount     int      `json:"react_count"`
	SourceCount    int      `json:"source_count"`
	SafetyScore    float64  `json:"safety_score"`
}

// FinalResponse is the packaged terminal payload of a completed task.
type FinalResponse struct {
	Content string `json:"content"`

	// Sources is deduplicated and sorted by descending score.
	Sources []Document `json:"sources"`

	// Confidence is min(executor confidence, moderation safety score).
	Confidence float64 `json:"confidence"`

	// ReactSteps is the chronological reasoning trace.
	ReactSteps []ReActStep `json:"react_steps"`

	Metadata ResponseMetadata `json:"metadata"`
}

// Clone returns a copy with independent slices.
func (r *FinalResponse) Clone() *FinalResponse {
	if r == nil {
		return nil
	}
	c := *r
	c.Sources = append([]Document(nil), r.Sources...)
	c.ReactSteps = append([]ReActStep(nil), r.ReactSteps...)
	c.Metadata.AgentsInvolved = append([]string(nil), r.Metadata.AgentsInvolved...)
	return &c
}
