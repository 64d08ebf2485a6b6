package coordinator

import (
	"math"
	"sort"
	"time"

	"github.com/master-control/mcp/pkg/models"
)

// Confidence inputs default to neutral values when the producing stage is not
// part of the plan: no executor yields 0.5, no moderation leaves the clamp
// open.
const (
	defaultExecutorConfidence = 0.5
	defaultSafetyScore        = 1.0
)

// buildFinalResponse assembles the terminal payload from the task record and
// its reasoning trace. Sources are deduplicated and ordered by descending
// score (stable, so equal scores keep integration order); confidence is the
// executor's confidence clamped to the moderation safety score.
func buildFinalResponse(rec *models.TaskRecord, steps []models.ReActStep, duration time.Duration) *models.FinalResponse {
	content := rec.Context
	confidence := defaultExecutorConfidence
	if rec.AIResponse != nil {
		content = rec.AIResponse.Content
		confidence = rec.AIResponse.Confidence
	}

	safety := defaultSafetyScore
	if rec.SafetyScore != nil {
		safety = *rec.SafetyScore
	}
	confidence = math.Min(confidence, safety)

	sources := mergeDocuments(nil, rec.VectorHits)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})

	trace := append([]models.ReActStep(nil), steps...)
	sort.SliceStable(trace, func(i, j int) bool {
		return trace[i].Timestamp.Before(trace[j].Timestamp)
	})

	return &models.FinalResponse{
		Content:    content,
		Sources:    sources,
		Confidence: confidence,
		ReactSteps: trace,
		Metadata: models.ResponseMetadata{
			TotalStages:    len(rec.Plan),
			DurationMS:     duration.Milliseconds(),
			AgentsInvolved: distinctAgents(trace),
			ReactCount:     len(trace),
			SourceCount:    len(sources),
			SafetyScore:    safety,
		},
	}
}

// distinctAgents returns the sorted set of agent names appearing in the trace.
func distinctAgents(steps []models.ReActStep) []string {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.AgentName != "" {
			seen[s.AgentName] = struct{}{}
		}
	}

	agents := make([]string, 0, len(seen))
	for name := range seen {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	return agents
}
