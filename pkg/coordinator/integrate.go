package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/master-control/mcp/pkg/models"
)

// integrateStageResult folds a completed stage's raw result into the task
// record. The raw payload is always stashed under per_stage_results; the
// typed fields below are what later stages and packaging read.
//
// Retrieval stages merge rather than assign: web_enhanced runs web_search
// before embedding_lookup, and both contribute hits. On ID collision the
// earlier document wins and insertion order is preserved.
func integrateStageResult(rec *models.TaskRecord, stage string, raw json.RawMessage) error {
	if rec.PerStageResults == nil {
		rec.PerStageResults = make(map[string]json.RawMessage)
	}
	rec.PerStageResults[stage] = raw

	switch stage {
	case models.StageIntentAnalysis:
		var res models.IntentResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode %s result: %w", stage, err)
		}
		rec.IntentClassification = res.Classification
		rec.ProcessingStrategy = res.ProcessingStrategy

	case models.StageEmbeddingLookup:
		var res models.EmbeddingResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode %s result: %w", stage, err)
		}
		rec.VectorHits = mergeDocuments(rec.VectorHits, res.Documents)
		rec.Context = res.Context

	case models.StageWebSearch:
		var res models.WebSearchResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode %s result: %w", stage, err)
		}
		rec.VectorHits = mergeDocuments(rec.VectorHits, res.Documents)

	case models.StageExecutorReasoning:
		var res models.ExecutorResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode %s result: %w", stage, err)
		}
		ai := res.AIResponse
		rec.AIResponse = &ai
		rec.ReasoningMetadata = res.ReasoningMetadata

	case models.StageModeration:
		var res models.ModerationResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode %s result: %w", stage, err)
		}
		score := res.SafetyScore
		rec.ModerationOutcome = &res
		rec.SafetyScore = &score

	default:
		return fmt.Errorf("no integration rule for stage %q", stage)
	}
	return nil
}

// mergeDocuments appends incoming documents to existing ones, dropping any
// whose ID was already seen. Documents without an ID cannot be deduplicated
// and are always kept.
func mergeDocuments(existing, incoming []models.Document) []models.Document {
	if len(incoming) == 0 {
		return existing
	}

	seen := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		if d.ID != "" {
			seen[d.ID] = struct{}{}
		}
	}

	merged := existing
	for _, d := range incoming {
		if d.ID != "" {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
		}
		merged = append(merged, d)
	}
	return merged
}

// advanceDAG marks the current stage completed, moves current_stage to the
// next plan entry (or empty past the end), and recomputes progress.
func advanceDAG(rec *models.TaskRecord) {
	stage := rec.CurrentStage
	if stage == "" {
		return
	}
	rec.CompletedStages = append(rec.CompletedStages, stage)

	if i := rec.StageIndex(stage); i >= 0 && i+1 < len(rec.Plan) {
		rec.CurrentStage = rec.Plan[i+1]
	} else {
		rec.CurrentStage = ""
	}

	rec.ProgressPercentage = progressFor(len(rec.CompletedStages), len(rec.Plan))
}

// progressFor computes floor(100 * completed / planned), the task's progress
// percentage after completing that many plan stages.
func progressFor(completed, planned int) int {
	if planned <= 0 {
		return 0
	}
	return 100 * completed / planned
}
