// Package executor serves the executor_reasoning stage. It assembles the
// reasoning request from the query, the accumulated context, and prior stage
// results, enforces the context token budget, and delegates drafting to a
// Reasoner, either the HTTP gateway or the local fallback.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/tokens"
)

// defaultMaxContextTokens bounds what one reasoning call may carry.
const defaultMaxContextTokens = 2048

// Processor is the built-in reasoning agent.
type Processor struct {
	reasoner  Reasoner
	maxTokens int
}

// NewProcessor wires the stage around a reasoner. A non-positive
// maxContextTokens falls back to the default budget.
func NewProcessor(reasoner Reasoner, maxContextTokens int) *Processor {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Processor{reasoner: reasoner, maxTokens: maxContextTokens}
}

func (p *Processor) Name() string  { return "executor_agent" }
func (p *Processor) Stage() string { return models.StageExecutorReasoning }

func (p *Processor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	req := p.buildRequest(msg)
	contextTokens := tokens.Count(req.Context)

	react.Thought(ctx, fmt.Sprintf("reasoning over %d sources (%d context tokens)", req.SourceCount, contextTokens))

	res, err := p.reasoner.Reason(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("reason about %q: %w", msg.Query, err)
	}

	react.Observation(ctx, fmt.Sprintf("draft ready with confidence %.2f", res.Confidence))

	meta := res.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["context_tokens"] = contextTokens
	meta["source_count"] = req.SourceCount

	out := models.ExecutorResult{
		AIResponse: models.AIResponse{
			Content:    res.Content,
			Confidence: res.Confidence,
		},
		ReasoningMetadata: meta,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("encode executor result: %w", err)
	}
	return raw, fmt.Sprintf("drafted answer (confidence %.2f)", res.Confidence), nil
}

// buildRequest folds prior stage results into the reasoning request. All of
// them are optional; a pipeline without retrieval stages still reasons over
// the bare query.
func (p *Processor) buildRequest(msg *models.TaskMessage) *ReasonRequest {
	req := &ReasonRequest{
		Query:           msg.Query,
		Context:         tokens.Truncate(msg.Context, p.maxTokens),
		Recommendations: msg.AdaptiveRecommendations,
	}

	var intentRes models.IntentResult
	if err := msg.StageResult(models.StageIntentAnalysis, &intentRes); err == nil {
		req.Classification = intentRes.Classification
		req.Strategy = intentRes.ProcessingStrategy
	}

	var embRes models.EmbeddingResult
	if err := msg.StageResult(models.StageEmbeddingLookup, &embRes); err == nil {
		req.SourceCount += len(embRes.Documents)
	}

	var webRes models.WebSearchResult
	if err := msg.StageResult(models.StageWebSearch, &webRes); err == nil {
		req.SourceCount += len(webRes.Documents)
	}
	return req
}
