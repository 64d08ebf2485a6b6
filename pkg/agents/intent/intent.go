// Package intent serves the intent_analysis stage. It classifies the query,
// estimates its complexity, and picks the processing strategy that later
// stages key their behavior on.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

// Classification buckets.
const (
	ClassComparison      = "comparison"
	ClassTroubleshooting = "troubleshooting"
	ClassHowTo           = "how_to"
	ClassFactual         = "factual_question"
	ClassConversational  = "conversational"
)

// Processing strategies the executor understands.
const (
	StrategyDirectAnswer      = "direct_answer"
	StrategyRetrieveAndAnswer = "retrieve_and_answer"
	StrategyMultiSource       = "multi_source_research"
)

// Complexity levels, by query length.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Processor is the built-in intent classifier. Classification is rule based
// and deterministic, so the same query always routes the same way.
type Processor struct{}

func NewProcessor() *Processor { return &Processor{} }

func (p *Processor) Name() string  { return "intent_agent" }
func (p *Processor) Stage() string { return models.StageIntentAnalysis }

func (p *Processor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	react.Thought(ctx, fmt.Sprintf("classifying query of %d words", len(strings.Fields(msg.Query))))

	res := Classify(msg.Query)

	react.Observation(ctx, fmt.Sprintf("classification=%s complexity=%s strategy=%s",
		res.Classification, res.Complexity, res.ProcessingStrategy))

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, "", fmt.Errorf("encode intent result: %w", err)
	}
	summary := fmt.Sprintf("classified as %s (%s complexity)", res.Classification, res.Complexity)
	return raw, summary, nil
}

// Classify derives the intent of a query. Rules are checked most specific
// first; a query that matches nothing is treated as conversational.
func Classify(query string) models.IntentResult {
	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)

	if len(words) == 0 {
		return models.IntentResult{
			Classification:     ClassConversational,
			Complexity:         ComplexityLow,
			ProcessingStrategy: StrategyDirectAnswer,
			Confidence:         0.3,
		}
	}

	complexity := complexityFor(len(words))
	classification, confidence := classify(q)

	return models.IntentResult{
		Classification:     classification,
		Complexity:         complexity,
		ProcessingStrategy: strategyFor(classification, complexity),
		Confidence:         confidence,
	}
}

func complexityFor(words int) string {
	switch {
	case words < 8:
		return ComplexityLow
	case words < 20:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

func classify(q string) (string, float64) {
	switch {
	case containsAny(q, " vs ", " versus ", "compare", "difference between"):
		return ClassComparison, 0.9
	case containsAny(q, "error", "failing", "failed", "broken", "crash", "not working", "timeout"):
		return ClassTroubleshooting, 0.85
	case hasAnyPrefix(q, "how do", "how to", "how can", "how should"):
		return ClassHowTo, 0.85
	case hasAnyPrefix(q, "what", "why", "when", "where", "who", "which", "is ", "are ", "does ", "can ") ||
		strings.HasSuffix(q, "?"):
		return ClassFactual, 0.75
	default:
		return ClassConversational, 0.6
	}
}

func strategyFor(classification, complexity string) string {
	switch classification {
	case ClassComparison, ClassTroubleshooting:
		if complexity == ComplexityHigh {
			return StrategyMultiSource
		}
		return StrategyRetrieveAndAnswer
	case ClassHowTo:
		return StrategyRetrieveAndAnswer
	case ClassFactual:
		if complexity == ComplexityLow {
			return StrategyDirectAnswer
		}
		return StrategyRetrieveAndAnswer
	default:
		return StrategyDirectAnswer
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
