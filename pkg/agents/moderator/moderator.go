// Package moderator serves the moderation stage: a deterministic rule screen
// that scores the drafted answer and flags policy categories. The screen
// clamps what the packager reports; it does not adjudicate content.
package moderator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

const (
	defaultApprovalThreshold = 0.5
	credentialLeakPenalty    = 0.4
	minSafetyScore           = 0.05
)

// Redactor reports credential-bearing text by rewriting it. Satisfied by
// *masking.Service.
type Redactor interface {
	MaskText(text string) string
}

// Config holds the moderation settings.
type Config struct {
	// ApprovalThreshold is the minimum safety score that still passes.
	// Zero means 0.5.
	ApprovalThreshold float64

	// Redactor detects credential leakage when set.
	Redactor Redactor
}

type rule struct {
	category string
	penalty  float64
	re       *regexp.Regexp
}

type ruleSpec struct {
	category string
	penalty  float64
	terms    []string
}

var builtinRules = []ruleSpec{
	{category: "violence", penalty: 0.6, terms: []string{"kill", "attack", "bomb", "shoot", "stab", "murder"}},
	{category: "self_harm", penalty: 0.7, terms: []string{"suicide", "self-harm", "hurt myself"}},
	{category: "harassment", penalty: 0.3, terms: []string{"idiot", "moron", "loser"}},
}

// Processor is the built-in moderation agent.
type Processor struct {
	threshold float64
	redactor  Redactor
	rules     []rule
}

func NewProcessor(cfg Config) *Processor {
	threshold := cfg.ApprovalThreshold
	if threshold <= 0 {
		threshold = defaultApprovalThreshold
	}
	return &Processor{
		threshold: threshold,
		redactor:  cfg.Redactor,
		rules:     compileRules(builtinRules),
	}
}

func compileRules(specs []ruleSpec) []rule {
	rules := make([]rule, 0, len(specs))
	for _, spec := range specs {
		escaped := make([]string, len(spec.terms))
		for i, term := range spec.terms {
			escaped[i] = regexp.QuoteMeta(term)
		}
		rules = append(rules, rule{
			category: spec.category,
			penalty:  spec.penalty,
			re:       regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`),
		})
	}
	return rules
}

func (p *Processor) Name() string  { return "moderator_agent" }
func (p *Processor) Stage() string { return models.StageModeration }

func (p *Processor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	content := moderationText(msg)
	react.Thought(ctx, fmt.Sprintf("screening %d characters of drafted content", len(content)))

	res := p.screen(content)

	if len(res.Categories) == 0 {
		react.Observation(ctx, fmt.Sprintf("safety score %.2f, no categories flagged", res.SafetyScore))
	} else {
		react.Observation(ctx, fmt.Sprintf("safety score %.2f, flagged: %s",
			res.SafetyScore, strings.Join(res.Categories, ", ")))
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, "", fmt.Errorf("encode moderation result: %w", err)
	}

	summary := fmt.Sprintf("approved (safety %.2f)", res.SafetyScore)
	if !res.Approved {
		summary = fmt.Sprintf("flagged %s (safety %.2f)", strings.Join(res.Categories, ", "), res.SafetyScore)
	}
	return raw, summary, nil
}

// screen scores text starting from 1.0 and subtracting one penalty per
// matched category. A flagged answer is still a successful stage; the
// verdict travels in the result.
func (p *Processor) screen(text string) models.ModerationResult {
	score := 1.0
	var categories []string

	for _, r := range p.rules {
		if r.re.MatchString(text) {
			categories = append(categories, r.category)
			score -= r.penalty
		}
	}

	if p.redactor != nil && p.redactor.MaskText(text) != text {
		categories = append(categories, "credential_leak")
		score -= credentialLeakPenalty
	}

	if score < minSafetyScore {
		score = minSafetyScore
	}

	return models.ModerationResult{
		Approved:    score >= p.threshold,
		SafetyScore: score,
		Categories:  categories,
	}
}

// moderationText picks what to screen: the drafted answer when the executor
// ran, otherwise the accumulated context, otherwise the query itself.
func moderationText(msg *models.TaskMessage) string {
	var execRes models.ExecutorResult
	if err := msg.StageResult(models.StageExecutorReasoning, &execRes); err == nil && execRes.AIResponse.Content != "" {
		return execRes.AIResponse.Content
	}
	if msg.Context != "" {
		return msg.Context
	}
	return msg.Query
}
