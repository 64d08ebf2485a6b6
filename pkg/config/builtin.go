package config

import (
	"sync"

	"github.com/master-control/mcp/pkg/models"
)

// BuiltinConfig holds all built-in configuration data: the default DAG
// templates, the built-in agent bindings, and the secret masking patterns.
type BuiltinConfig struct {
	Templates       map[string]models.DAGTemplate
	Agents          map[string]AgentConfig
	MaskingPatterns map[string]MaskingPattern
}

// MaskingPattern is a regex-based redaction rule applied to task text before
// it leaves the control API.
type MaskingPattern struct {
	Pattern     string
	Replacement string
	Description string
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Templates:       initBuiltinTemplates(),
		Agents:          initBuiltinAgents(),
		MaskingPatterns: initBuiltinMaskingPatterns(),
	}
}

// initBuiltinTemplates returns the five standard flows. Stage order is part
// of the external contract; clients assert on completed_stages sequences.
func initBuiltinTemplates() map[string]models.DAGTemplate {
	return map[string]models.DAGTemplate{
		"standard_query": {
			Name:        "standard_query",
			Description: "Full pipeline: classify, retrieve, reason, moderate",
			Stages: []string{
				models.StageIntentAnalysis,
				models.StageEmbeddingLookup,
				models.StageExecutorReasoning,
				models.StageModeration,
				models.StageResponsePackaging,
			},
			Conditions:          []string{"default"},
			EstimatedDurationMS: 8000,
		},
		"simple_lookup": {
			Name:        "simple_lookup",
			Description: "Retrieval only, no reasoning pass",
			Stages: []string{
				models.StageEmbeddingLookup,
				models.StageResponsePackaging,
			},
			Conditions:          []string{"lookup", "definition"},
			EstimatedDurationMS: 2000,
		},
		"complex_research": {
			Name:        "complex_research",
			Description: "Retrieval plus web search for research-grade answers",
			Stages: []string{
				models.StageIntentAnalysis,
				models.StageEmbeddingLookup,
				models.StageWebSearch,
				models.StageExecutorReasoning,
				models.StageModeration,
				models.StageResponsePackaging,
			},
			Conditions:          []string{"research", "multi_source"},
			EstimatedDurationMS: 15000,
		},
		"web_enhanced": {
			Name:        "web_enhanced",
			Description: "Web results first, vector hits as backfill",
			Stages: []string{
				models.StageIntentAnalysis,
				models.StageWebSearch,
				models.StageEmbeddingLookup,
				models.StageExecutorReasoning,
				models.StageModeration,
				models.StageResponsePackaging,
			},
			Conditions:          []string{"current_events", "freshness"},
			EstimatedDurationMS: 12000,
		},
		"quick_answer": {
			Name:        "quick_answer",
			Description: "Skip classification and moderation for trivial queries",
			Stages: []string{
				models.StageEmbeddingLookup,
				models.StageExecutorReasoning,
				models.StageResponsePackaging,
			},
			Conditions:          []string{"trivial", "short"},
			EstimatedDurationMS: 4000,
		},
	}
}

func initBuiltinAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"intent_agent": {
			Description: "Classifies query intent and picks a processing strategy",
			Stage:       models.StageIntentAnalysis,
		},
		"embedding_agent": {
			Description: "Vector similarity lookup against the document store",
			Stage:       models.StageEmbeddingLookup,
		},
		"executor_agent": {
			Description: "Reasoning agent that drafts the answer",
			Stage:       models.StageExecutorReasoning,
		},
		"moderator_agent": {
			Description: "Safety screen over the drafted answer",
			Stage:       models.StageModeration,
		},
		"websearch_agent": {
			Description: "External web search for fresh sources",
			Stage:       models.StageWebSearch,
		},
	}
}

// initBuiltinMaskingPatterns returns the redaction rules applied to task
// fields on API output. Patterns only need to catch secrets that plausibly
// flow through queries, agent context, and error strings.
func initBuiltinMaskingPatterns() map[string]MaskingPattern {
	return map[string]MaskingPattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `api_key=__MASKED_API_KEY__`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `password=__MASKED_PASSWORD__`,
			Description: "Passwords",
		},
		"bearer_token": {
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`,
			Replacement: `Bearer __MASKED_TOKEN__`,
			Description: "Bearer tokens",
		},
		"token": {
			Pattern:     `(?i)(?:token|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `token=__MASKED_TOKEN__`,
			Description: "Access tokens",
		},
		"connection_string": {
			Pattern:     `(?i)\b[a-z][a-z0-9+]*://[^\s:@/]+:([^\s@]+)@`,
			Replacement: `__MASKED_CONNECTION_STRING__@`,
			Description: "Credentials embedded in URLs",
		},
		"private_key_block": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_PRIVATE_KEY__`,
			Description: "PEM key blocks",
		},
	}
}
