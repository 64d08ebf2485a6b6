package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

// StageScript produces one stage's result for a dequeued task message. It
// runs inside the production harness, so everything around it (ReAct
// bookkeeping, result persistence, completion events, ack/nak) is real.
type StageScript func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error)

// ScriptedAgents maps each work stage to a script. Unset stages answer with
// happy-path defaults; scenarios override the stages they care about.
type ScriptedAgents struct {
	mu      sync.Mutex
	scripts map[string]StageScript
}

// NewScriptedAgents returns a set preloaded with deterministic defaults:
// the intent classifier calls everything informational/medium, retrieval
// hands back d1 and d2, the executor drafts with confidence 0.82, and the
// moderator approves with a perfect safety score.
func NewScriptedAgents() *ScriptedAgents {
	return &ScriptedAgents{scripts: map[string]StageScript{
		models.StageIntentAnalysis: func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
			react.Thought(ctx, "classifying query intent")
			return mustMarshal(models.IntentResult{
				Classification:     "informational",
				Complexity:         "medium",
				ProcessingStrategy: "standard",
				Confidence:         0.9,
			}), "classified informational/medium", nil
		},
		models.StageEmbeddingLookup: func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
			react.Thought(ctx, "searching the knowledge collection")
			return mustMarshal(models.EmbeddingResult{
				Documents: []models.Document{
					{ID: "d1", Title: "On-call rotation policy", Score: 0.93, Source: "vector_store"},
					{ID: "d2", Title: "Escalation handbook", Score: 0.87, Source: "vector_store"},
				},
				Context: "retrieved context",
			}), "found 2 documents", nil
		},
		models.StageWebSearch: func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
			react.Thought(ctx, "searching the web")
			return mustMarshal(models.WebSearchResult{
				Documents: []models.Document{
					{ID: "w1", Title: "Incident response primer", Score: 0.91, Source: "web_search"},
					{ID: "w2", Title: "SRE weekly digest", Score: 0.84, Source: "web_search"},
				},
			}), "found 2 web results", nil
		},
		models.StageExecutorReasoning: func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
			react.Thought(ctx, "reasoning over retrieved sources")
			return mustMarshal(models.ExecutorResult{
				AIResponse: models.AIResponse{
					Content:    "The on-call rotation changes every Monday at 09:00 UTC.",
					Confidence: 0.82,
				},
				ReasoningMetadata: map[string]any{"model": "scripted"},
			}), "draft ready", nil
		},
		models.StageModeration: func(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
			react.Thought(ctx, "screening drafted content")
			return mustMarshal(models.ModerationResult{
				Approved:    true,
				SafetyScore: 1.0,
			}), "approved", nil
		},
	}}
}

// Script replaces the behavior of one stage.
func (a *ScriptedAgents) Script(stage string, fn StageScript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[stage] = fn
}

func (a *ScriptedAgents) run(ctx context.Context, stage string, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	a.mu.Lock()
	fn := a.scripts[stage]
	a.mu.Unlock()
	if fn == nil {
		return nil, "", fmt.Errorf("no script for stage %s", stage)
	}
	return fn(ctx, msg, react)
}

// scriptedProcessor adapts one stage of a ScriptedAgents set to the harness
// Processor interface. Names match the built-in agent registry so the
// harness accepts the stage binding.
type scriptedProcessor struct {
	name   string
	stage  string
	agents *ScriptedAgents
}

func (p *scriptedProcessor) Name() string  { return p.name }
func (p *scriptedProcessor) Stage() string { return p.stage }

func (p *scriptedProcessor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	return p.agents.run(ctx, p.stage, msg, react)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// AdaptiveStub is a scriptable stand-in for the adaptive service. By default
// it answers immediately with a recognizable non-default recommendation set,
// so tests can tell service output from the built-in fallback.
type AdaptiveStub struct {
	server *httptest.Server

	mu    sync.Mutex
	delay time.Duration
}

func NewAdaptiveStub() *AdaptiveStub {
	stub := &AdaptiveStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	return stub
}

func (s *AdaptiveStub) URL() string { return s.server.URL }

func (s *AdaptiveStub) Close() { s.server.Close() }

// SetDelay makes every subsequent call hang for d before answering,
// simulating a slow adaptive service.
func (s *AdaptiveStub) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ServedRecommendations is the payload the stub hands back on success.
func ServedRecommendations() *models.Recommendations {
	return &models.Recommendations{
		ResponseStyle:       map[string]any{"detail_level": "detailed"},
		ContextOptimization: map[string]any{"max_context_documents": float64(8)},
		ConversationFlow:    map[string]any{"follow_up_suggestions": true},
		Personalization:     map[string]any{"level": "high"},
		Confidence:          0.9,
	}
}

func (s *AdaptiveStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ServedRecommendations())
}
