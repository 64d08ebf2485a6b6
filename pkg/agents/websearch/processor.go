// Package websearch serves the web_search stage through a pluggable search
// provider: an HTTP gateway in production, canned fixtures everywhere else.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

// SourceWebSearch marks documents that came from a search provider.
const SourceWebSearch = "web_search"

const defaultLimit = 5

// Provider returns external documents for a query.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]models.Document, error)
}

// Processor is the built-in web search agent.
type Processor struct {
	provider Provider
	limit    int
}

// NewProcessor wires the stage around a provider. A non-positive limit
// falls back to 5 results.
func NewProcessor(provider Provider, limit int) *Processor {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Processor{provider: provider, limit: limit}
}

func (p *Processor) Name() string  { return "websearch_agent" }
func (p *Processor) Stage() string { return models.StageWebSearch }

func (p *Processor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	react.Thought(ctx, fmt.Sprintf("searching the web for %q", msg.Query))

	docs, err := p.provider.Search(ctx, msg.Query, p.limit)
	if err != nil {
		return nil, "", fmt.Errorf("web search: %w", err)
	}

	for i := range docs {
		if docs[i].Source == "" {
			docs[i].Source = SourceWebSearch
		}
	}

	react.Observation(ctx, fmt.Sprintf("found %d web results", len(docs)))

	raw, err := json.Marshal(models.WebSearchResult{Documents: docs})
	if err != nil {
		return nil, "", fmt.Errorf("encode web search result: %w", err)
	}
	return raw, fmt.Sprintf("found %d web results", len(docs)), nil
}
