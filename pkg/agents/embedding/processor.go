// Package embedding serves the embedding_lookup stage: vector similarity
// search over a seeded knowledge collection, with the hits assembled into a
// context block for the executor.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/tokens"
)

// maxContextTokens caps the context block built from retrieved documents.
const maxContextTokens = 1200

// Processor is the built-in retrieval agent.
type Processor struct {
	store *Store
}

func NewProcessor(store *Store) *Processor { return &Processor{store: store} }

func (p *Processor) Name() string  { return "embedding_agent" }
func (p *Processor) Stage() string { return models.StageEmbeddingLookup }

func (p *Processor) Process(ctx context.Context, msg *models.TaskMessage, react *agent.ReactEmitter) (json.RawMessage, string, error) {
	react.Thought(ctx, fmt.Sprintf("searching knowledge collection of %d documents", p.store.Count()))

	docs, err := p.store.Search(ctx, msg.Query, 0)
	if err != nil {
		// The store is shared infrastructure; a replica with a healthy one
		// may succeed.
		return nil, "", agent.Transient(fmt.Errorf("embedding lookup: %w", err))
	}

	react.Observation(ctx, fmt.Sprintf("found %d documents", len(docs)))

	res := models.EmbeddingResult{
		Documents: docs,
		Context:   buildContext(docs),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, "", fmt.Errorf("encode embedding result: %w", err)
	}
	return raw, fmt.Sprintf("retrieved %d documents", len(docs)), nil
}

// buildContext concatenates document contents under a token budget, best
// match first.
func buildContext(docs []models.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, doc := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if doc.Title != "" {
			b.WriteString(doc.Title)
			b.WriteString(": ")
		}
		b.WriteString(doc.Content)
	}
	return tokens.Truncate(b.String(), maxContextTokens)
}
