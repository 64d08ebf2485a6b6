package websearch

import (
	"context"
	"sort"
	"strings"

	"github.com/master-control/mcp/pkg/models"
)

// FixtureProvider serves canned results ranked by keyword overlap with the
// query. It backs deployments without a search gateway and keeps tests
// hermetic. Ranking is deterministic: ties keep seeding order.
type FixtureProvider struct {
	docs []models.Document
}

func NewFixtureProvider(docs []models.Document) *FixtureProvider {
	return &FixtureProvider{docs: docs}
}

func (p *FixtureProvider) Search(_ context.Context, query string, limit int) ([]models.Document, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	var matches []models.Document
	for _, doc := range p.docs {
		text := strings.ToLower(doc.Title + " " + doc.Content)
		hits := 0
		for term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		doc.Score = float64(hits) / float64(len(terms))
		if doc.Source == "" {
			doc.Source = SourceWebSearch
		}
		matches = append(matches, doc)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// queryTerms lowercases and dedupes the query's words, dropping anything
// too short to carry signal.
func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,!?"'`)
		if len(w) <= 2 {
			continue
		}
		terms[w] = struct{}{}
	}
	return terms
}
