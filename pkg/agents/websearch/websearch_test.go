package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

type nopBus struct{}

func (nopBus) PublishEvent(context.Context, string, any) error { return nil }

type failingProvider struct{ err error }

func (p failingProvider) Search(context.Context, string, int) ([]models.Document, error) {
	return nil, p.err
}

func fixtureDocs() []models.Document {
	return []models.Document{
		{ID: "w1", Title: "Blue sky physics", Content: "Rayleigh scattering explains the blue color of the sky."},
		{ID: "w2", Title: "Weather patterns", Content: "Cloud formation and weather fronts."},
		{ID: "w3", Title: "Cooking pasta", Content: "Boil water, add salt, wait."},
	}
}

func TestFixtureProviderRanksByOverlap(t *testing.T) {
	p := NewFixtureProvider(fixtureDocs())

	docs, err := p.Search(context.Background(), "why is the sky blue", 5)
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	assert.Equal(t, "w1", docs[0].ID)
	assert.Equal(t, SourceWebSearch, docs[0].Source)
	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1].Score, docs[i].Score)
	}
	for _, doc := range docs {
		assert.NotEqual(t, "w3", doc.ID)
	}
}

func TestFixtureProviderRespectsLimit(t *testing.T) {
	p := NewFixtureProvider(fixtureDocs())

	docs, err := p.Search(context.Background(), "why is the sky blue", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "w1", docs[0].ID)
}

func TestFixtureProviderNoMatches(t *testing.T) {
	p := NewFixtureProvider(fixtureDocs())

	docs, err := p.Search(context.Background(), "quantum entanglement experiments", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Queries with no usable terms match nothing either.
	docs, err = p.Search(context.Background(), "is it ok", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestProcessWrapsProviderResults(t *testing.T) {
	proc := NewProcessor(NewFixtureProvider(fixtureDocs()), 0)
	react := agent.NewReactEmitter(nopBus{}, "task-1", proc.Name())
	msg := &models.TaskMessage{TaskID: "task-1", Stage: models.StageWebSearch, Query: "why is the sky blue"}

	raw, summary, err := proc.Process(context.Background(), msg, react)
	require.NoError(t, err)

	var res models.WebSearchResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.NotEmpty(t, res.Documents)
	assert.Equal(t, "w1", res.Documents[0].ID)
	for _, doc := range res.Documents {
		assert.Equal(t, SourceWebSearch, doc.Source)
	}
	assert.Contains(t, summary, "web results")
}

func TestProcessPropagatesTransient(t *testing.T) {
	proc := NewProcessor(failingProvider{err: agent.Transient(errors.New("gateway down"))}, 0)
	react := agent.NewReactEmitter(nopBus{}, "task-1", proc.Name())
	msg := &models.TaskMessage{TaskID: "task-1", Stage: models.StageWebSearch, Query: "q"}

	_, _, err := proc.Process(context.Background(), msg, react)
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
}

func TestHTTPProviderSearch(t *testing.T) {
	var received searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"documents":[{"id":"w1","title":"Result","content":"body","score":0.9,"source":"web_search"}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL})
	docs, err := p.Search(context.Background(), "sky color", 3)
	require.NoError(t, err)

	require.Len(t, docs, 1)
	assert.Equal(t, "w1", docs[0].ID)
	assert.Equal(t, "sky color", received.Query)
	assert.Equal(t, 3, received.Limit)
}

func TestHTTPProviderServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL})
	_, err := p.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
}

func TestHTTPProviderClientErrorIsHard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL})
	_, err := p.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.False(t, agent.IsTransient(err))
}

func TestProcessorIdentity(t *testing.T) {
	proc := NewProcessor(NewFixtureProvider(nil), 0)
	assert.Equal(t, "websearch_agent", proc.Name())
	assert.Equal(t, models.StageWebSearch, proc.Stage())
}
