package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/models"
)

const (
	defaultSearchTimeout = 10 * time.Second
	searchPath           = "/search"
)

// HTTPProviderConfig holds the search gateway settings.
type HTTPProviderConfig struct {
	// BaseURL is the root of the search gateway.
	BaseURL string

	// Timeout bounds one search call. Zero means 10 seconds.
	Timeout time.Duration
}

// HTTPProvider queries a search gateway that returns documents in the
// orchestrator's shape. Network failures and 5xx responses are marked
// transient; 4xx responses fail hard.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSearchTimeout
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.With("component", "search_gateway"),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Documents []models.Document `json:"documents"`
}

func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, agent.Transient(fmt.Errorf("call search gateway: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, agent.Transient(fmt.Errorf("search gateway returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search gateway returned HTTP %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	p.logger.Debug("Search gateway responded", "query", query, "results", len(out.Documents))
	return out.Documents, nil
}
