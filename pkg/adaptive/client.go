// Package adaptive fetches per-user personalization recommendations from the
// adaptive service. The orchestrator never blocks on personalization: every
// failure mode (timeout, transport error, bad status, malformed body) degrades
// to models.DefaultRecommendations instead of surfacing an error.
package adaptive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/master-control/mcp/pkg/models"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultCacheSize = 256
	defaultCacheTTL  = 60 * time.Second
)

// Config holds the adaptive service endpoint and client tuning.
type Config struct {
	// BaseURL is the adaptive service root, e.g. "http://adaptive:8500".
	BaseURL string

	// Timeout bounds one recommendations call. Zero means 5s.
	Timeout time.Duration

	// CacheSize is the LRU capacity in users. Zero means 256.
	CacheSize int

	// CacheTTL is how long a fetched recommendation stays fresh per user.
	// Zero means 60s.
	CacheTTL time.Duration
}

// cacheEntry holds a fetched recommendation along with the time it was stored.
type cacheEntry struct {
	recs     *models.Recommendations
	storedAt time.Time
}

// Client calls the adaptive service with a per-user LRU cache in front.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[string, cacheEntry]
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// New creates an adaptive client. An empty BaseURL is allowed; every call
// then falls back to defaults, which keeps the orchestrator usable without
// the adaptive service deployed.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, cacheEntry](cfg.CacheSize)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
		logger:     slog.With("component", "adaptive"),
	}
}

// Ping probes the adaptive service health endpoint. Unlike recommendation
// calls this does surface the error, so the system status endpoint can show
// the service as down while tasks keep running on defaults.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("no adaptive service configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call adaptive service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adaptive service returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// recommendationRequest is the wire shape of a recommendations call.
type recommendationRequest struct {
	UserID              string   `json:"user_id"`
	Query               string   `json:"query"`
	ConversationHistory []string `json:"conversation_history"`
}

// GetRecommendations returns personalization hints for a user. It never
// returns an error: any failure is logged and replaced with
// models.DefaultRecommendations. Successful responses are cached per user
// for the configured TTL; fallbacks are never cached, so the next task
// retries the service. The returned value is shared across callers and must
// not be mutated.
func (c *Client) GetRecommendations(ctx context.Context, userID, query string, history []string) *models.Recommendations {
	if entry, ok := c.cache.Get(userID); ok {
		if time.Since(entry.storedAt) < c.cacheTTL {
			return entry.recs
		}
		c.cache.Remove(userID)
	}

	recs, err := c.fetch(ctx, userID, query, history)
	if err != nil {
		c.logger.Warn("Adaptive service unavailable, using default recommendations",
			"user_id", userID,
			"error", err)
		return models.DefaultRecommendations()
	}

	c.cache.Add(userID, cacheEntry{recs: recs, storedAt: time.Now()})
	return recs
}

func (c *Client) fetch(ctx context.Context, userID, query string, history []string) (*models.Recommendations, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no adaptive service configured")
	}

	body, err := json.Marshal(recommendationRequest{
		UserID:              userID,
		Query:               query,
		ConversationHistory: history,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recommendations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call adaptive service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("adaptive service returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var recs models.Recommendations
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &recs, nil
}
