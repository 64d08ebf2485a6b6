package executor

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

	"github.com/kaptinlin/jsonrepair"

	"github.com/master-control/mcp/pkg/agent"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	reasonPath            = "/v1/reason"
)

// GatewayConfig holds the reasoning gateway settings.
type GatewayConfig struct {
	// BaseURL is the root of the reasoning gateway.
	BaseURL string

	// Timeout bounds one reasoning call. Zero means 30 seconds.
	Timeout time.Duration
}

// Gateway drafts answers by calling an external reasoning service over HTTP.
// Network failures and 5xx responses are marked transient so the stage gets
// redelivered; 4xx responses fail hard.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	return &Gateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.With("component", "reasoning_gateway"),
	}
}

func (g *Gateway) Reason(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode reasoning request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+reasonPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build reasoning request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, agent.Transient(fmt.Errorf("call reasoning gateway: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agent.Transient(fmt.Errorf("read reasoning response: %w", err))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, agent.Transient(fmt.Errorf("reasoning gateway returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoning gateway returned HTTP %d", resp.StatusCode)
	}

	out, err := g.decode(data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("reasoning gateway returned empty content")
	}
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

// decode tolerates gateways that emit slightly broken JSON by running the
// payload through a repair pass before giving up.
func (g *Gateway) decode(data []byte) (*ReasonResponse, error) {
	var out ReasonResponse
	if err := json.Unmarshal(data, &out); err == nil {
		return &out, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return nil, fmt.Errorf("decode reasoning response: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("decode repaired reasoning response: %w", err)
	}
	g.logger.Warn("Reasoning response needed JSON repair", "bytes", len(data))
	return &out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
