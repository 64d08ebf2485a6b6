package executor

import (
	"context"

	"github.com/master-control/mcp/pkg/models"
)

// ReasonRequest carries everything a reasoner may use to draft an answer.
type ReasonRequest struct {
	Query           string                  `json:"query"`
	Context         string                  `json:"context,omitempty"`
	Classification  string                  `json:"classification,omitempty"`
	Strategy        string                  `json:"strategy,omitempty"`
	SourceCount     int                     `json:"source_count"`
	Recommendations *models.Recommendations `json:"recommendations,omitempty"`
}

// ReasonResponse is the reasoner's draft.
type ReasonResponse struct {
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Reasoner drafts an answer for a query over retrieved context.
type Reasoner interface {
	Reason(ctx context.Context, req *ReasonRequest) (*ReasonResponse, error)
}
