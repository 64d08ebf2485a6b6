package services

import (
	"context"
	"fmt"

	"github.com/master-control/mcp/pkg/state"
)

// maxAnalyticsWindowHours caps the reporting window at 30 days.
const maxAnalyticsWindowHours = 720

// AnalyticsStore is the Postgres surface behind reporting. Satisfied by
// *state.Manager.
type AnalyticsStore interface {
	GetTaskAnalytics(ctx context.Context, hours int) (*state.TaskAnalytics, error)
	GetAgentPerformanceSummary(ctx context.Context, hours int) (*state.AgentPerformanceSummary, error)
}

// AnalyticsService serves aggregate reporting over the mirrored history.
type AnalyticsService struct {
	store AnalyticsStore
}

// NewAnalyticsService creates a new AnalyticsService.
func NewAnalyticsService(store AnalyticsStore) *AnalyticsService {
	if store == nil {
		panic("NewAnalyticsService: store must not be nil")
	}
	return &AnalyticsService{store: store}
}

// Tasks aggregates task traffic over the trailing window. A non-positive
// window defaults to 24 hours downstream.
func (s *AnalyticsService) Tasks(ctx context.Context, hours int) (*state.TaskAnalytics, error) {
	if hours > maxAnalyticsWindowHours {
		return nil, NewValidationError("hours", fmt.Sprintf("window exceeds %d hours", maxAnalyticsWindowHours))
	}
	analytics, err := s.store.GetTaskAnalytics(ctx, hours)
	if err != nil {
		return nil, fmt.Errorf("task analytics: %w: %w", ErrUnavailable, err)
	}
	return analytics, nil
}

// Agents aggregates per-agent performance over the trailing window.
func (s *AnalyticsService) Agents(ctx context.Context, hours int) (*state.AgentPerformanceSummary, error) {
	if hours > maxAnalyticsWindowHours {
		return nil, NewValidationError("hours", fmt.Sprintf("window exceeds %d hours", maxAnalyticsWindowHours))
	}
	summary, err := s.store.GetAgentPerformanceSummary(ctx, hours)
	if err != nil {
		return nil, fmt.Errorf("agent analytics: %w: %w", ErrUnavailable, err)
	}
	return summary, nil
}
