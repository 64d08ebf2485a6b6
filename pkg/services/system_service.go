package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/state"
	"github.com/master-control/mcp/pkg/version"
)

// probeTimeout bounds each subsystem liveness probe.
const probeTimeout = 3 * time.Second

// agentHealthWindowHours is the lookback used when joining agent health
// rows into the system status.
const agentHealthWindowHours = 1

// System health rollup values.
const (
	SystemHealthy   = "healthy"
	SystemDegraded  = "degraded"
	SystemUnhealthy = "unhealthy"
)

// Pinger is any subsystem with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActiveCounter reports running task executions. Satisfied by
// *coordinator.Coordinator.
type ActiveCounter interface {
	ActiveCount() int
}

// QueueStatuser snapshots queue depths. Satisfied by *broker.Broker.
type QueueStatuser interface {
	AllQueueStatuses(ctx context.Context) ([]broker.QueueInfo, error)
}

// AgentHealthSource reports current agent health joined with recent
// performance. Satisfied by *state.Manager.
type AgentHealthSource interface {
	GetAgentPerformanceSummary(ctx context.Context, hours int) (*state.AgentPerformanceSummary, error)
}

// SystemProbes groups liveness probes by tier. Infrastructure covers the
// backing stores and the broker; CoreServices covers in-process and
// sidecar services such as the adaptive context service.
type SystemProbes struct {
	Infrastructure map[string]Pinger
	CoreServices   map[string]Pinger
}

// SubsystemStatus is one probe's outcome.
type SubsystemStatus struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// AgentHealthView is one agent row of the system status.
type AgentHealthView struct {
	AgentName string                   `json:"agent_name"`
	Status    models.AgentHealthStatus `json:"status"`
}

// MCPInfo describes the control plane itself.
type MCPInfo struct {
	Version     string    `json:"version"`
	ActiveTasks int       `json:"active_tasks"`
	CheckedAt   time.Time `json:"checked_at"`
}

// SystemStatus is the aggregate health report.
type SystemStatus struct {
	MCP            MCPInfo                    `json:"mcp"`
	CoreServices   map[string]SubsystemStatus `json:"core_services"`
	Infrastructure map[string]SubsystemStatus `json:"infrastructure"`
	Agents         []AgentHealthView          `json:"agents"`
	OverallHealth  string                     `json:"overall_health"`
}

// SystemService answers health and queue introspection requests.
type SystemService struct {
	probes  SystemProbes
	queues  QueueStatuser
	active  ActiveCounter
	agents  AgentHealthSource
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSystemService creates a new SystemService. active and agents may be
// nil when no coordinator or durable store runs in-process.
func NewSystemService(probes SystemProbes, queues QueueStatuser, active ActiveCounter, agents AgentHealthSource, m *metrics.Metrics) *SystemService {
	if len(probes.Infrastructure) == 0 {
		panic("NewSystemService: at least one infrastructure probe is required")
	}
	if queues == nil {
		panic("NewSystemService: queues must not be nil")
	}
	return &SystemService{
		probes:  probes,
		queues:  queues,
		active:  active,
		agents:  agents,
		metrics: m,
		logger:  slog.With("component", "system_service"),
	}
}

// Status probes every subsystem in parallel and rolls the outcomes up:
// healthy when all pass, unhealthy when all fail, degraded in between.
// An agent reporting unhealthy degrades an otherwise healthy rollup.
// Status never fails; probe errors become unhealthy entries.
func (s *SystemService) Status(ctx context.Context) *SystemStatus {
	var mu sync.Mutex
	infra := make(map[string]SubsystemStatus, len(s.probes.Infrastructure))
	core := make(map[string]SubsystemStatus, len(s.probes.CoreServices))
	var agents []AgentHealthView

	g := new(errgroup.Group)
	probe := func(tier map[string]SubsystemStatus, name string, p Pinger) {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := p.Ping(probeCtx)
			outcome := SubsystemStatus{
				Healthy:   err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				outcome.Error = err.Error()
				s.logger.Warn("Subsystem probe failed", "subsystem", name, "error", err)
			}

			mu.Lock()
			tier[name] = outcome
			mu.Unlock()
			return nil
		})
	}
	for name, p := range s.probes.Infrastructure {
		probe(infra, name, p)
	}
	for name, p := range s.probes.CoreServices {
		probe(core, name, p)
	}
	if s.agents != nil {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			summary, err := s.agents.GetAgentPerformanceSummary(probeCtx, agentHealthWindowHours)
			if err != nil {
				s.logger.Warn("Agent health lookup failed", "error", err)
				return nil
			}
			views := make([]AgentHealthView, 0, len(summary.Agents))
			for _, a := range summary.Agents {
				views = append(views, AgentHealthView{AgentName: a.AgentName, Status: a.HealthStatus})
			}
			mu.Lock()
			agents = views
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	healthy, total := 0, 0
	for _, tier := range []map[string]SubsystemStatus{infra, core} {
		for _, outcome := range tier {
			total++
			if outcome.Healthy {
				healthy++
			}
		}
	}
	rollup := SystemDegraded
	switch healthy {
	case total:
		rollup = SystemHealthy
	case 0:
		rollup = SystemUnhealthy
	}
	if rollup == SystemHealthy {
		for _, a := range agents {
			if a.Status == models.AgentUnhealthy {
				rollup = SystemDegraded
				break
			}
		}
	}

	status := &SystemStatus{
		MCP: MCPInfo{
			Version:   version.Full(),
			CheckedAt: time.Now().UTC(),
		},
		CoreServices:   core,
		Infrastructure: infra,
		Agents:         agents,
		OverallHealth:  rollup,
	}
	if status.Agents == nil {
		status.Agents = []AgentHealthView{}
	}
	if s.active != nil {
		status.MCP.ActiveTasks = s.active.ActiveCount()
	}
	return status
}

// Queues snapshots every queue and refreshes the pending-depth gauges on
// the way out.
func (s *SystemService) Queues(ctx context.Context) ([]broker.QueueInfo, error) {
	infos, err := s.queues.AllQueueStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue statuses: %w: %w", ErrUnavailable, err)
	}
	for _, qi := range infos {
		s.metrics.SetQueuePending(qi.Queue, qi.Pending)
	}
	return infos, nil
}
