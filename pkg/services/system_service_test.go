package services

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/state"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeQueues struct {
	infos []broker.QueueInfo
	err   error
}

func (q fakeQueues) AllQueueStatuses(context.Context) ([]broker.QueueInfo, error) {
	return q.infos, q.err
}

type fakeActive struct{ n int }

func (a fakeActive) ActiveCount() int { return a.n }

type fakeAgentHealth struct {
	summary *state.AgentPerformanceSummary
	err     error
}

func (f fakeAgentHealth) GetAgentPerformanceSummary(context.Context, int) (*state.AgentPerformanceSummary, error) {
	return f.summary, f.err
}

func infraProbes(ps map[string]Pinger) SystemProbes {
	return SystemProbes{Infrastructure: ps}
}

func TestStatusAllHealthy(t *testing.T) {
	probes := SystemProbes{
		Infrastructure: map[string]Pinger{
			"task_store":  fakePinger{},
			"broker":      fakePinger{},
			"state_store": fakePinger{},
		},
		CoreServices: map[string]Pinger{
			"adaptive": fakePinger{},
		},
	}
	svc := NewSystemService(probes, fakeQueues{}, fakeActive{n: 3}, nil, nil)

	status := svc.Status(context.Background())

	assert.Equal(t, SystemHealthy, status.OverallHealth)
	assert.Equal(t, 3, status.MCP.ActiveTasks)
	assert.NotEmpty(t, status.MCP.Version)
	assert.Len(t, status.Infrastructure, 3)
	assert.Len(t, status.CoreServices, 1)
	for name, sub := range status.Infrastructure {
		assert.True(t, sub.Healthy, name)
	}
	assert.True(t, status.CoreServices["adaptive"].Healthy)
	assert.False(t, status.MCP.CheckedAt.IsZero())
	assert.NotNil(t, status.Agents)
}

func TestStatusDegradedWhenOneProbeFails(t *testing.T) {
	svc := NewSystemService(infraProbes(map[string]Pinger{
		"task_store": fakePinger{},
		"broker":     fakePinger{err: errors.New("connection refused")},
	}), fakeQueues{}, nil, nil, nil)

	status := svc.Status(context.Background())

	assert.Equal(t, SystemDegraded, status.OverallHealth)
	assert.False(t, status.Infrastructure["broker"].Healthy)
	assert.Contains(t, status.Infrastructure["broker"].Error, "connection refused")
	assert.True(t, status.Infrastructure["task_store"].Healthy)
	assert.Zero(t, status.MCP.ActiveTasks)
}

func TestStatusUnhealthyWhenAllProbesFail(t *testing.T) {
	svc := NewSystemService(infraProbes(map[string]Pinger{
		"task_store": fakePinger{err: errors.New("down")},
		"broker":     fakePinger{err: errors.New("down")},
	}), fakeQueues{}, nil, nil, nil)

	status := svc.Status(context.Background())
	assert.Equal(t, SystemUnhealthy, status.OverallHealth)
}

func TestStatusIncludesAgentHealth(t *testing.T) {
	agents := fakeAgentHealth{summary: &state.AgentPerformanceSummary{
		WindowHours: 1,
		Agents: []state.AgentStats{
			{AgentName: "intent_agent", HealthStatus: models.AgentHealthy},
			{AgentName: "executor_agent", HealthStatus: models.AgentHealthy},
		},
	}}
	svc := NewSystemService(infraProbes(map[string]Pinger{"task_store": fakePinger{}}), fakeQueues{}, nil, agents, nil)

	status := svc.Status(context.Background())

	assert.Equal(t, SystemHealthy, status.OverallHealth)
	require.Len(t, status.Agents, 2)
	assert.Equal(t, "intent_agent", status.Agents[0].AgentName)
	assert.Equal(t, models.AgentHealthy, status.Agents[0].Status)
}

func TestStatusUnhealthyAgentDegradesRollup(t *testing.T) {
	agents := fakeAgentHealth{summary: &state.AgentPerformanceSummary{
		Agents: []state.AgentStats{
			{AgentName: "executor_agent", HealthStatus: models.AgentUnhealthy},
		},
	}}
	svc := NewSystemService(infraProbes(map[string]Pinger{"task_store": fakePinger{}}), fakeQueues{}, nil, agents, nil)

	status := svc.Status(context.Background())
	assert.Equal(t, SystemDegraded, status.OverallHealth)
}

func TestStatusSurvivesAgentHealthFailure(t *testing.T) {
	agents := fakeAgentHealth{err: errors.New("postgres gone")}
	svc := NewSystemService(infraProbes(map[string]Pinger{"task_store": fakePinger{}}), fakeQueues{}, nil, agents, nil)

	status := svc.Status(context.Background())

	assert.Equal(t, SystemHealthy, status.OverallHealth)
	assert.Empty(t, status.Agents)
}

func TestQueuesRefreshesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	svc := NewSystemService(infraProbes(map[string]Pinger{"task_store": fakePinger{}}), fakeQueues{
		infos: []broker.QueueInfo{
			{Queue: "intent.task", Pending: 4},
			{Queue: "embedding.task", Pending: 0},
		},
	}, nil, nil, m)

	infos, err := svc.Queues(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "mcp_queue_pending_messages" {
			continue
		}
		found = true
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetValue() == "intent.task" {
					assert.Equal(t, 4.0, metric.GetGauge().GetValue())
				}
			}
		}
	}
	assert.True(t, found, "queue pending gauge not registered")
}

func TestQueuesUnavailableOnBrokerError(t *testing.T) {
	svc := NewSystemService(infraProbes(map[string]Pinger{"task_store": fakePinger{}}), fakeQueues{err: errors.New("nats gone")}, nil, nil, nil)

	_, err := svc.Queues(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "nats gone")
}
