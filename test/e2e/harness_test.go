// Package e2e boots the whole orchestrator in-process: real queue topology
// on an embedded JetStream server, real task records on a shared Redis
// container, real durable projections on PostgreSQL, and scripted agents
// running behind the production harness.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/adaptive"
	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/api"
	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/coordinator"
	"github.com/master-control/mcp/pkg/forwarder"
	"github.com/master-control/mcp/pkg/masking"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/services"
	"github.com/master-control/mcp/pkg/state"
	"github.com/master-control/mcp/pkg/taskstore"
	"github.com/master-control/mcp/test/util"
)

// agentBindings names the scripted processor for each work stage, matching
// the built-in agent registry.
var agentBindings = map[string]string{
	models.StageIntentAnalysis:    "intent_agent",
	models.StageEmbeddingLookup:   "embedding_agent",
	models.StageExecutorReasoning: "executor_agent",
	models.StageModeration:        "moderator_agent",
	models.StageWebSearch:         "websearch_agent",
}

// TestApp is one fully wired orchestrator instance.
type TestApp struct {
	Config      *config.Config
	Store       *taskstore.Store
	Bus         *broker.Broker
	State       *state.Manager
	Coordinator *coordinator.Coordinator
	Agents      *ScriptedAgents
	Adaptive    *AdaptiveStub

	// BaseURL points at the control API, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

type testAppConfig struct {
	tweakSettings func(*config.Settings)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithSettings mutates the orchestration settings before wiring. Used by
// scenarios that need tight timeouts or a different retry policy.
func WithSettings(tweak func(*config.Settings)) TestAppOption {
	return func(c *testAppConfig) { c.tweakSettings = tweak }
}

// NewTestApp creates and starts a full orchestrator instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping e2e test")
	}
	ctx := context.Background()
	require.NoError(t, testRedisClient.FlushDB(ctx).Err())

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	// Tightened defaults keep the suite fast; scenarios tighten further.
	settings := config.DefaultSettings()
	settings.StageTimeoutSeconds = 8
	settings.AdaptiveTimeoutSeconds = 1
	settings.ProcessTimeoutSeconds = 10
	settings.HeartbeatIntervalSeconds = 1
	if tc.tweakSettings != nil {
		tc.tweakSettings(settings)
	}

	builtin := config.GetBuiltinConfig()
	cfg := &config.Config{
		Settings:         settings,
		TemplateRegistry: config.NewTemplateRegistry(builtin.Templates),
		AgentRegistry:    config.NewAgentRegistry(builtin.Agents),
	}

	// 1. Embedded JetStream server, one per app.
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	// 2. Broker and queue topology.
	bus, err := broker.NewFromConns(nc, testRedisClient, broker.Config{
		Prefetch:       settings.BrokerPrefetch,
		QueueMaxLength: int64(settings.QueueMaxLength),
		FetchMaxWait:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, bus.EnsureTopology(ctx))

	// 3. Task store over the shared Redis.
	store := taskstore.NewFromClient(testRedisClient, settings.TaskTTL())

	// 4. Durable state on a per-test schema.
	dbClient, _ := util.SetupTestDatabase(t)
	stateManager := state.NewManager(dbClient)

	// 5. Adaptive stub and client.
	stub := NewAdaptiveStub()
	t.Cleanup(stub.Close)
	adaptiveClient := adaptive.New(adaptive.Config{
		BaseURL: stub.URL(),
		Timeout: settings.AdaptiveTimeout(),
	})

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	// 6. Coordinator and ReAct forwarder.
	coord := coordinator.New(store, bus, stateManager, adaptiveClient, cfg, m)
	fwd := forwarder.New(bus, store)
	fwd.Start(ctx)

	// 7. Scripted agents behind the production harness.
	agents := NewScriptedAgents()
	harnesses := make([]*agent.Harness, 0, len(agentBindings))
	for stage, name := range agentBindings {
		h, err := agent.New(&scriptedProcessor{name: name, stage: stage, agents: agents}, store, bus, stateManager, cfg)
		require.NoError(t, err)
		h.Start(ctx)
		harnesses = append(harnesses, h)
	}

	// 8. Control API over the full service stack.
	taskService := services.NewTaskService(coord, store, masking.NewService())
	systemService := services.NewSystemService(services.SystemProbes{
		Infrastructure: map[string]services.Pinger{
			"task_store":  store,
			"broker":      bus,
			"state_store": stateManager,
		},
		CoreServices: map[string]services.Pinger{"adaptive": adaptiveClient},
	}, bus, coord, stateManager, m)
	analyticsService := services.NewAnalyticsService(stateManager)

	apiServer := api.NewServer(api.Config{Addr: ":0", Gatherer: reg}, taskService, systemService, analyticsService)
	httpSrv := httptest.NewServer(apiServer.Handler())

	app := &TestApp{
		Config:      cfg,
		Store:       store,
		Bus:         bus,
		State:       stateManager,
		Coordinator: coord,
		Agents:      agents,
		Adaptive:    stub,
		BaseURL:     httpSrv.URL,
		t:           t,
	}

	// Reverse-creation order; the NATS server and DB schema outlive these.
	t.Cleanup(func() {
		httpSrv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Stop(shutdownCtx)
		for _, h := range harnesses {
			h.Stop()
		}
		fwd.Stop()
	})

	return app
}
