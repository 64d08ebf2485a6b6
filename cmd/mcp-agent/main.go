// MCP agent worker: hosts one or more built-in agents, each consuming its
// stage queue from the broker and writing results back to the task store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/master-control/mcp/pkg/agent"
	"github.com/master-control/mcp/pkg/agents/embedding"
	"github.com/master-control/mcp/pkg/agents/executor"
	"github.com/master-control/mcp/pkg/agents/intent"
	"github.com/master-control/mcp/pkg/agents/moderator"
	"github.com/master-control/mcp/pkg/agents/websearch"
	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/database"
	"github.com/master-control/mcp/pkg/masking"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/state"
	"github.com/master-control/mcp/pkg/taskstore"
	"github.com/master-control/mcp/pkg/version"
)

// defaultAgentNames runs every built-in agent in one process, which is the
// dev-friendly topology. Production deployments set AGENT_NAMES per pod.
const defaultAgentNames = "intent_agent,embedding_agent,executor_agent,moderator_agent,websearch_agent"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica logging.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// loadKnowledge reads a JSON array of documents for seeding the vector store.
func loadKnowledge(path string) ([]models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var docs []models.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode knowledge file %s: %w", path, err)
	}
	return docs, nil
}

// buildProcessor constructs a built-in agent by registry name. External
// collaborators (reasoning gateway, search gateway) are wired from the
// environment, with deterministic local fallbacks when unset.
func buildProcessor(ctx context.Context, name string) (agent.Processor, error) {
	switch name {
	case "intent_agent":
		return intent.NewProcessor(), nil

	case "embedding_agent":
		store, err := embedding.NewStore(embedding.StoreConfig{
			PersistPath: os.Getenv("KNOWLEDGE_DB_PATH"),
		})
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		if path := os.Getenv("KNOWLEDGE_PATH"); path != "" {
			if store.Count() > 0 {
				slog.Info("Vector store already seeded", "documents", store.Count())
			} else {
				docs, err := loadKnowledge(path)
				if err != nil {
					return nil, err
				}
				if err := store.Seed(ctx, docs); err != nil {
					return nil, fmt.Errorf("seed vector store: %w", err)
				}
				slog.Info("Seeded vector store", "path", path, "documents", len(docs))
			}
		} else {
			slog.Warn("No KNOWLEDGE_PATH configured, embedding lookups will return no documents")
		}
		return embedding.NewProcessor(store), nil

	case "executor_agent":
		var reasoner executor.Reasoner
		if url := os.Getenv("LLM_GATEWAY_URL"); url != "" {
			reasoner = executor.NewGateway(executor.GatewayConfig{BaseURL: url})
			slog.Info("Executor using reasoning gateway", "url", url)
		} else {
			reasoner = executor.LocalReasoner{}
			slog.Warn("No LLM_GATEWAY_URL configured, executor uses the local extractive reasoner")
		}
		return executor.NewProcessor(reasoner, 0), nil

	case "moderator_agent":
		return moderator.NewProcessor(moderator.Config{Redactor: masking.NewService()}), nil

	case "websearch_agent":
		var provider websearch.Provider
		if url := os.Getenv("SEARCH_PROVIDER_URL"); url != "" {
			provider = websearch.NewHTTPProvider(websearch.HTTPProviderConfig{BaseURL: url})
			slog.Info("Web search using search gateway", "url", url)
		} else {
			provider = websearch.NewFixtureProvider(nil)
			slog.Warn("No SEARCH_PROVIDER_URL configured, web searches will return no results")
		}
		return websearch.NewProcessor(provider, 0), nil

	default:
		return nil, fmt.Errorf("unknown agent %q", name)
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	agentNames := strings.Split(getEnv("AGENT_NAMES", defaultAgentNames), ",")
	podID := resolvePodID()

	slog.Info("Starting MCP agent worker",
		"version", version.Full(),
		"agents", agentNames,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.Default()

	// 2. Connect the task store
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		slog.Error("Invalid REDIS_DB", "error", err)
		os.Exit(1)
	}
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")

	store, err := taskstore.New(ctx, taskstore.Config{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
		TTL:      cfg.Settings.TaskTTL(),
	})
	if err != nil {
		slog.Error("Failed to connect to task store", "addr", redisAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing task store", "error", err)
		}
	}()
	slog.Info("Connected to task store", "addr", redisAddr)

	// 3. Connect the broker. Topology declaration is idempotent and runs
	// here too, so workers can boot before the control plane.
	bus, err := broker.New(ctx, broker.Config{
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:      redisAddr,
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        redisDB,
		Prefetch:       cfg.Settings.BrokerPrefetch,
		QueueMaxLength: int64(cfg.Settings.QueueMaxLength),
		MessageTTL:     cfg.Settings.TaskTTL(),
		OnDeadLetter:   m.IncDeadLetter,
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	if err := bus.EnsureTopology(ctx); err != nil {
		slog.Error("Failed to declare queue topology", "error", err)
		os.Exit(1)
	}

	// 4. Optional state sink for heartbeats and performance samples
	var stateSink agent.StateSink
	if os.Getenv("DB_HOST") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err := database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		stateSink = state.NewManager(dbClient)
		slog.Info("Connected to PostgreSQL state store")
	} else {
		slog.Warn("No DB_HOST configured, heartbeats and performance samples are disabled")
	}

	// 5. Build processors and their harnesses
	harnesses := make([]*agent.Harness, 0, len(agentNames))
	for _, name := range agentNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		processor, err := buildProcessor(ctx, name)
		if err != nil {
			slog.Error("Failed to build agent", "agent", name, "error", err)
			os.Exit(1)
		}
		harness, err := agent.New(processor, store, bus, stateSink, cfg)
		if err != nil {
			slog.Error("Failed to wire agent harness", "agent", name, "error", err)
			os.Exit(1)
		}
		harnesses = append(harnesses, harness)
	}
	if len(harnesses) == 0 {
		slog.Error("No agents selected", "agent_names", agentNames)
		os.Exit(1)
	}

	// 6. Start consuming
	for _, h := range harnesses {
		h.Start(ctx)
	}
	slog.Info("Agent worker started successfully", "pod_id", podID, "agents", len(harnesses))

	// 7. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 8. Graceful shutdown: let in-flight messages finish, bounded
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Settings.GracefulShutdownTimeout())
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for _, h := range harnesses {
			h.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("All agents stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Agent shutdown timeout exceeded, unacked messages will be redelivered")
	}

	slog.Info("Shutdown complete")
}
