// MCP control plane: serves the task API, runs the coordinator and the
// ReAct forwarder, and keeps the durable task history reconciled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/master-control/mcp/pkg/adaptive"
	"github.com/master-control/mcp/pkg/api"
	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/coordinator"
	"github.com/master-control/mcp/pkg/database"
	"github.com/master-control/mcp/pkg/forwarder"
	"github.com/master-control/mcp/pkg/masking"
	"github.com/master-control/mcp/pkg/metrics"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/services"
	"github.com/master-control/mcp/pkg/state"
	"github.com/master-control/mcp/pkg/taskstore"
	"github.com/master-control/mcp/pkg/version"
)

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

// deliverResponse drains the durable responses queue. The frontend gateway
// that pushes packaged responses to clients runs outside this process; this
// consumer keeps the queue bounded and records each hand-off.
func deliverResponse(_ context.Context, msg *models.TaskMessage) error {
	payload := msg.PerStageResults[models.StageResponsePackaging]
	slog.Info("Response ready for delivery",
		"task_id", msg.TaskID,
		"template", msg.TemplateName,
		"bytes", len(payload))
	return nil
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

	apiAddr := getEnv("MCP_API_ADDR", ":8080")
	podID := resolvePodID()

	slog.Info("Starting MCP control plane",
		"version", version.Full(),
		"api_addr", apiAddr,
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

	// 3. Connect the durable state store and run migrations
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

	if err := database.RunMigrations(dbClient.DB(), dbConfig.Database); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}
	if health, err := dbClient.Health(ctx); err != nil {
		slog.Warn("PostgreSQL probe failed after migrations", "error", err)
	} else {
		slog.Info("Connected to PostgreSQL state store",
			"response_time_ms", health.ResponseTime,
			"max_open_conns", health.MaxOpenConns)
	}

	stateManager := state.NewManager(dbClient)

	// 4. Connect the broker and declare queue topology
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
	slog.Info("Broker topology ready", "queues", len(broker.WorkQueues()))

	// 5. Adaptive client (personalization is optional; defaults apply
	// whenever the service is absent or slow)
	adaptiveURL := os.Getenv("ADAPTIVE_URL")
	adaptiveClient := adaptive.New(adaptive.Config{
		BaseURL: adaptiveURL,
		Timeout: cfg.Settings.AdaptiveTimeout(),
	})
	if adaptiveURL == "" {
		slog.Warn("No adaptive service configured, recommendations use built-in defaults")
	}

	// 6. Coordinator, ReAct forwarder, housekeeping
	coord := coordinator.New(store, bus, stateManager, adaptiveClient, cfg, m)

	fwd := forwarder.New(bus, store)
	fwd.Start(ctx)

	housekeeper := state.NewHousekeeper(stateManager, store, state.HousekeeperConfig{
		Interval:      cfg.Settings.CleanupInterval(),
		RetentionDays: cfg.Settings.CleanupRetentionDays,
	})
	housekeeper.Start(ctx)

	// 7. Response delivery consumer
	deliveryCtx, deliveryCancel := context.WithCancel(ctx)
	defer deliveryCancel()
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		if err := bus.Consume(deliveryCtx, broker.QueueResponses, deliverResponse); err != nil {
			slog.Error("Response delivery consumer stopped", "error", err)
		}
	}()

	// 8. Domain services
	maskingService := masking.NewService()
	taskService := services.NewTaskService(coord, store, maskingService)

	probes := services.SystemProbes{
		Infrastructure: map[string]services.Pinger{
			"task_store":  store,
			"broker":      bus,
			"state_store": stateManager,
		},
	}
	if adaptiveURL != "" {
		probes.CoreServices = map[string]services.Pinger{"adaptive": adaptiveClient}
	}
	systemService := services.NewSystemService(probes, bus, coord, stateManager, m)
	analyticsService := services.NewAnalyticsService(stateManager)

	// 9. Start HTTP server (non-blocking)
	httpServer := api.NewServer(api.Config{Addr: apiAddr}, taskService, systemService, analyticsService)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", apiAddr)
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("MCP started successfully",
		"pod_id", podID,
		"templates", stats.Templates,
		"agents", stats.Agents)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Settings.GracefulShutdownTimeout())
	defer shutdownCancel()

	// Stop task intake first so no new executions start mid-drain
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Cancel in-flight executions and wait for them to unwind
	coord.Stop(shutdownCtx)
	slog.Info("Coordinator stopped")

	// Stop the response delivery consumer
	deliveryCancel()
	select {
	case <-deliveryDone:
		slog.Info("Response delivery consumer stopped")
	case <-shutdownCtx.Done():
		slog.Warn("Response delivery consumer shutdown timeout exceeded")
	}

	fwd.Stop()
	housekeeper.Stop()

	slog.Info("Shutdown complete")
}
