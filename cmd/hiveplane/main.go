// Hiveplane control-plane server — serves the REST/WebSocket API, runs the
// agent spawn pool, the workflow engine, the supervisor loop, and the
// federation forwarder over one shared PostgreSQL store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hiveplane/hiveplane/pkg/api"
	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/cleanup"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/federation"
	"github.com/hiveplane/hiveplane/pkg/metrics"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/registry"
	"github.com/hiveplane/hiveplane/pkg/sessiontree"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/supervisor"
	"github.com/hiveplane/hiveplane/pkg/team"
	"github.com/hiveplane/hiveplane/pkg/tx"
	"github.com/hiveplane/hiveplane/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNodeID determines this node's identifier for multi-node
// coordination. Priority: NODE_ID env > HOSTNAME env > "local".
func resolveNodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	nodeID := resolveNodeID()
	slog.Info("Starting hiveplane", "node_id", nodeID, "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

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
	slog.Info("Connected to PostgreSQL database")

	logger := slog.Default()

	// Transaction manager and stores share the pool; agent and budget
	// stores route their multi-row mutations through the manager.
	txm := tx.NewManager(dbClient.DB(), cfg.Transaction)
	agents := store.NewSQLAgents(txm)
	teams := store.NewSQLTeams(dbClient.DB())
	workflows := store.NewSQLWorkflows(dbClient.DB())
	budgets := store.NewSQLBudgets(txm)
	clusters := store.NewSQLClusters(dbClient.DB())
	sessions := store.NewSQLSessions(dbClient.DB())
	idem := store.NewSQLIdempotency(dbClient.DB())

	// Event bus: SQL journal is the canonical order; the forwarder fans
	// events out to the other nodes over NOTIFY/LISTEN.
	journal := eventbus.NewSQLJournal(dbClient.DB())
	bus := eventbus.NewBus(journal, cfg.EventBus, logger)
	defer bus.Close()

	forwarder := eventbus.NewForwarder(nodeID, dbClient.ConnString(), dbClient.DB(), bus, journal, logger)
	if err := forwarder.Start(ctx); err != nil {
		slog.Error("Failed to start event forwarder", "error", err)
		os.Exit(1)
	}
	defer forwarder.Stop(context.Background())

	// Domain services.
	reg := registry.New(agents, sessions, teams, bus, cfg.Agents, logger)
	budgetMgr := budget.NewManager(budgets, bus, cfg.Budget, logger)
	trees := sessiontree.New(sessions, logger)

	fedRegistry := federation.NewRegistry(clusters, bus, cfg.Federation, logger)
	router := federation.NewRouter(fedRegistry, cfg.Federation, logger)
	go fedRegistry.Run(ctx)

	worktrees := newWorktreeProvider(cfg.Worktree)
	executor := newExecutor(reg, trees, budgetMgr, logger)
	pool := registry.NewSpawnPool(nodeID, reg, agents, executor, worktrees, cfg.Agents, logger)

	orchestrator := team.NewOrchestrator(teams, reg, budgetMgr, pool, bus, cfg.Agents, logger)

	runner := &workflow.AgentStepRunner{
		Registry:     reg,
		DefaultModel: getEnv("DEFAULT_MODEL", "default"),
	}
	engine := workflow.NewEngine(workflows, runner, bus, cfg.Workflow, logger)

	metricsSvc := metrics.New(bus, agents, teams, logger)
	if err := metricsSvc.Start(ctx, cfg.Supervisor.Tick); err != nil {
		slog.Error("Failed to start metrics service", "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(orchestrator, reg, metricsSvc, bus, cfg.Supervisor, logger)
	if err != nil {
		slog.Error("Failed to build supervisor", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := sup.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Supervisor stopped", "error", err)
		}
	}()

	reaper := cleanup.NewService(cfg.Retention, agents, workflows, sessions, idem, journal, logger)
	reaper.Start(ctx)
	defer reaper.Stop()

	// Agents stuck mid-spawn from a previous run of this node go back to
	// pending before workers start claiming.
	if n, err := reg.RecoverStartupOrphans(ctx); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
	} else if n > 0 {
		slog.Info("Recovered startup orphans", "count", n)
	}
	pool.Start(ctx)
	defer pool.Stop()

	resumeWorkflows(ctx, engine, logger)

	server := api.NewServer(api.Deps{
		Registry:    reg,
		Cancelers:   pool,
		Teams:       orchestrator,
		Workflows:   engine,
		Budgets:     budgetMgr,
		Clusters:    fedRegistry,
		Router:      router,
		Sessions:    trees,
		Bus:         bus,
		Idempotency: idem,
		Metrics:     metricsSvc.Handler(),
		DB:          dbClient.DB(),
	}, cfg.Server, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("API server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during server shutdown", "error", err)
	}
	slog.Info("Hiveplane stopped")
}

// resumeWorkflows restarts workflows that were running when the previous
// process exited. Interrupted steps count their prior attempt against
// their retry budget.
func resumeWorkflows(ctx context.Context, engine *workflow.Engine, logger *slog.Logger) {
	running, err := engine.List(ctx, store.WorkflowFilter{
		Statuses: []models.WorkflowStatus{models.WorkflowStatusRunning},
	})
	if err != nil {
		logger.Error("failed to scan for interrupted workflows", "error", err)
		return
	}
	for _, wf := range running {
		logger.Info("resuming interrupted workflow", "workflow_id", wf.ID)
		engine.Start(wf.ID)
	}
}
