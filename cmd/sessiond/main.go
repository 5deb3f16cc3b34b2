// Package main is the entry point for sessiond, the execution orchestration
// daemon. One process hosts the session actor, the dispatch pipeline, the
// maintenance reaper, and the HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/api"
	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/db"
	"github.com/kandev/sessiond/internal/dispatch"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/procman"
	"github.com/kandev/sessiond/internal/reaper"
	"github.com/kandev/sessiond/internal/runner"
	"github.com/kandev/sessiond/internal/sandbox"
	"github.com/kandev/sessiond/internal/session"
	"github.com/kandev/sessiond/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sessiond...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// ============================================
	// SESSION ACTOR
	// ============================================

	// 5. Open the database pool
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	// 6. Construct the stores and the actor service
	executions, err := session.NewExecutionStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize execution store", zap.Error(err))
	}
	leases, err := session.NewLeaseStore(pool, cfg.Lease.TTLDuration(), log)
	if err != nil {
		log.Fatal("Failed to initialize lease store", zap.Error(err))
	}
	eventLog, err := session.NewEventLog(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize event log", zap.Error(err))
	}
	service := session.NewService(executions, leases, eventLog, eventBus, log)
	log.Info("Session actor initialized")

	// ============================================
	// EXECUTION PIPELINE
	// ============================================

	// 7. Sandbox backend
	sb, err := sandbox.New(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox", zap.Error(err), zap.String("mode", cfg.Sandbox.Mode))
	}
	log.Info("Sandbox ready", zap.String("mode", cfg.Sandbox.Mode))

	// 8. Worker instance manager
	instances := procman.NewManager(sb, cfg.Worker, log)

	// 9. Streaming controller with agent profiles
	profiles, err := runner.LoadProfiles(cfg.Agent.ProfilesPath, cfg.Agent.Profile)
	if err != nil {
		log.Fatal("Failed to load agent profiles", zap.Error(err), zap.String("path", cfg.Agent.ProfilesPath))
	}
	controller := runner.NewController(sb, profiles, cfg.Agent, log)

	// 10. Dispatcher consuming execution requests off the bus
	dispatcher := dispatch.NewDispatcher(service, controller, instances, eventBus, cfg.Dispatch, cfg.Lease, log)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	// 11. Reaper for lease expiry and event retention
	sweeper := reaper.NewReaper(service, cfg.Lease, cfg.Events, log)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("Failed to start reaper", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER (REST + WebSocket event streams)
	// ============================================

	// 12. WebSocket hub with live event fan-out
	hub := api.NewHub(log)
	go hub.Run(ctx)
	api.RegisterEventFanout(ctx, eventBus, hub, log)

	// 13. API server
	apiServer := api.NewServer(cfg.Server, service, instances, sweeper, eventBus, hub, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws/sessions/:id/events"),
		zap.String("health", "/health"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sessiond...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// In-flight executions end with their interrupted terminal event before
	// the dispatcher returns.
	dispatcher.Stop()

	if err := sweeper.Stop(); err != nil {
		log.Error("Reaper stop error", zap.Error(err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sessiond stopped")
}
