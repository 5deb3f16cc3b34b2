// Package main is the entry point for sessiond-worker, the per-session
// helper daemon the lifecycle manager spawns inside the sandbox. Each
// instance binds one allocated port, carries its session id on the command
// line so process scans can find it, and serves the health endpoint the
// manager polls before handing the session over to dispatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/constants"
	"github.com/kandev/sessiond/internal/common/logger"
)

// Command-line flags. session-id and port are the markers the lifecycle
// manager matches when scanning the process table, so both are required.
var (
	sessionIDFlag  = flag.String("session-id", "", "Session this worker belongs to (required)")
	portFlag       = flag.Int("port", 0, "Port to listen on (required)")
	healthPathFlag = flag.String("health-path", "/health", "Health endpoint path")
	logLevelFlag   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag  = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	if *sessionIDFlag == "" {
		fmt.Fprintln(os.Stderr, "sessiond-worker: --session-id is required")
		os.Exit(2)
	}
	if *portFlag <= 0 || *portFlag > 65535 {
		fmt.Fprintf(os.Stderr, "sessiond-worker: --port %d is not a valid port\n", *portFlag)
		os.Exit(2)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     *logFormatFlag,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.WithFields(zap.String("session_id", *sessionIDFlag))

	log.Info("starting sessiond-worker", zap.Int("port", *portFlag))

	srv := newServer(*sessionIDFlag, *portFlag, *healthPathFlag)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// The bind error text must reach the process output so the manager
		// can tell a port conflict apart from other startup failures.
		log.Error("worker server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	case sig := <-quit:
		log.Info("shutting down sessiond-worker", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}

	log.Info("sessiond-worker stopped")
}

// newServer builds the worker's HTTP surface: the health endpoint the
// lifecycle manager polls, plus a status endpoint for inspection.
func newServer(sessionID string, port int, healthPath string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	startedAt := time.Now().UTC()

	router.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"session_id": sessionID,
		})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"port":       port,
			"pid":        os.Getpid(),
			"started_at": startedAt.Format(time.RFC3339),
			"uptime_s":   int64(time.Since(startedAt).Seconds()),
		})
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
}
