// Package procman manages per-session worker instances: deterministic port
// assignment, discovery of already-running workers through the sandbox
// process list, spawn with health probing, and graceful stop.
//
// The manager deliberately runs outside any session serialization. Two
// concurrent EnsureRunning calls for the same session may race; the loser
// detects the conflict at bind time and retries on a fresh port.
package procman

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/sandbox"
)

const (
	sessionFlag = "--session-id"
	portFlag    = "--port"
)

// Instance describes a worker serving one session.
type Instance struct {
	SessionID string
	ProcessID string
	Port      int
	Status    sandbox.ProcessStatus
}

// Manager spawns and tracks worker instances inside a sandbox.
type Manager struct {
	sandbox sandbox.Sandbox
	alloc   *Allocator
	cfg     config.WorkerConfig
	logger  *logger.Logger
}

func NewManager(sb sandbox.Sandbox, cfg config.WorkerConfig, log *logger.Logger) *Manager {
	return &Manager{
		sandbox: sb,
		alloc:   NewAllocator(cfg.PortMin, cfg.PortMax),
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "procman")),
	}
}

// FindExistingInstance scans the sandbox process list for a worker carrying
// this session's marker. It returns nil without error when no live worker
// is found. Workers whose command line has no parseable port are ignored.
func (m *Manager) FindExistingInstance(ctx context.Context, sessionID string) (*Instance, error) {
	procs, err := m.sandbox.ListProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox processes: %w", err)
	}
	for _, p := range procs {
		if p.Status != sandbox.StatusRunning && p.Status != sandbox.StatusStarting {
			continue
		}
		if v, ok := commandFlag(p.Command, sessionFlag); !ok || v != sessionID {
			continue
		}
		portStr, ok := commandFlag(p.Command, portFlag)
		if !ok {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			continue
		}
		return &Instance{
			SessionID: sessionID,
			ProcessID: p.ID,
			Port:      port,
			Status:    p.Status,
		}, nil
	}
	return nil, nil
}

// EnsureRunning returns a healthy worker for the session, reusing a live one
// when possible and spawning otherwise. A spawn that fails its health probe
// with a port bind conflict in its logs is retried on a fresh port up to the
// configured retry cap; any other spawn failure is returned immediately.
func (m *Manager) EnsureRunning(ctx context.Context, sessionID, workspacePath string) (*Instance, error) {
	existing, err := m.FindExistingInstance(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == sandbox.StatusRunning {
			m.logger.Debug("Reusing running worker",
				zap.String("session_id", sessionID),
				zap.Int("port", existing.Port))
			return existing, nil
		}
		// Still starting: give it the startup window to come up before
		// writing it off.
		err := m.sandbox.WaitForPort(ctx, existing.Port, sandbox.WaitForPortOptions{
			Mode:    sandbox.PortWaitHTTP,
			Path:    m.cfg.HealthPath,
			Timeout: m.cfg.StartupTimeoutDuration(),
		})
		if err == nil {
			existing.Status = sandbox.StatusRunning
			return existing, nil
		}
		m.logger.Warn("Starting worker never became healthy; spawning a replacement",
			zap.String("session_id", sessionID),
			zap.Int("port", existing.Port),
			zap.Error(err))
		// Take the stalled worker down so later scans find the
		// replacement instead of it.
		if killErr := m.sandbox.KillProcess(ctx, existing.ProcessID, syscall.SIGTERM); killErr != nil {
			m.logger.Debug("Failed to terminate stalled worker",
				zap.String("process_id", existing.ProcessID),
				zap.Error(killErr))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.BindRetries; attempt++ {
		port, err := m.alloc.FindAvailablePort(sessionID)
		if err != nil {
			return nil, err
		}

		command := m.workerCommand(sessionID, port)
		info, err := m.sandbox.StartProcess(ctx, command, sandbox.StartOptions{Cwd: workspacePath})
		if err != nil {
			m.alloc.Release(port)
			return nil, fmt.Errorf("failed to spawn worker for session %s: %w", sessionID, err)
		}

		err = m.sandbox.WaitForPort(ctx, port, sandbox.WaitForPortOptions{
			Mode:    sandbox.PortWaitHTTP,
			Path:    m.cfg.HealthPath,
			Timeout: m.cfg.StartupTimeoutDuration(),
		})
		if err == nil {
			m.logger.Info("Worker started",
				zap.String("session_id", sessionID),
				zap.String("process_id", info.ID),
				zap.Int("port", port),
				zap.Int("attempt", attempt+1))
			return &Instance{
				SessionID: sessionID,
				ProcessID: info.ID,
				Port:      port,
				Status:    sandbox.StatusRunning,
			}, nil
		}
		lastErr = fmt.Errorf("worker for session %s not healthy on port %d: %w", sessionID, port, err)

		logs, logErr := m.sandbox.ProcessLogs(ctx, info.ID)
		if logErr != nil {
			m.logger.Warn("Could not read logs of unhealthy worker",
				zap.String("process_id", info.ID),
				zap.Error(logErr))
		}
		if killErr := m.sandbox.KillProcess(ctx, info.ID, syscall.SIGTERM); killErr != nil {
			m.logger.Debug("Failed to terminate unhealthy worker",
				zap.String("process_id", info.ID),
				zap.Error(killErr))
		}

		if isBindConflict(logs) {
			m.alloc.MarkUnavailable(port)
			m.logger.Warn("Worker port already in use, retrying with a new port",
				zap.String("session_id", sessionID),
				zap.Int("port", port),
				zap.Int("attempt", attempt+1))
			continue
		}

		m.alloc.Release(port)
		if logs != "" {
			return nil, fmt.Errorf("%w; worker output: %s", lastErr, tail(logs, 512))
		}
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed to start worker for session %s after %d attempts: %w", sessionID, m.cfg.BindRetries+1, lastErr)
}

// StopInstance terminates the session's worker if one is running. A missing
// worker is not an error.
func (m *Manager) StopInstance(ctx context.Context, sessionID string) error {
	existing, err := m.FindExistingInstance(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		m.logger.Debug("No worker to stop", zap.String("session_id", sessionID))
		return nil
	}
	if err := m.sandbox.KillProcess(ctx, existing.ProcessID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop worker for session %s: %w", sessionID, err)
	}
	m.alloc.Release(existing.Port)
	m.logger.Info("Worker stopped",
		zap.String("session_id", sessionID),
		zap.String("process_id", existing.ProcessID),
		zap.Int("port", existing.Port))
	return nil
}

func (m *Manager) workerCommand(sessionID string, port int) string {
	return fmt.Sprintf("%s %s %s %s %d", m.cfg.Command, sessionFlag, sessionID, portFlag, port)
}

// commandFlag returns the value following a flag in a command line. Exact
// field matching keeps one session id from matching another it prefixes.
func commandFlag(command, flag string) (string, bool) {
	fields := strings.Fields(command)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == flag {
			return fields[i+1], true
		}
	}
	return "", false
}

func isBindConflict(logs string) bool {
	return strings.Contains(strings.ToLower(logs), "address already in use")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
