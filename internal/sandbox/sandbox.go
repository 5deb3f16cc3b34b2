// Package sandbox abstracts where session processes run. The same facade
// is served by the local host, a Sprites.dev remote sandbox, or Docker
// containers, so the rest of the system never branches on the runtime.
package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
)

// ProcessStatus describes a sandbox process.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusExited   ProcessStatus = "exited"
)

// ProcessInfo describes one process visible in the sandbox.
type ProcessInfo struct {
	// ID addresses the process in later calls. Local and Sprites use the
	// OS pid, Docker uses the container id.
	ID         string
	Command    string
	WorkingDir string
	Status     ProcessStatus
	ExitCode   *int
	StartedAt  time.Time
}

// StartOptions configures a spawned process.
type StartOptions struct {
	Cwd string
	Env map[string]string
}

// PortWaitMode selects how WaitForPort probes.
type PortWaitMode string

const (
	// PortWaitTCP succeeds as soon as a connection is accepted.
	PortWaitTCP PortWaitMode = "tcp"
	// PortWaitHTTP requires a successful HTTP response from Path.
	PortWaitHTTP PortWaitMode = "http"
)

// WaitForPortOptions configures a port readiness probe.
type WaitForPortOptions struct {
	Mode    PortWaitMode
	Path    string
	Timeout time.Duration
}

// ChunkKind discriminates streamed output records.
type ChunkKind string

const (
	ChunkStdout   ChunkKind = "stdout"
	ChunkStderr   ChunkKind = "stderr"
	ChunkComplete ChunkKind = "complete"
	ChunkError    ChunkKind = "error"
)

// ExecChunk is one record on a StreamCommand channel. Data is raw bytes
// and may split lines arbitrarily; callers reassemble. ExitCode is only
// meaningful for ChunkComplete, Err only for ChunkError.
type ExecChunk struct {
	Kind     ChunkKind
	Data     []byte
	ExitCode int
	Err      error
}

// Sandbox is the runtime facade session processes are managed through.
//
// StreamCommand runs a command to completion while relaying its output
// live. The returned channel ends with exactly one ChunkComplete or
// ChunkError record and is then closed; cancelling the context closes
// the channel without a terminal record.
type Sandbox interface {
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
	StartProcess(ctx context.Context, command string, opts StartOptions) (*ProcessInfo, error)
	KillProcess(ctx context.Context, id string, signal syscall.Signal) error
	WaitForPort(ctx context.Context, port int, opts WaitForPortOptions) error
	ProcessLogs(ctx context.Context, id string) (string, error)

	StreamCommand(ctx context.Context, command string, opts StartOptions) (<-chan ExecChunk, error)

	WriteFile(ctx context.Context, path string, data []byte) error
	RemoveFile(ctx context.Context, path string) error

	// Ping reports whether the sandbox is still reachable. Cleanup paths
	// use it to decide whether leftover processes can be signalled at all.
	Ping(ctx context.Context) error
}

// New selects the sandbox backend from configuration.
func New(cfg config.SandboxConfig, log *logger.Logger) (Sandbox, error) {
	switch cfg.Mode {
	case "", "local":
		return newLocalSandbox(log), nil
	case "sprites":
		return newSpritesSandbox(cfg.Sprites, log)
	case "docker":
		return newDockerSandbox(cfg.Docker, log)
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}

// signalName renders a signal the way remote runtimes expect it.
func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "TERM"
	case syscall.SIGKILL:
		return "KILL"
	case syscall.SIGINT:
		return "INT"
	case syscall.SIGHUP:
		return "HUP"
	default:
		return fmt.Sprintf("%d", int(sig))
	}
}

// flattenEnv renders an environment map as KEY=VALUE pairs.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
