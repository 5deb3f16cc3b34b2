// Package runner drives one agent execution: it writes the prompt artifact,
// attaches to the agent process through the sandbox, translates its output
// into a finite event stream, and guarantees the stream terminates even if
// the process hangs or the infrastructure disappears.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/sandbox"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

const (
	// eventChannelBuffer absorbs bursts so a briefly slow consumer does not
	// stall the read loop.
	eventChannelBuffer = 256

	// cleanupTimeout bounds the post-run sweep. Cleanup runs on a fresh
	// context because the run context is often already cancelled or expired.
	cleanupTimeout = 15 * time.Second

	// persistTimeout bounds the captured-session-id write, which runs off the
	// stream loop.
	persistTimeout = 10 * time.Second
)

// SessionState is the durable per-session counterpart the controller talks
// to while streaming.
type SessionState interface {
	ClearInterrupted(ctx context.Context) error
	IsInterrupted(ctx context.Context) (bool, error)
	UpdateCapturedSessionID(ctx context.Context, id string) error
}

// Request describes one agent invocation.
type Request struct {
	SessionID     string
	ExecutionID   string
	Prompt        string
	WorkspacePath string
	// Profile selects the agent profile; empty uses the configured default.
	Profile string
	// AgentSessionID is the agent session captured by an earlier execution.
	// When set, the profile's resume arguments are applied.
	AgentSessionID string
}

// Controller runs agent executions against a sandbox.
type Controller struct {
	sandbox  sandbox.Sandbox
	profiles *ProfileSet
	cfg      config.AgentConfig
	logger   *logger.Logger
}

func NewController(sb sandbox.Sandbox, profiles *ProfileSet, cfg config.AgentConfig, log *logger.Logger) *Controller {
	return &Controller{
		sandbox:  sb,
		profiles: profiles,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "runner")),
	}
}

type outputPayload struct {
	Text     string `json:"text"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type terminalPayload struct {
	Reason    string `json:"reason"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// runOutcome drives cleanup after the stream ends.
type runOutcome struct {
	// abnormal means the run did not complete cleanly, so processes scoped
	// to the workspace may be left behind.
	abnormal bool
	// infraLost means the sandbox is assumed gone; process cleanup is
	// skipped entirely.
	infraLost bool
}

// Run starts the invocation and returns its event stream. The channel is
// buffered and closed when the stream ends; the caller must drain it. The
// final event before close is always a terminal one: an error, an
// interruption, or a completion notice.
func (c *Controller) Run(ctx context.Context, req Request, state SessionState) <-chan v1.StreamEvent {
	out := make(chan v1.StreamEvent, eventChannelBuffer)
	go c.run(ctx, req, state, out)
	return out
}

func (c *Controller) run(ctx context.Context, req Request, state SessionState, out chan<- v1.StreamEvent) {
	defer close(out)

	log := c.logger.WithFields(
		zap.String("session_id", req.SessionID),
		zap.String("execution_id", req.ExecutionID),
	)

	// A stale interrupt request must not cancel the attempt it predates.
	if err := state.ClearInterrupted(ctx); err != nil {
		log.Error("Failed to clear interrupt flag", zap.Error(err))
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:    "session state unavailable, retry the request",
			Retryable: true,
		})
		return
	}

	profile, err := c.profiles.Get(req.Profile)
	if err != nil {
		log.Error("Agent profile lookup failed", zap.Error(err))
		out <- c.event(req, v1.StreamEventError, terminalPayload{Reason: err.Error()})
		return
	}

	promptPath := path.Join(req.WorkspacePath, ".sessiond", fmt.Sprintf("prompt-%s.md", req.ExecutionID))
	if err := c.sandbox.WriteFile(ctx, promptPath, []byte(req.Prompt)); err != nil {
		log.Error("Failed to write prompt artifact", zap.String("path", promptPath), zap.Error(err))
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:    "workspace unavailable, retry the request",
			Retryable: true,
		})
		return
	}

	command := profile.BuildCommand(promptPath, req.SessionID, req.AgentSessionID)
	log.Info("Starting agent execution",
		zap.String("profile", profile.Name),
		zap.Bool("resume", req.AgentSessionID != ""))

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	chunks, err := c.sandbox.StreamCommand(streamCtx, command, sandbox.StartOptions{
		Cwd: req.WorkspacePath,
		Env: profile.Env,
	})
	if err != nil {
		log.Error("Failed to attach to agent process", zap.Error(err))
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:    "sandbox unavailable, retry the request",
			Retryable: true,
		})
		c.cleanup(req, runOutcome{infraLost: true}, promptPath, log)
		return
	}

	outcome := c.stream(ctx, req, state, chunks, out, log)

	// Cancel the attach before sweeping so the sandbox side of the stream is
	// already shutting down.
	cancelStream()
	c.cleanup(req, outcome, promptPath, log)
}

// stream races the three wait sources until one of them ends the run:
// the next chunk from the process, the interrupt-poll tick, and the hard
// deadline. Exactly one terminal event is emitted on every path.
func (c *Controller) stream(ctx context.Context, req Request, state SessionState, chunks <-chan sandbox.ExecChunk, out chan<- v1.StreamEvent, log *logger.Logger) runOutcome {
	pollInterval := c.cfg.InterruptPollDuration()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	runLimit := c.cfg.CLITimeoutDuration() + c.cfg.DeadlineBufferDuration()
	if runLimit <= 0 {
		runLimit = time.Hour
	}
	deadline := time.NewTimer(runLimit)
	defer deadline.Stop()

	var stdout, stderr lineBuffer
	capturedInit := false

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				log.Warn("Agent stream closed before completion")
				out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
					Reason:    "execution stream closed before completion, retry the request",
					Retryable: true,
				})
				return runOutcome{abnormal: true}
			}
			switch chunk.Kind {
			case sandbox.ChunkStdout:
				for _, line := range stdout.add(chunk.Data) {
					if ended := c.handleStdoutLine(req, state, out, line, &capturedInit, log); ended {
						return runOutcome{abnormal: true}
					}
				}
			case sandbox.ChunkStderr:
				for _, line := range stderr.add(chunk.Data) {
					c.emitOutputLine(req, out, line)
				}
			case sandbox.ChunkComplete:
				c.emitOutputLine(req, out, stderr.flush())
				if line := stdout.flush(); line != "" {
					if ended := c.handleStdoutLine(req, state, out, line, &capturedInit, log); ended {
						return runOutcome{abnormal: true}
					}
				}
				return c.emitExit(req, out, chunk.ExitCode, log)
			case sandbox.ChunkError:
				log.Error("Agent stream transport failed", zap.Error(chunk.Err))
				out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
					Reason:    "execution environment lost, retry the request",
					Retryable: true,
				})
				return runOutcome{abnormal: true, infraLost: true}
			}

		case <-ticker.C:
			interrupted, err := state.IsInterrupted(ctx)
			if err != nil {
				log.Error("Interrupt poll failed", zap.Error(err))
				out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
					Reason:    "session state unavailable, retry the request",
					Retryable: true,
				})
				return runOutcome{abnormal: true, infraLost: true}
			}
			if interrupted {
				log.Info("Execution interrupted by external request")
				out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
					Reason: "interrupted by external request",
				})
				return runOutcome{abnormal: true}
			}

		case <-deadline.C:
			log.Warn("Execution deadline exceeded", zap.Duration("limit", runLimit))
			out <- c.event(req, v1.StreamEventError, terminalPayload{
				Reason: "execution timeout exceeded",
			})
			return runOutcome{abnormal: true}
		}
	}
}

// handleStdoutLine routes one stdout line. Structured lines become agent
// events; anything else becomes scrubbed output. The return reports whether
// the line ended the stream.
func (c *Controller) handleStdoutLine(req Request, state SessionState, out chan<- v1.StreamEvent, line string, capturedInit *bool, log *logger.Logger) bool {
	probe, isJSON := parseAgentLine(line)
	if !isJSON {
		c.emitOutputLine(req, out, line)
		return false
	}

	if probe.isInitMarker() {
		if *capturedInit {
			log.Debug("Duplicate agent session announcement ignored",
				zap.String("agent_session_id", probe.SessionID))
		} else {
			*capturedInit = true
			// Persist off the loop so a slow store cannot stall streaming.
			go func(id string) {
				pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				if err := state.UpdateCapturedSessionID(pctx, id); err != nil {
					log.Warn("Failed to persist captured agent session id",
						zap.String("agent_session_id", id), zap.Error(err))
				}
			}(probe.SessionID)
		}
	}

	out <- c.event(req, v1.StreamEventAgent, json.RawMessage(strings.TrimSpace(line)))

	if probe.isTerminal(c.cfg.TerminalEventTypes) {
		log.Warn("Agent reported a terminal failure", zap.String("event_type", probe.Type))
		out <- c.event(req, v1.StreamEventError, terminalPayload{
			Reason: "agent reported a terminal error",
		})
		return true
	}
	return false
}

func (c *Controller) emitOutputLine(req Request, out chan<- v1.StreamEvent, line string) {
	text := stripANSI(line)
	if strings.TrimSpace(text) == "" {
		return
	}
	out <- c.event(req, v1.StreamEventOutput, outputPayload{Text: text})
}

// emitExit maps the process exit code onto the stream's terminal event.
func (c *Controller) emitExit(req Request, out chan<- v1.StreamEvent, code int, log *logger.Logger) runOutcome {
	exitCode := code
	switch code {
	case 0:
		log.Info("Agent execution completed")
		out <- c.event(req, v1.StreamEventOutput, outputPayload{
			Text:     "execution completed",
			ExitCode: &exitCode,
		})
		return runOutcome{}
	case 130:
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:   "interrupted by SIGINT",
			ExitCode: &exitCode,
		})
	case 143:
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:   "terminated by SIGTERM",
			ExitCode: &exitCode,
		})
	case 137:
		out <- c.event(req, v1.StreamEventInterrupted, terminalPayload{
			Reason:   "killed by SIGKILL",
			ExitCode: &exitCode,
		})
	case 124:
		out <- c.event(req, v1.StreamEventError, terminalPayload{
			Reason:   "execution timed out",
			ExitCode: &exitCode,
		})
	default:
		out <- c.event(req, v1.StreamEventError, terminalPayload{
			Reason:   fmt.Sprintf("agent exited with code %d", code),
			ExitCode: &exitCode,
		})
	}
	log.Warn("Agent execution ended abnormally", zap.Int("exit_code", code))
	return runOutcome{abnormal: true}
}

func (c *Controller) event(req Request, t v1.StreamEventType, payload any) v1.StreamEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		data = json.RawMessage(`{}`)
	}
	return v1.StreamEvent{
		SessionID:   req.SessionID,
		ExecutionID: req.ExecutionID,
		Type:        t,
		Payload:     data,
		Timestamp:   time.Now().UTC(),
	}
}

// cleanup runs after every stream, on a fresh context. Failures are logged
// and swallowed so they never mask the stream outcome.
func (c *Controller) cleanup(req Request, outcome runOutcome, promptPath string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if outcome.abnormal && !outcome.infraLost {
		if err := c.sandbox.Ping(ctx); err != nil {
			log.Warn("Sandbox unreachable during cleanup, skipping process sweep", zap.Error(err))
		} else {
			c.sweepWorkspace(ctx, req, log)
		}
	}

	if promptPath != "" {
		if err := c.sandbox.RemoveFile(ctx, promptPath); err != nil {
			log.Warn("Failed to remove prompt artifact",
				zap.String("path", promptPath), zap.Error(err))
		}
	}
}

// sweepWorkspace terminates live processes whose command line references the
// session's workspace, so an abnormal end does not strand an agent there.
func (c *Controller) sweepWorkspace(ctx context.Context, req Request, log *logger.Logger) {
	if req.WorkspacePath == "" {
		return
	}
	procs, err := c.sandbox.ListProcesses(ctx)
	if err != nil {
		log.Warn("Failed to list processes during cleanup", zap.Error(err))
		return
	}
	for _, p := range procs {
		if p.Status != sandbox.StatusRunning && p.Status != sandbox.StatusStarting {
			continue
		}
		if !commandScopedToWorkspace(p.Command, req.WorkspacePath) {
			continue
		}
		if err := c.sandbox.KillProcess(ctx, p.ID, syscall.SIGTERM); err != nil {
			log.Warn("Failed to terminate leftover process",
				zap.String("process_id", p.ID), zap.Error(err))
			continue
		}
		log.Info("Terminated leftover workspace process",
			zap.String("process_id", p.ID), zap.String("command", p.Command))
	}
}

// commandScopedToWorkspace reports whether a command line references the
// workspace path as a whole component. A bare prefix match would also catch
// sibling workspaces like /work/s10 when sweeping /work/s1.
func commandScopedToWorkspace(command, workspace string) bool {
	for start := 0; ; {
		idx := strings.Index(command[start:], workspace)
		if idx < 0 {
			return false
		}
		end := start + idx + len(workspace)
		if end == len(command) {
			return true
		}
		switch command[end] {
		case '/', ' ', '\t', ';', '\'', '"':
			return true
		}
		start = end
	}
}
