package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/sandbox"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeState struct {
	mu          sync.Mutex
	interrupted bool
	clears      int
	clearErr    error
	pollErr     error
	captured    []string
}

func (f *fakeState) ClearInterrupted(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.clears++
	f.interrupted = false
	return nil
}

func (f *fakeState) IsInterrupted(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return false, f.pollErr
	}
	return f.interrupted, nil
}

func (f *fakeState) UpdateCapturedSessionID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeState) setInterrupted(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = v
}

func (f *fakeState) capturedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.captured))
	copy(out, f.captured)
	return out
}

// stubSandbox hands the test-owned chunk channel to StreamCommand and
// records every side effect the controller performs.
type stubSandbox struct {
	mu        sync.Mutex
	chunks    chan sandbox.ExecChunk
	streamErr error
	writeErr  error
	pingErr   error
	procs     []sandbox.ProcessInfo
	command   string
	cwd       string
	env       map[string]string
	files     map[string][]byte
	removed   []string
	killed    []string
}

func newStubSandbox() *stubSandbox {
	return &stubSandbox{
		chunks: make(chan sandbox.ExecChunk, 16),
		files:  make(map[string][]byte),
	}
}

func (s *stubSandbox) ListProcesses(ctx context.Context) ([]sandbox.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sandbox.ProcessInfo, len(s.procs))
	copy(out, s.procs)
	return out, nil
}

func (s *stubSandbox) StartProcess(ctx context.Context, command string, opts sandbox.StartOptions) (*sandbox.ProcessInfo, error) {
	return &sandbox.ProcessInfo{ID: "1", Command: command, Status: sandbox.StatusRunning}, nil
}

func (s *stubSandbox) KillProcess(ctx context.Context, id string, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, id)
	return nil
}

func (s *stubSandbox) WaitForPort(ctx context.Context, port int, opts sandbox.WaitForPortOptions) error {
	return nil
}

func (s *stubSandbox) ProcessLogs(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (s *stubSandbox) StreamCommand(ctx context.Context, command string, opts sandbox.StartOptions) (<-chan sandbox.ExecChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	s.command = command
	s.cwd = opts.Cwd
	s.env = opts.Env
	return s.chunks, nil
}

func (s *stubSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.files[path] = data
	return nil
}

func (s *stubSandbox) RemoveFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

func (s *stubSandbox) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *stubSandbox) startedCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command
}

func (s *stubSandbox) startedCwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *stubSandbox) removedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.removed))
	copy(out, s.removed)
	return out
}

func (s *stubSandbox) killedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.killed))
	copy(out, s.killed)
	return out
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Profile:               "mock",
		CLITimeout:            30,
		DeadlineBuffer:        0,
		InterruptPollInterval: 1,
		TerminalEventTypes:    []string{"error"},
	}
}

func newTestController(t *testing.T, sb sandbox.Sandbox, cfg config.AgentConfig) *Controller {
	profiles, err := LoadProfiles("", "mock")
	if err != nil {
		t.Fatalf("failed to load profiles: %v", err)
	}
	return NewController(sb, profiles, cfg, newTestLogger(t))
}

func testRequest() Request {
	return Request{
		SessionID:     "s1",
		ExecutionID:   "exec-1",
		Prompt:        "do the thing",
		WorkspacePath: "/work/s1",
	}
}

func collectEvents(t *testing.T, ch <-chan v1.StreamEvent, timeout time.Duration) []v1.StreamEvent {
	t.Helper()
	var events []v1.StreamEvent
	limit := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-limit:
			t.Fatalf("stream did not close within %v, got %d events", timeout, len(events))
		}
	}
}

func countByType(events []v1.StreamEvent, typ v1.StreamEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func payloadField(t *testing.T, ev v1.StreamEvent, field string) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	s, _ := m[field].(string)
	return s
}

func TestRunCompletesOnCleanExit(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())
	state := &fakeState{}

	ch := controller.Run(context.Background(), testRequest(), state)
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte("hello\n")}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}

	events := collectEvents(t, ch, 5*time.Second)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != v1.StreamEventOutput || payloadField(t, events[0], "text") != "hello" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != v1.StreamEventOutput || payloadField(t, last, "text") != "execution completed" {
		t.Errorf("unexpected terminal event %+v", last)
	}
	if last.SessionID != "s1" || last.ExecutionID != "exec-1" || last.Timestamp.IsZero() {
		t.Errorf("event not stamped: %+v", last)
	}

	promptPath := "/work/s1/.sessiond/prompt-exec-1.md"
	stub.mu.Lock()
	_, wrote := stub.files[promptPath]
	stub.mu.Unlock()
	if !wrote {
		t.Errorf("prompt artifact not written at %s", promptPath)
	}
	removed := stub.removedPaths()
	if len(removed) != 1 || removed[0] != promptPath {
		t.Errorf("prompt artifact not removed: %v", removed)
	}
	if kills := stub.killedIDs(); len(kills) != 0 {
		t.Errorf("clean completion should not sweep processes: %v", kills)
	}
	if state.clears != 1 {
		t.Errorf("expected one interrupt-flag clear, got %d", state.clears)
	}
}

func TestRunEmitsAgentEvents(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	line := `{"type":"message","content":"hi"}`
	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte(line + "\n")}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventAgent) != 1 {
		t.Fatalf("expected one agent event, got %+v", events)
	}
	if string(events[0].Payload) != line {
		t.Errorf("agent payload altered: %s", events[0].Payload)
	}
}

func TestRunReassemblesSplitAgentLine(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte(`{"type":"mess`)}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte("age\"}\n")}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventAgent) != 1 {
		t.Fatalf("split line not reassembled into one agent event: %+v", events)
	}
}

func TestRunCapturesInitMarkerOnce(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())
	state := &fakeState{}

	marker := `{"type":"system","subtype":"init","session_id":"agent-9"}`
	ch := controller.Run(context.Background(), testRequest(), state)
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte(marker + "\n" + marker + "\n")}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventAgent) != 2 {
		t.Fatalf("both marker lines should still be emitted: %+v", events)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(state.capturedIDs()) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	captured := state.capturedIDs()
	if len(captured) != 1 || captured[0] != "agent-9" {
		t.Fatalf("expected single capture of agent-9, got %v", captured)
	}
}

func TestRunTerminalAgentEventEndsStream(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte(`{"type":"error","message":"broken"}` + "\n")}

	events := collectEvents(t, ch, 5*time.Second)
	if len(events) != 2 {
		t.Fatalf("expected agent event plus terminal error, got %+v", events)
	}
	if events[0].Type != v1.StreamEventAgent {
		t.Errorf("terminal line not emitted as agent event: %+v", events[0])
	}
	if events[1].Type != v1.StreamEventError {
		t.Errorf("stream did not end as a failure: %+v", events[1])
	}
}

func TestRunErroredResultEndsStream(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStdout, Data: []byte(`{"type":"result","is_error":true}` + "\n")}

	events := collectEvents(t, ch, 5*time.Second)
	if events[len(events)-1].Type != v1.StreamEventError {
		t.Fatalf("errored result did not end the stream: %+v", events)
	}
}

func TestRunExitCode143EndsWithSingleInterrupt(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 143}

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventInterrupted) != 1 {
		t.Fatalf("expected exactly one interrupted event, got %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != v1.StreamEventInterrupted {
		t.Fatalf("interrupted event must be last: %+v", events)
	}
	if reason := payloadField(t, last, "reason"); !strings.Contains(reason, "SIGTERM") {
		t.Errorf("expected signal-specific reason, got %q", reason)
	}
}

func TestRunExitCodeMapping(t *testing.T) {
	cases := []struct {
		code       int
		wantType   v1.StreamEventType
		wantReason string
	}{
		{130, v1.StreamEventInterrupted, "SIGINT"},
		{137, v1.StreamEventInterrupted, "SIGKILL"},
		{124, v1.StreamEventError, "timed out"},
		{7, v1.StreamEventError, "exited with code 7"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("exit_%d", tc.code), func(t *testing.T) {
			stub := newStubSandbox()
			controller := newTestController(t, stub, testAgentConfig())

			ch := controller.Run(context.Background(), testRequest(), &fakeState{})
			stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: tc.code}

			events := collectEvents(t, ch, 5*time.Second)
			last := events[len(events)-1]
			if last.Type != tc.wantType {
				t.Fatalf("expected %s, got %+v", tc.wantType, last)
			}
			if reason := payloadField(t, last, "reason"); !strings.Contains(reason, tc.wantReason) {
				t.Errorf("expected reason containing %q, got %q", tc.wantReason, reason)
			}
		})
	}
}

func TestRunDeadlineEndsStream(t *testing.T) {
	stub := newStubSandbox()
	cfg := testAgentConfig()
	cfg.CLITimeout = 1
	controller := newTestController(t, stub, cfg)

	// No chunks ever arrive: the process hangs and never exits.
	ch := controller.Run(context.Background(), testRequest(), &fakeState{})

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventError) != 1 {
		t.Fatalf("expected exactly one error event, got %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != v1.StreamEventError {
		t.Fatalf("error event must be last: %+v", events)
	}
	if reason := payloadField(t, last, "reason"); !strings.Contains(reason, "timeout exceeded") {
		t.Errorf("expected timeout reason, got %q", reason)
	}
}

func TestRunInterruptPollEndsStream(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())
	state := &fakeState{}

	ch := controller.Run(context.Background(), testRequest(), state)
	// Set after the attempt-start clear has happened.
	time.AfterFunc(200*time.Millisecond, func() { state.setInterrupted(true) })

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventInterrupted) != 1 {
		t.Fatalf("expected exactly one interrupted event, got %+v", events)
	}
	if reason := payloadField(t, events[len(events)-1], "reason"); !strings.Contains(reason, "external request") {
		t.Errorf("expected external-request reason, got %q", reason)
	}
}

func TestRunInterruptPollStorageFault(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())
	state := &fakeState{pollErr: fmt.Errorf("connection refused")}

	ch := controller.Run(context.Background(), testRequest(), state)

	events := collectEvents(t, ch, 5*time.Second)
	last := events[len(events)-1]
	if last.Type != v1.StreamEventInterrupted {
		t.Fatalf("storage fault should interrupt, got %+v", last)
	}
	if reason := payloadField(t, last, "reason"); !strings.Contains(reason, "retry") {
		t.Errorf("expected retry hint, got %q", reason)
	}
	if kills := stub.killedIDs(); len(kills) != 0 {
		t.Errorf("infrastructure fault must not sweep processes: %v", kills)
	}
}

func TestRunTransportFaultSkipsSweep(t *testing.T) {
	stub := newStubSandbox()
	stub.procs = []sandbox.ProcessInfo{
		{ID: "55", Command: "claude -p < /work/s1/.sessiond/prompt-exec-1.md", Status: sandbox.StatusRunning},
	}
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkError, Err: fmt.Errorf("lost contact")}

	events := collectEvents(t, ch, 5*time.Second)
	last := events[len(events)-1]
	if last.Type != v1.StreamEventInterrupted {
		t.Fatalf("transport fault should interrupt, got %+v", last)
	}
	if reason := payloadField(t, last, "reason"); !strings.Contains(reason, "retry") {
		t.Errorf("expected retry hint, got %q", reason)
	}
	if kills := stub.killedIDs(); len(kills) != 0 {
		t.Errorf("sandbox assumed gone, but sweep ran: %v", kills)
	}
}

func TestRunSweepTerminatesWorkspaceProcesses(t *testing.T) {
	stub := newStubSandbox()
	stub.procs = []sandbox.ProcessInfo{
		{ID: "55", Command: "claude -p < /work/s1/.sessiond/prompt-exec-1.md", Status: sandbox.StatusRunning},
		{ID: "56", Command: "claude -p < /work/s10/.sessiond/prompt-other.md", Status: sandbox.StatusRunning},
		{ID: "57", Command: "sh -c cd /work/s1; npm test", Status: sandbox.StatusExited},
	}
	cfg := testAgentConfig()
	cfg.CLITimeout = 1
	controller := newTestController(t, stub, cfg)

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	events := collectEvents(t, ch, 5*time.Second)
	if events[len(events)-1].Type != v1.StreamEventError {
		t.Fatalf("expected timeout error, got %+v", events)
	}

	kills := stub.killedIDs()
	if len(kills) != 1 || kills[0] != "55" {
		t.Fatalf("expected only the live workspace process terminated, got %v", kills)
	}
}

func TestRunStderrNeverParsedAsAgent(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkStderr, Data: []byte("\x1b[31m{\"type\":\"error\"}\x1b[0m\n")}
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}

	events := collectEvents(t, ch, 5*time.Second)
	if countByType(events, v1.StreamEventAgent) != 0 {
		t.Fatalf("stderr treated as agent output: %+v", events)
	}
	if countByType(events, v1.StreamEventError) != 0 {
		t.Fatalf("stderr triggered terminal handling: %+v", events)
	}
	if got := payloadField(t, events[0], "text"); got != `{"type":"error"}` {
		t.Errorf("stderr not scrubbed: %q", got)
	}
}

func TestRunStreamClosedEarly(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	ch := controller.Run(context.Background(), testRequest(), &fakeState{})
	close(stub.chunks)

	events := collectEvents(t, ch, 5*time.Second)
	last := events[len(events)-1]
	if last.Type != v1.StreamEventInterrupted {
		t.Fatalf("early close must interrupt, got %+v", events)
	}
	if reason := payloadField(t, last, "reason"); !strings.Contains(reason, "retry") {
		t.Errorf("expected retry hint, got %q", reason)
	}
}

func TestRunUnknownProfileFails(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	req := testRequest()
	req.Profile = "no-such-profile"
	ch := controller.Run(context.Background(), req, &fakeState{})

	events := collectEvents(t, ch, 5*time.Second)
	if len(events) != 1 || events[0].Type != v1.StreamEventError {
		t.Fatalf("expected single error event, got %+v", events)
	}
	if stub.startedCommand() != "" {
		t.Errorf("no process should start for unknown profile, got %q", stub.startedCommand())
	}
}

func TestRunBuildsCommandWithResume(t *testing.T) {
	stub := newStubSandbox()
	controller := newTestController(t, stub, testAgentConfig())

	req := testRequest()
	req.AgentSessionID = "agent-42"
	ch := controller.Run(context.Background(), req, &fakeState{})
	stub.chunks <- sandbox.ExecChunk{Kind: sandbox.ChunkComplete, ExitCode: 0}
	collectEvents(t, ch, 5*time.Second)

	command := stub.startedCommand()
	if !strings.Contains(command, "--prompt-file /work/s1/.sessiond/prompt-exec-1.md") {
		t.Errorf("command missing prompt file: %q", command)
	}
	if !strings.Contains(command, "--session-id s1") {
		t.Errorf("command missing session id: %q", command)
	}
	if !strings.Contains(command, "--resume agent-42") {
		t.Errorf("command missing resume args: %q", command)
	}
	if got := stub.startedCwd(); got != "/work/s1" {
		t.Errorf("expected workspace cwd, got %q", got)
	}
}
