package procman

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/sandbox"
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

type startCall struct {
	command string
	cwd     string
}

type killCall struct {
	id  string
	sig syscall.Signal
}

// fakeSandbox is an in-memory Sandbox. Health is modeled per port and logs
// per process id; logsDefault covers processes without an explicit entry.
type fakeSandbox struct {
	mu          sync.Mutex
	procs       []sandbox.ProcessInfo
	starts      []startCall
	kills       []killCall
	logs        map[string]string
	logsDefault string
	healthy     map[int]bool
	nextPID     int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		logs:    make(map[string]string),
		healthy: make(map[int]bool),
		nextPID: 100,
	}
}

func (f *fakeSandbox) ListProcesses(ctx context.Context) ([]sandbox.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.ProcessInfo, len(f.procs))
	copy(out, f.procs)
	return out, nil
}

func (f *fakeSandbox) StartProcess(ctx context.Context, command string, opts sandbox.StartOptions) (*sandbox.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strconv.Itoa(f.nextPID)
	f.nextPID++
	info := sandbox.ProcessInfo{
		ID:         id,
		Command:    command,
		WorkingDir: opts.Cwd,
		Status:     sandbox.StatusRunning,
		StartedAt:  time.Now(),
	}
	f.procs = append(f.procs, info)
	f.starts = append(f.starts, startCall{command: command, cwd: opts.Cwd})
	return &info, nil
}

func (f *fakeSandbox) KillProcess(ctx context.Context, id string, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, killCall{id: id, sig: sig})
	for i := range f.procs {
		if f.procs[i].ID == id {
			f.procs[i].Status = sandbox.StatusExited
		}
	}
	return nil
}

func (f *fakeSandbox) WaitForPort(ctx context.Context, port int, opts sandbox.WaitForPortOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy[port] {
		return nil
	}
	return fmt.Errorf("port %d never became ready", port)
}

func (f *fakeSandbox) ProcessLogs(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if logs, ok := f.logs[id]; ok {
		return logs, nil
	}
	return f.logsDefault, nil
}

func (f *fakeSandbox) StreamCommand(ctx context.Context, command string, opts sandbox.StartOptions) (<-chan sandbox.ExecChunk, error) {
	ch := make(chan sandbox.ExecChunk)
	close(ch)
	return ch, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error { return nil }

func (f *fakeSandbox) RemoveFile(ctx context.Context, path string) error { return nil }

func (f *fakeSandbox) Ping(ctx context.Context) error { return nil }

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Command:        "sessiond-worker",
		PortMin:        39100,
		PortMax:        39110,
		StartupTimeout: 1,
		HealthPath:     "/health",
		BindRetries:    3,
	}
}

func newTestManager(t *testing.T, fake *fakeSandbox) *Manager {
	return NewManager(fake, testWorkerConfig(), newTestLogger(t))
}

func TestFindExistingInstanceMatchesMarker(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusRunning},
	}
	manager := newTestManager(t, fake)

	inst, err := manager.FindExistingInstance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindExistingInstance failed: %v", err)
	}
	if inst == nil {
		t.Fatal("expected instance")
	}
	if inst.ProcessID != "10" || inst.Port != 39105 {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if inst.Status != sandbox.StatusRunning {
		t.Fatalf("unexpected status %q", inst.Status)
	}
}

func TestFindExistingInstanceRejectsPrefixMatch(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1-other --port 39105", Status: sandbox.StatusRunning},
	}
	manager := newTestManager(t, fake)

	inst, err := manager.FindExistingInstance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindExistingInstance failed: %v", err)
	}
	if inst != nil {
		t.Fatalf("matched a different session's worker: %+v", inst)
	}
}

func TestFindExistingInstanceIgnoresExitedAndUnparseable(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusExited},
		{ID: "11", Command: "sessiond-worker --session-id s1 --port banana", Status: sandbox.StatusRunning},
		{ID: "12", Command: "sessiond-worker --session-id s1", Status: sandbox.StatusRunning},
	}
	manager := newTestManager(t, fake)

	inst, err := manager.FindExistingInstance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindExistingInstance failed: %v", err)
	}
	if inst != nil {
		t.Fatalf("expected no usable instance, got %+v", inst)
	}
}

func TestEnsureRunningReusesRunningWorker(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusRunning},
	}
	manager := newTestManager(t, fake)

	inst, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if inst.Port != 39105 || inst.ProcessID != "10" {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if len(fake.starts) != 0 {
		t.Fatalf("expected no spawn, got %d", len(fake.starts))
	}
}

func TestEnsureRunningWaitsForStartingWorker(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusStarting},
	}
	fake.healthy[39105] = true
	manager := newTestManager(t, fake)

	inst, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if inst.Port != 39105 {
		t.Fatalf("expected reuse of port 39105, got %d", inst.Port)
	}
	if inst.Status != sandbox.StatusRunning {
		t.Fatalf("expected running status after probe, got %q", inst.Status)
	}
	if len(fake.starts) != 0 {
		t.Fatalf("expected no spawn, got %d", len(fake.starts))
	}
}

func TestEnsureRunningReplacesStalledStartingWorker(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusStarting},
	}
	cfg := testWorkerConfig()
	preferred := PreferredPort("s1", cfg.PortMin, cfg.PortMax)
	fake.healthy[preferred] = true
	manager := newTestManager(t, fake)

	inst, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if inst.Port != preferred {
		t.Fatalf("expected fresh worker on preferred port %d, got %d", preferred, inst.Port)
	}
	if len(fake.starts) != 1 {
		t.Fatalf("expected one spawn, got %d", len(fake.starts))
	}
}

func TestEnsureRunningSpawnsWorker(t *testing.T) {
	fake := newFakeSandbox()
	cfg := testWorkerConfig()
	preferred := PreferredPort("s1", cfg.PortMin, cfg.PortMax)
	fake.healthy[preferred] = true
	manager := newTestManager(t, fake)

	inst, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if inst.Port != preferred {
		t.Fatalf("expected preferred port %d, got %d", preferred, inst.Port)
	}
	if inst.Status != sandbox.StatusRunning {
		t.Fatalf("expected running, got %q", inst.Status)
	}
	if len(fake.starts) != 1 {
		t.Fatalf("expected one spawn, got %d", len(fake.starts))
	}
	command := fake.starts[0].command
	if !strings.Contains(command, "--session-id s1") {
		t.Errorf("command missing session marker: %q", command)
	}
	if !strings.Contains(command, fmt.Sprintf("--port %d", preferred)) {
		t.Errorf("command missing port flag: %q", command)
	}
	if fake.starts[0].cwd != "/work/s1" {
		t.Errorf("expected workspace cwd, got %q", fake.starts[0].cwd)
	}
}

func TestSpawnedWorkerIsDiscoverable(t *testing.T) {
	fake := newFakeSandbox()
	cfg := testWorkerConfig()
	fake.healthy[PreferredPort("s1", cfg.PortMin, cfg.PortMax)] = true
	manager := newTestManager(t, fake)

	spawned, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}

	found, err := manager.FindExistingInstance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindExistingInstance failed: %v", err)
	}
	if found == nil {
		t.Fatal("spawned worker not discoverable")
	}
	if found.ProcessID != spawned.ProcessID || found.Port != spawned.Port {
		t.Fatalf("discovered %+v, spawned %+v", found, spawned)
	}
}

func TestEnsureRunningRetriesOnBindConflict(t *testing.T) {
	fake := newFakeSandbox()
	cfg := testWorkerConfig()
	preferred := PreferredPort("s1", cfg.PortMin, cfg.PortMax)
	for port := cfg.PortMin; port <= cfg.PortMax; port++ {
		if port != preferred {
			fake.healthy[port] = true
		}
	}
	// First spawn gets pid 100 and reports a bind conflict.
	fake.logs["100"] = fmt.Sprintf("listen tcp 127.0.0.1:%d: bind: address already in use", preferred)
	manager := newTestManager(t, fake)

	inst, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if inst.Port == preferred {
		t.Fatalf("retry reused the conflicted port %d", preferred)
	}
	if len(fake.starts) != 2 {
		t.Fatalf("expected two spawns, got %d", len(fake.starts))
	}
	var killedFirst bool
	for _, k := range fake.kills {
		if k.id == "100" && k.sig == syscall.SIGTERM {
			killedFirst = true
		}
	}
	if !killedFirst {
		t.Error("conflicted worker was not terminated")
	}
}

func TestEnsureRunningGivesUpAfterRetries(t *testing.T) {
	fake := newFakeSandbox()
	fake.logsDefault = "bind: address already in use"
	cfg := testWorkerConfig()
	cfg.BindRetries = 1
	manager := NewManager(fake, cfg, newTestLogger(t))

	_, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("error should report attempt count: %v", err)
	}
	if len(fake.starts) != 2 {
		t.Fatalf("expected two spawns, got %d", len(fake.starts))
	}
}

func TestEnsureRunningNonBindFailureNoRetry(t *testing.T) {
	fake := newFakeSandbox()
	fake.logsDefault = "panic: boom"
	manager := newTestManager(t, fake)

	_, err := manager.EnsureRunning(context.Background(), "s1", "/work/s1")
	if err == nil {
		t.Fatal("expected error for unhealthy worker")
	}
	if !strings.Contains(err.Error(), "panic: boom") {
		t.Errorf("error should carry worker output: %v", err)
	}
	if len(fake.starts) != 1 {
		t.Fatalf("expected a single spawn, got %d", len(fake.starts))
	}
}

func TestStopInstanceMissingWorker(t *testing.T) {
	fake := newFakeSandbox()
	manager := newTestManager(t, fake)

	if err := manager.StopInstance(context.Background(), "s1"); err != nil {
		t.Fatalf("expected stop of absent worker to succeed, got %v", err)
	}
	if len(fake.kills) != 0 {
		t.Fatalf("expected no kills, got %d", len(fake.kills))
	}
}

func TestStopInstanceTerminatesWorker(t *testing.T) {
	fake := newFakeSandbox()
	fake.procs = []sandbox.ProcessInfo{
		{ID: "10", Command: "sessiond-worker --session-id s1 --port 39105", Status: sandbox.StatusRunning},
	}
	manager := newTestManager(t, fake)

	if err := manager.StopInstance(context.Background(), "s1"); err != nil {
		t.Fatalf("StopInstance failed: %v", err)
	}
	if len(fake.kills) != 1 {
		t.Fatalf("expected one kill, got %d", len(fake.kills))
	}
	if fake.kills[0].id != "10" || fake.kills[0].sig != syscall.SIGTERM {
		t.Fatalf("unexpected kill %+v", fake.kills[0])
	}
}
