package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
)

const (
	defaultMaxOutputBytes = 2 * 1024 * 1024
	outputReadSize        = 4096
	streamChannelBuffer   = 64
	portProbeInterval     = 500 * time.Millisecond
	portProbeTimeout      = 2 * time.Second
)

// localSandbox runs processes directly on the host. Processes it started
// keep their captured output in a bounded ring buffer; the process list
// is the live /proc view, so instances started by a previous run are
// still discoverable.
type localSandbox struct {
	logger *logger.Logger

	mu    sync.RWMutex
	procs map[string]*localProcess
}

type localProcess struct {
	pid        int
	command    string
	workingDir string
	startedAt  time.Time
	output     *ringBuffer

	mu       sync.Mutex
	exitCode *int
}

func newLocalSandbox(log *logger.Logger) *localSandbox {
	return &localSandbox{
		logger: log.WithFields(zap.String("sandbox", "local")),
		procs:  make(map[string]*localProcess),
	}
}

func (s *localSandbox) StartProcess(_ context.Context, command string, opts StartOptions) (*ProcessInfo, error) {
	cmd := exec.Command("sh", "-lc", command)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	now := time.Now()
	proc := &localProcess{
		pid:        cmd.Process.Pid,
		command:    command,
		workingDir: opts.Cwd,
		startedAt:  now,
		output:     newRingBuffer(defaultMaxOutputBytes),
	}
	id := strconv.Itoa(cmd.Process.Pid)

	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go proc.capture(&readers, stdout)
	go proc.capture(&readers, stderr)

	go func() {
		// Drain both pipes before Wait closes them.
		readers.Wait()
		code := exitCodeFromWait(cmd.Wait())
		proc.mu.Lock()
		proc.exitCode = &code
		proc.mu.Unlock()
		s.logger.Debug("process exited",
			zap.Int("pid", proc.pid),
			zap.Int("exit_code", code))
	}()

	s.logger.Info("started process",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", opts.Cwd))

	return &ProcessInfo{
		ID:         id,
		Command:    command,
		WorkingDir: opts.Cwd,
		Status:     StatusRunning,
		StartedAt:  now,
	}, nil
}

func (p *localProcess) capture(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, outputReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.output.append(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// ListProcesses walks /proc so processes started by a previous run are
// visible too. Kernel threads have an empty cmdline and are skipped.
// Tracked processes that already exited are appended with their exit
// code so callers can see why a spawn went away.
func (s *localSandbox) ListProcesses(_ context.Context) ([]ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}

	var infos []ProcessInfo
	alive := make(map[string]struct{})
	for _, entry := range entries {
		pid := entry.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", pid, "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		command := strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
		if command == "" {
			continue
		}
		alive[pid] = struct{}{}
		infos = append(infos, ProcessInfo{
			ID:      pid,
			Command: command,
			Status:  StatusRunning,
		})
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, proc := range s.procs {
		if _, live := alive[id]; live {
			continue
		}
		proc.mu.Lock()
		code := proc.exitCode
		proc.mu.Unlock()
		if code == nil {
			continue
		}
		infos = append(infos, ProcessInfo{
			ID:         id,
			Command:    proc.command,
			WorkingDir: proc.workingDir,
			Status:     StatusExited,
			ExitCode:   code,
			StartedAt:  proc.startedAt,
		})
	}
	return infos, nil
}

func (s *localSandbox) KillProcess(_ context.Context, id string, sig syscall.Signal) error {
	pid, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid process id %q: %w", id, err)
	}

	// Signal the whole group so children spawned by the shell go with it.
	target := pid
	if pgid, pgErr := syscall.Getpgid(pid); pgErr == nil {
		target = -pgid
	}

	if err := syscall.Kill(target, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	s.logger.Debug("signalled process",
		zap.Int("pid", pid),
		zap.String("signal", signalName(sig)))
	return nil
}

func (s *localSandbox) WaitForPort(ctx context.Context, port int, opts WaitForPortOptions) error {
	return waitForHostPort(ctx, port, opts)
}

// waitForHostPort polls a port on the local interface until it answers
// or the timeout lapses. The docker backend shares it because its
// containers run with host networking.
func waitForHostPort(ctx context.Context, port int, opts WaitForPortOptions) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(opts.Timeout)
	for {
		if probeLocalPort(ctx, addr, opts) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not ready within %v", port, opts.Timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portProbeInterval):
		}
	}
}

func probeLocalPort(ctx context.Context, addr string, opts WaitForPortOptions) bool {
	if opts.Mode == PortWaitHTTP {
		reqCtx, cancel := context.WithTimeout(ctx, portProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+opts.Path, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode < http.StatusBadRequest
	}

	conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *localSandbox) ProcessLogs(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	proc, ok := s.procs[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no captured output for process %s", id)
	}
	return proc.output.text(), nil
}

func (s *localSandbox) StreamCommand(ctx context.Context, command string, opts StartOptions) (<-chan ExecChunk, error) {
	cmd := exec.CommandContext(ctx, "sh", "-lc", command)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	s.logger.Debug("streaming command",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", opts.Cwd))

	ch := make(chan ExecChunk, streamChannelBuffer)
	var readers sync.WaitGroup
	readers.Add(2)
	go relayOutput(ctx, &readers, ch, ChunkStdout, stdout)
	go relayOutput(ctx, &readers, ch, ChunkStderr, stderr)

	go func() {
		readers.Wait()
		code := exitCodeFromWait(cmd.Wait())
		select {
		case ch <- ExecChunk{Kind: ChunkComplete, ExitCode: code}:
		case <-ctx.Done():
		}
		close(ch)
	}()

	return ch, nil
}

func relayOutput(ctx context.Context, wg *sync.WaitGroup, ch chan<- ExecChunk, kind ChunkKind, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, outputReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case ch <- ExecChunk{Kind: kind, Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *localSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	return writeHostFile(path, data)
}

func (s *localSandbox) RemoveFile(_ context.Context, path string) error {
	return removeHostFile(path)
}

func writeHostFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func removeHostFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Ping always succeeds: the local host cannot become unreachable from
// itself.
func (s *localSandbox) Ping(_ context.Context) error {
	return nil
}

// exitCodeFromWait normalizes a Wait error into an exit code. Signal
// deaths surface shell-style (128 plus the signal number), so SIGTERM
// reads as 143 whether the shell or its child took the signal.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}

// mergeEnv overlays the given variables on the parent environment. A nil
// result keeps exec's default of inheriting everything.
func mergeEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// ringBuffer keeps the most recent output bytes of one process.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	chunks   [][]byte
}

func newRingBuffer(maxBytes int) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, chunk := range b.chunks {
		sb.Write(chunk)
	}
	return sb.String()
}
