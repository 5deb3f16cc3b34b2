package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
)

const (
	spriteStepTimeout     = 120 * time.Second
	spriteProbeTimeout    = 3 * time.Second
	spritePollWait        = 500 * time.Millisecond
	spriteMaxPollFailures = 3
)

// spritesSandbox serves the facade through a Sprites.dev remote sandbox.
// The sprite command API has no incremental output reader, so long
// operations run detached inside the sprite with output redirected to a
// file, and the relay tails that file on a fixed interval.
type spritesSandbox struct {
	sprite *sprites.Sprite
	logger *logger.Logger

	mu   sync.Mutex
	logs map[string]string // pid -> remote log path
}

func newSpritesSandbox(cfg config.SpritesConfig, log *logger.Logger) (*spritesSandbox, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("SPRITES_API_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("sprites sandbox requires sandbox.sprites.token or SPRITES_API_TOKEN")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("sprites sandbox requires sandbox.sprites.name")
	}

	client := sprites.New(token)
	return &spritesSandbox{
		sprite: client.Sprite(cfg.Name),
		logger: log.WithFields(zap.String("sandbox", "sprites"), zap.String("sprite", cfg.Name)),
		logs:   make(map[string]string),
	}, nil
}

// output runs a short command in the sprite and returns its stdout.
func (s *spritesSandbox) output(ctx context.Context, name string, args ...string) ([]byte, error) {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()
	return s.sprite.CommandContext(stepCtx, name, args...).Output()
}

func (s *spritesSandbox) StartProcess(ctx context.Context, command string, opts StartOptions) (*ProcessInfo, error) {
	now := time.Now()
	stateDir := remoteStateDir(opts.Cwd)
	logPath := path.Join(stateDir, fmt.Sprintf("proc-%d.log", now.UnixNano()))

	// The trailing echo prints the backgrounded pid, which becomes the
	// process id for later kill and log calls.
	script := fmt.Sprintf("mkdir -p %s; cd %s; nohup %s > %s 2>&1 & echo $!",
		stateDir, remoteWorkdir(opts.Cwd), command, logPath)

	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()
	cmd := s.sprite.CommandContext(stepCtx, "sh", "-c", script)
	if env := flattenEnv(opts.Env); env != nil {
		cmd.Env = env
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to start process in sprite: %w", err)
	}

	pid := strings.TrimSpace(string(out))
	if _, convErr := strconv.Atoi(pid); convErr != nil {
		return nil, fmt.Errorf("unexpected pid output %q from sprite", pid)
	}

	s.mu.Lock()
	s.logs[pid] = logPath
	s.mu.Unlock()

	s.logger.Info("started process in sprite",
		zap.String("pid", pid),
		zap.String("working_dir", opts.Cwd))

	return &ProcessInfo{
		ID:         pid,
		Command:    command,
		WorkingDir: opts.Cwd,
		Status:     StatusRunning,
		StartedAt:  now,
	}, nil
}

func (s *spritesSandbox) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	out, err := s.output(ctx, "ps", "-eo", "pid=,args=")
	if err != nil {
		return nil, fmt.Errorf("failed to list sprite processes: %w", err)
	}

	var infos []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		sep := strings.IndexAny(line, " \t")
		if sep < 1 {
			continue
		}
		infos = append(infos, ProcessInfo{
			ID:      line[:sep],
			Command: strings.TrimSpace(line[sep+1:]),
			Status:  StatusRunning,
		})
	}
	return infos, nil
}

func (s *spritesSandbox) KillProcess(ctx context.Context, id string, sig syscall.Signal) error {
	if _, err := s.output(ctx, "kill", "-s", signalName(sig), id); err != nil {
		return fmt.Errorf("failed to signal sprite process %s: %w", id, err)
	}
	s.logger.Debug("signalled sprite process",
		zap.String("pid", id),
		zap.String("signal", signalName(sig)))
	return nil
}

// WaitForPort probes from inside the sprite with curl, the only probe
// the command surface offers. TCP mode accepts any response at all,
// HTTP mode requires a success status on Path.
func (s *spritesSandbox) WaitForPort(ctx context.Context, port int, opts WaitForPortOptions) error {
	args := []string{"-sf", "-o", "/dev/null", "--connect-timeout", "2",
		fmt.Sprintf("http://127.0.0.1:%d%s", port, opts.Path)}
	if opts.Mode == PortWaitTCP {
		args = []string{"-s", "-o", "/dev/null", "--connect-timeout", "2",
			fmt.Sprintf("http://127.0.0.1:%d/", port)}
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, spriteProbeTimeout)
		_, err := s.sprite.CommandContext(probeCtx, "curl", args...).Output()
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not ready within %v", port, opts.Timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spritePollWait):
		}
	}
}

func (s *spritesSandbox) ProcessLogs(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	logPath, ok := s.logs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no captured output for process %s", id)
	}
	out, err := s.output(ctx, "cat", logPath)
	if err != nil {
		return "", fmt.Errorf("failed to read sprite process log: %w", err)
	}
	return string(out), nil
}

func (s *spritesSandbox) StreamCommand(ctx context.Context, command string, opts StartOptions) (<-chan ExecChunk, error) {
	stateDir := remoteStateDir(opts.Cwd)
	stamp := time.Now().UnixNano()
	outPath := path.Join(stateDir, fmt.Sprintf("exec-%d.out", stamp))
	codePath := path.Join(stateDir, fmt.Sprintf("exec-%d.code", stamp))

	script := fmt.Sprintf("mkdir -p %s; cd %s; { %s; } > %s 2>&1; echo $? > %s",
		stateDir, remoteWorkdir(opts.Cwd), command, outPath, codePath)

	// The run itself is detached from ctx: cancellation stops the relay
	// below, and leftover processes are terminated through KillProcess.
	cmd := s.sprite.CommandContext(context.Background(), "sh", "-c", script)
	if env := flattenEnv(opts.Env); env != nil {
		cmd.Env = env
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command in sprite: %w", err)
	}

	s.logger.Debug("streaming sprite command", zap.String("working_dir", opts.Cwd))

	ch := make(chan ExecChunk, streamChannelBuffer)
	go s.relayRemote(ctx, ch, outPath, codePath)
	return ch, nil
}

// relayRemote tails the redirected output file until the exit-code file
// appears. Reads are wrapped so a file that does not exist yet looks
// empty; only transport failures count toward the failure threshold.
func (s *spritesSandbox) relayRemote(ctx context.Context, ch chan<- ExecChunk, outPath, codePath string) {
	defer close(ch)

	offset := 1 // tail -c +N is one-based
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(spritePollWait):
		}

		data, err := s.output(ctx, "sh", "-c",
			fmt.Sprintf("tail -c +%d %s 2>/dev/null || true", offset, outPath))
		if err != nil {
			failures++
			if failures >= spriteMaxPollFailures {
				select {
				case ch <- ExecChunk{Kind: ChunkError, Err: fmt.Errorf("lost contact with sprite: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			continue
		}
		failures = 0
		if len(data) > 0 {
			offset += len(data)
			select {
			case ch <- ExecChunk{Kind: ChunkStdout, Data: data}:
			case <-ctx.Done():
				return
			}
		}

		codeRaw, err := s.output(ctx, "sh", "-c",
			fmt.Sprintf("cat %s 2>/dev/null || true", codePath))
		if err != nil || len(strings.TrimSpace(string(codeRaw))) == 0 {
			continue
		}

		// One more read so bytes written just before exit are not lost.
		if tail, tailErr := s.output(ctx, "sh", "-c",
			fmt.Sprintf("tail -c +%d %s 2>/dev/null || true", offset, outPath)); tailErr == nil && len(tail) > 0 {
			select {
			case ch <- ExecChunk{Kind: ChunkStdout, Data: tail}:
			case <-ctx.Done():
				return
			}
		}

		code, convErr := strconv.Atoi(strings.TrimSpace(string(codeRaw)))
		if convErr != nil {
			code = 1
		}
		select {
		case ch <- ExecChunk{Kind: ChunkComplete, ExitCode: code}:
		case <-ctx.Done():
		}
		return
	}
}

// WriteFile uploads through a stdin pipe, so content never needs shell
// quoting.
func (s *spritesSandbox) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	cmd := s.sprite.CommandContext(stepCtx, "sh", "-c",
		fmt.Sprintf("mkdir -p %s && cat > %s", path.Dir(remotePath), remotePath))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start file write: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to write %s in sprite: %w", remotePath, err)
	}
	return nil
}

func (s *spritesSandbox) RemoveFile(ctx context.Context, remotePath string) error {
	if _, err := s.output(ctx, "rm", "-f", remotePath); err != nil {
		return fmt.Errorf("failed to remove %s in sprite: %w", remotePath, err)
	}
	return nil
}

func (s *spritesSandbox) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, spriteProbeTimeout)
	defer cancel()
	out, err := s.sprite.CommandContext(probeCtx, "echo", "ready").Output()
	if err != nil {
		return fmt.Errorf("sprite unreachable: %w", err)
	}
	if !strings.Contains(string(out), "ready") {
		return fmt.Errorf("unexpected sprite response: %s", string(out))
	}
	return nil
}

func remoteWorkdir(cwd string) string {
	if cwd == "" {
		return "/"
	}
	return cwd
}

func remoteStateDir(cwd string) string {
	if cwd == "" {
		return "/tmp/.sessiond"
	}
	return path.Join(cwd, ".sessiond")
}
