package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
)

const (
	labelManaged = "sessiond.managed"
	labelCommand = "sessiond.command"
	labelWorkdir = "sessiond.workdir"
)

// dockerSandbox runs each process in its own container. Containers use
// host networking by default so worker ports live in the same port
// space the allocator manages, and the session workspace is
// bind-mounted at its host path so paths mean the same thing on both
// sides.
type dockerSandbox struct {
	cli         *client.Client
	logger      *logger.Logger
	image       string
	networkMode string
}

func newDockerSandbox(cfg config.DockerConfig, log *logger.Logger) (*dockerSandbox, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &dockerSandbox{
		cli:         cli,
		logger:      log.WithFields(zap.String("sandbox", "docker")),
		image:       cfg.Image,
		networkMode: cfg.NetworkMode,
	}, nil
}

func (s *dockerSandbox) createContainer(ctx context.Context, command string, opts StartOptions) (string, error) {
	containerCfg := &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-lc", command},
		Env:        flattenEnv(opts.Env),
		WorkingDir: opts.Cwd,
		Labels: map[string]string{
			labelManaged: "1",
			labelCommand: command,
			labelWorkdir: opts.Cwd,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(s.networkMode),
	}
	if opts.Cwd != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.Cwd,
			Target: opts.Cwd,
		}}
	}

	name := "sessiond-" + uuid.NewString()[:12]
	resp, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

func (s *dockerSandbox) StartProcess(ctx context.Context, command string, opts StartOptions) (*ProcessInfo, error) {
	id, err := s.createContainer(ctx, command, opts)
	if err != nil {
		return nil, err
	}
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", id, err)
	}

	s.logger.Info("started container",
		zap.String("container_id", id),
		zap.String("working_dir", opts.Cwd))

	return &ProcessInfo{
		ID:         id,
		Command:    command,
		WorkingDir: opts.Cwd,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}, nil
}

func (s *dockerSandbox) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=1")

	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ProcessInfo, 0, len(containers))
	for _, ctr := range containers {
		infos = append(infos, ProcessInfo{
			ID:         ctr.ID,
			Command:    ctr.Labels[labelCommand],
			WorkingDir: ctr.Labels[labelWorkdir],
			Status:     containerStatus(ctr.State),
		})
	}
	return infos, nil
}

func containerStatus(state string) ProcessStatus {
	switch state {
	case "running":
		return StatusRunning
	case "created", "restarting":
		return StatusStarting
	default:
		return StatusExited
	}
}

func (s *dockerSandbox) KillProcess(ctx context.Context, id string, sig syscall.Signal) error {
	if err := s.cli.ContainerKill(ctx, id, dockerSignal(sig)); err != nil {
		return fmt.Errorf("failed to signal container %s: %w", id, err)
	}
	s.logger.Debug("signalled container",
		zap.String("container_id", id),
		zap.String("signal", dockerSignal(sig)))
	return nil
}

func dockerSignal(sig syscall.Signal) string {
	name := signalName(sig)
	if _, err := strconv.Atoi(name); err == nil {
		return name
	}
	return "SIG" + name
}

func (s *dockerSandbox) WaitForPort(ctx context.Context, port int, opts WaitForPortOptions) error {
	return waitForHostPort(ctx, port, opts)
}

func (s *dockerSandbox) ProcessLogs(ctx context.Context, id string) (string, error) {
	reader, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs for container %s: %w", id, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if err := demuxFrames(reader, func(_ byte, data []byte) {
		buf.Write(data)
	}); err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", id, err)
	}
	return buf.String(), nil
}

func (s *dockerSandbox) StreamCommand(ctx context.Context, command string, opts StartOptions) (<-chan ExecChunk, error) {
	id, err := s.createContainer(ctx, command, opts)
	if err != nil {
		return nil, err
	}

	// Attach before start so no output is missed.
	attach, err := s.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.removeContainer(id)
		return nil, fmt.Errorf("failed to attach to container %s: %w", id, err)
	}

	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		_ = attach.Conn.Close()
		s.removeContainer(id)
		return nil, fmt.Errorf("failed to start container %s: %w", id, err)
	}

	s.logger.Debug("streaming container command", zap.String("container_id", id))

	ch := make(chan ExecChunk, streamChannelBuffer)
	go s.relayContainer(ctx, ch, id, attach.Conn, attach.Reader)
	return ch, nil
}

func (s *dockerSandbox) relayContainer(ctx context.Context, ch chan<- ExecChunk, id string, conn net.Conn, reader io.Reader) {
	defer close(ch)
	defer s.removeContainer(id)
	defer conn.Close()

	// Cancellation kills the container so the attach reader unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.cli.ContainerKill(killCtx, id, "SIGKILL")
		case <-done:
		}
	}()

	err := demuxFrames(reader, func(streamType byte, data []byte) {
		kind := ChunkStdout
		if streamType == 2 {
			kind = ChunkStderr
		}
		select {
		case ch <- ExecChunk{Kind: kind, Data: data}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		if ctx.Err() == nil {
			select {
			case ch <- ExecChunk{Kind: ChunkError, Err: fmt.Errorf("container stream failed: %w", err)}:
			case <-ctx.Done():
			}
		}
		return
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case waitErr := <-errCh:
		if ctx.Err() == nil {
			if waitErr == nil {
				waitErr = fmt.Errorf("container wait ended without a status")
			}
			select {
			case ch <- ExecChunk{Kind: ChunkError, Err: fmt.Errorf("failed to wait for container: %w", waitErr)}:
			case <-ctx.Done():
			}
		}
	case status := <-statusCh:
		select {
		case ch <- ExecChunk{Kind: ChunkComplete, ExitCode: int(status.StatusCode)}:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

func (s *dockerSandbox) removeContainer(id string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		s.logger.Debug("failed to remove container",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

// demuxFrames reads Docker's multiplexed stream format: an 8-byte
// header carrying the stream type and a big-endian frame size, then the
// frame bytes.
func demuxFrames(r io.Reader, emit func(streamType byte, data []byte)) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		emit(header[0], data)
	}
}

// File operations act on the host side of the bind-mounted workspace.
func (s *dockerSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	return writeHostFile(path, data)
}

func (s *dockerSandbox) RemoveFile(_ context.Context, path string) error {
	return removeHostFile(path)
}

func (s *dockerSandbox) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}
