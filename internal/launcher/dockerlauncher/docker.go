// Package dockerlauncher is the default, local launcher.Launcher: it
// spawns the bridge binary inside a locked-down Docker container with a
// real PTY so the bridge's line-framed protocol is not broken up by
// Docker's multiplexed stream framing (grounded on the teacher's
// internal/container/manager.go).
package dockerlauncher

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/agentorch/agentorch/internal/launcher"
)

const labelManagedBy = "managed-by"
const labelValue = "agentorch"

var _ launcher.Launcher = (*Launcher)(nil)
var _ launcher.Handle = (*handle)(nil)

// Launcher spawns one Docker container per sandbox.
type Launcher struct {
	cfg Config
	cli *client.Client
}

// New creates a Docker-backed launcher and cleans up any orphaned
// containers from a previous process that did not shut down gracefully.
func New(cfg Config) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	l := &Launcher{cfg: cfg, cli: cli}
	l.cleanOrphans(ctx)
	return l, nil
}

func (l *Launcher) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		log.Printf("dockerlauncher: failed to list orphan containers: %v", err)
		return
	}
	for _, c := range containers {
		log.Printf("dockerlauncher: cleaning orphan container %s", c.ID[:12])
		l.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		l.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

type handle struct {
	containerID string
	cmd         *exec.Cmd
	ptyFile     *os.File
	exited      chan struct{}
	once        sync.Once
	exitCode    int
	cli         *client.Client
}

func (h *handle) Read(p []byte) (int, error)  { return h.ptyFile.Read(p) }
func (h *handle) Write(p []byte) (int, error) { return h.ptyFile.Write(p) }

func (h *handle) Close() error {
	return h.ptyFile.Close()
}

func (h *handle) ExitCode() (int, bool) {
	select {
	case <-h.exited:
		return h.exitCode, true
	default:
		return 0, false
	}
}

func (h *handle) Exited() <-chan struct{} { return h.exited }

func (h *handle) Kill() error {
	h.ptyFile.Close()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	ctx := context.Background()
	h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{})
	h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	h.once.Do(func() { close(h.exited) })
	return nil
}

// Launch creates a locked-down container (CapDrop ALL, no-new-privileges,
// memory/CPU/pids limits from req.Limits) bind-mounting req.WorkspaceDir,
// then execs the bridge binary inside it through a PTY.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) (launcher.Handle, error) {
	if _, err := os.Stat(req.AgentDir); err != nil {
		if os.IsNotExist(err) {
			return nil, launcher.AgentMissing
		}
		return nil, &launcher.LaunchFailed{Cause: err}
	}

	containerName := "agentorch-sbx-" + uuid.NewString()

	containerEnv := []string{"TERM=xterm-256color"}
	for k, v := range req.Env {
		containerEnv = append(containerEnv, k+"="+v)
	}

	mem := l.cfg.MemoryLimit
	if req.Limits.MemoryBytes > 0 {
		mem = req.Limits.MemoryBytes
	}
	cpus := l.cfg.NanoCPUs
	if req.Limits.NanoCPUs > 0 {
		cpus = req.Limits.NanoCPUs
	}
	pidsLimit := l.cfg.PidsLimit
	if req.Limits.PidsLimit > 0 {
		pidsLimit = req.Limits.PidsLimit
	}

	resp, err := l.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  l.cfg.Image,
			Env:    containerEnv,
			Labels: map[string]string{labelManagedBy: labelValue},
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			NetworkMode: container.NetworkMode(l.cfg.NetworkMode),
			Binds:       []string{req.WorkspaceDir + ":/workspace", req.AgentDir + ":/agent:ro"},
			Resources: container.Resources{
				Memory:    mem,
				NanoCPUs:  cpus,
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, containerName,
	)
	if err != nil {
		return nil, &launcher.LaunchFailed{Cause: fmt.Errorf("container create: %w", err)}
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &launcher.LaunchFailed{Cause: fmt.Errorf("container start: %w", err)}
	}

	execArgs := []string{"exec", "-i", resp.ID, "agentbridge", "--workspace=/workspace", "--agent=/agent"}
	cmd := exec.Command("docker", execArgs...)

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		l.cli.ContainerStop(ctx, resp.ID, container.StopOptions{})
		l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &launcher.LaunchFailed{Cause: fmt.Errorf("pty start: %w", err)}
	}

	h := &handle{
		containerID: resp.ID,
		cmd:         cmd,
		ptyFile:     ptyFile,
		exited:      make(chan struct{}),
		cli:         l.cli,
	}

	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
		}
		h.once.Do(func() { close(h.exited) })
	}()

	return h, nil
}

// Close releases the Docker client; it does not stop any containers.
// Individual sandbox teardown happens via Handle.Kill(); Close is for
// process exit.
func (l *Launcher) Close() error {
	return l.cli.Close()
}
