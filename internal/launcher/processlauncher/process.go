// Package processlauncher is the no-container fallback launcher.Launcher,
// used in tests and single-tenant deployments: it spawns the bridge
// binary as a plain subprocess with a PTY, capping file size and process
// count through a shell ulimit preamble (memory and CPU limits are not
// applied). Grounded on the same
// shape as dockerlauncher minus the Docker calls.
package processlauncher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/agentorch/agentorch/internal/launcher"
)

var _ launcher.Launcher = (*Launcher)(nil)
var _ launcher.Handle = (*handle)(nil)

// Launcher spawns the bridge binary directly on the host.
type Launcher struct {
	// BridgePath is the path to the agentbridge binary. Defaults to
	// "agentbridge" resolved via PATH.
	BridgePath string
}

// New returns a process-backed launcher.
func New(bridgePath string) *Launcher {
	if bridgePath == "" {
		bridgePath = "agentbridge"
	}
	return &Launcher{BridgePath: bridgePath}
}

type handle struct {
	cmd      *exec.Cmd
	ptyFile  *os.File
	exited   chan struct{}
	once     sync.Once
	exitCode int
}

func (h *handle) Read(p []byte) (int, error)  { return h.ptyFile.Read(p) }
func (h *handle) Write(p []byte) (int, error) { return h.ptyFile.Write(p) }
func (h *handle) Close() error                { return h.ptyFile.Close() }

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
		h.cmd.Process.Signal(syscall.SIGTERM)
	}
	h.once.Do(func() { close(h.exited) })
	return nil
}

// Launch spawns req.AgentDir's bridge as a subprocess rooted at
// req.WorkspaceDir, applying req.Limits' FileSizeMax and PidsLimit via
// ulimitPrefix; the other limits are not applied.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) (launcher.Handle, error) {
	if _, err := os.Stat(req.AgentDir); err != nil {
		if os.IsNotExist(err) {
			return nil, launcher.AgentMissing
		}
		return nil, &launcher.LaunchFailed{Cause: err}
	}
	if err := os.MkdirAll(req.WorkspaceDir, 0o755); err != nil {
		return nil, &launcher.LaunchFailed{Cause: fmt.Errorf("prepare workspace: %w", err)}
	}

	bridgeArgs := []string{l.BridgePath, "--workspace=" + req.WorkspaceDir, "--agent=" + req.AgentDir}
	shellCmd := ulimitPrefix(req.Limits) + "exec " + shellQuoteJoin(bridgeArgs)
	cmd := exec.Command("sh", "-c", shellCmd)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, &launcher.LaunchFailed{Cause: fmt.Errorf("pty start: %w", err)}
	}

	h := &handle{
		cmd:     cmd,
		ptyFile: ptyFile,
		exited:  make(chan struct{}),
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

// ulimitPrefix renders req.Limits as a shell ulimit preamble so the
// exec'd bridge process inherits the ceiling (no syscall.Setrlimit
// cross-process primitive exists in the stdlib; this is the same
// approach the teacher's shell-driven entrypoints use for resource caps).
func ulimitPrefix(l launcher.Limits) string {
	var b strings.Builder
	if l.FileSizeMax > 0 {
		b.WriteString("ulimit -f " + strconv.FormatInt(l.FileSizeMax/512, 10) + "; ")
	}
	if l.PidsLimit > 0 {
		b.WriteString("ulimit -u " + strconv.FormatInt(l.PidsLimit, 10) + "; ")
	}
	return b.String()
}

func shellQuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
