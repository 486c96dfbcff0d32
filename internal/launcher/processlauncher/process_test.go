package processlauncher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentorch/agentorch/internal/launcher"
)

// fakeBridgeScript writes one ready line then blocks reading stdin,
// standing in for a real agentbridge binary.
func fakeBridgeScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakebridge.sh")
	script := "#!/bin/sh\necho '{\"type\":\"ready\"}'\ncat >/dev/null\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLaunchMissingAgentDir(t *testing.T) {
	l := New(fakeBridgeScript(t))
	_, err := l.Launch(context.Background(), launcher.Request{
		AgentDir:     filepath.Join(t.TempDir(), "missing"),
		WorkspaceDir: t.TempDir(),
	})
	require.ErrorIs(t, err, launcher.AgentMissing)
}

func TestLaunchAndReadReady(t *testing.T) {
	agentDir := t.TempDir()
	l := New(fakeBridgeScript(t))

	h, err := l.Launch(context.Background(), launcher.Request{
		AgentDir:     agentDir,
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer h.Kill()

	r := bufio.NewReader(h)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.NotEmpty(t, line, "expected a ready line")

	require.NoError(t, h.Kill())
	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not report exit after Kill")
	}
}
