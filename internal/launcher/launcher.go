// Package launcher implements the SandboxLauncher external contract
// (spec.md §4.2): spawn a bridge child in an isolated workspace and
// hand back a duplex byte stream.
package launcher

import (
	"context"
	"errors"
	"io"
)

// AgentMissing is returned when agentDir does not exist.
var AgentMissing = errors.New("agent directory missing")

// CapacityExceeded is returned when a resource ceiling (host-level,
// not pool-level) prevents spawning.
var CapacityExceeded = errors.New("launch capacity exceeded")

// LaunchFailed wraps any other spawn failure.
type LaunchFailed struct {
	Cause error
}

func (e *LaunchFailed) Error() string { return "launch failed: " + e.Cause.Error() }
func (e *LaunchFailed) Unwrap() error { return e.Cause }

// Limits bounds resource usage for a spawned sandbox.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	FileSizeMax int64
}

// Request describes a sandbox to spawn.
type Request struct {
	AgentDir      string
	WorkspaceDir  string
	Env           map[string]string
	Limits        Limits
	StartupScript string
	MCPServers    map[string]string
	SystemPrompt  string
}

// Handle is a live sandbox process: a duplex byte stream plus liveness
// and kill operations.
type Handle interface {
	io.ReadWriteCloser
	// ExitCode returns (code, true) if the process has exited, or
	// (0, false) if it is still running.
	ExitCode() (int, bool)
	// Exited is closed when the process has exited, by any means.
	Exited() <-chan struct{}
	Kill() error
}

// Launcher spawns bridge children. Both the Docker-backed and plain
// process-backed implementations satisfy this.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Handle, error)
}
