// Package runnerbackend defines the uniform interface SessionManager uses
// to talk to a sandbox regardless of which runner hosts it (spec.md
// §4.6): LocalRunnerBackend binds directly to the in-process pool and
// bridge client, RemoteRunnerBackend maps the same calls onto another
// runner's internal HTTP surface.
package runnerbackend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentorch/agentorch/internal/bridge"
)

// ErrSandboxNotFound is returned by any call that targets a sandbox id
// the backend does not recognize.
var ErrSandboxNotFound = errors.New("sandbox not found")

// CreateSandboxRequest describes the sandbox to bring up for a session.
type CreateSandboxRequest struct {
	SessionID    string
	AgentName    string
	AgentDir     string
	WorkspaceDir string
	Env          map[string]string
}

// CreateSandboxResult is what the caller needs to route subsequent
// calls for this sandbox.
type CreateSandboxResult struct {
	SandboxID    string
	WorkspaceDir string
}

// StreamCommand is the query/resume/exec command to run against a
// sandbox's bridge.
type StreamCommand struct {
	Type            string
	Prompt          string
	SessionResumeID string
	Options         json.RawMessage
	ExecCommand     string
	ExecTimeoutMs   int64
}

// Backend is the uniform sandbox-operations interface (spec.md §4.6).
// Implementations never need to know whether the sandbox they're
// addressing lives in this process or on another runner.
type Backend interface {
	CreateSandbox(ctx context.Context, req CreateSandboxRequest) (CreateSandboxResult, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
	Stream(ctx context.Context, sandboxID string, cmd StreamCommand) (<-chan bridge.Event, error)
	Interrupt(ctx context.Context, sandboxID string) error
	MarkRunning(ctx context.Context, sandboxID string) error
	MarkWaiting(ctx context.Context, sandboxID string) error
	PersistState(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error
}
