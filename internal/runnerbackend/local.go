package runnerbackend

import (
	"context"

	"github.com/agentorch/agentorch/internal/bridge"
	"github.com/agentorch/agentorch/internal/launcher"
	"github.com/agentorch/agentorch/internal/pool"
)

// PersistFunc snapshots a sandbox's workspace to durable storage keyed
// by sessionID. Injected rather than imported directly so this package
// never depends on internal/session (which depends on this package).
type PersistFunc func(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error

// LocalRunnerBackend binds directly to an in-process SandboxPool and
// the BridgeClient it manages per sandbox.
type LocalRunnerBackend struct {
	pool    *pool.Pool
	persist PersistFunc
}

var _ Backend = (*LocalRunnerBackend)(nil)

// NewLocal constructs a backend bound to p. persist may be nil, in
// which case PersistState is a no-op (used in tests).
func NewLocal(p *pool.Pool, persist PersistFunc) *LocalRunnerBackend {
	return &LocalRunnerBackend{pool: p, persist: persist}
}

func (b *LocalRunnerBackend) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (CreateSandboxResult, error) {
	sb, err := b.pool.Create(ctx, pool.CreateRequest{
		AgentName:    req.AgentName,
		AgentDir:     req.AgentDir,
		WorkspaceDir: req.WorkspaceDir,
		SessionID:    req.SessionID,
		Env:          req.Env,
		Limits:       launcher.Limits{},
	})
	if err != nil {
		return CreateSandboxResult{}, err
	}
	return CreateSandboxResult{SandboxID: sb.ID, WorkspaceDir: sb.WorkspaceDir}, nil
}

func (b *LocalRunnerBackend) DestroySandbox(ctx context.Context, sandboxID string) error {
	if err := b.pool.Destroy(sandboxID); err != nil {
		return ErrSandboxNotFound
	}
	return nil
}

func (b *LocalRunnerBackend) Stream(ctx context.Context, sandboxID string, cmd StreamCommand) (<-chan bridge.Event, error) {
	client, ok := b.pool.Client(sandboxID)
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return client.SendCommand(ctx, bridge.Command{
		Type:            cmd.Type,
		Prompt:          cmd.Prompt,
		SessionResumeID: cmd.SessionResumeID,
		Options:         cmd.Options,
		ExecCommand:     cmd.ExecCommand,
		ExecTimeoutMs:   cmd.ExecTimeoutMs,
	})
}

func (b *LocalRunnerBackend) Interrupt(ctx context.Context, sandboxID string) error {
	client, ok := b.pool.Client(sandboxID)
	if !ok {
		return ErrSandboxNotFound
	}
	return client.Interrupt(ctx)
}

func (b *LocalRunnerBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	return b.pool.MarkRunning(sandboxID)
}

func (b *LocalRunnerBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	return b.pool.MarkWaiting(sandboxID)
}

func (b *LocalRunnerBackend) PersistState(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error {
	if b.persist == nil {
		return nil
	}
	return b.persist(ctx, sandboxID, sessionID, workspaceDir, agentName)
}
