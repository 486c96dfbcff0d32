// Package session implements SessionManager (spec.md §4.5): session
// creation, message streaming, pause/resume, end/fork, and workspace
// persistence across warm and cold resume.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agentorch/agentorch/internal/agentdir"
	"github.com/agentorch/agentorch/internal/bridge"
	"github.com/agentorch/agentorch/internal/coordinator"
	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/store"
)

// AgentDirectoryMissing surfaces as a distinct 422-class error (spec.md
// §4.5 step 1) when an agent is registered in the store but its
// on-disk directory is gone.
var AgentDirectoryMissing = errors.New("agent directory missing on disk")

// ErrSessionNotActive is returned by SendMessage when the session is
// not in a state that accepts new messages.
var ErrSessionNotActive = errors.New("session is not active")

// ErrNoBackend is returned when a session's runner can't be resolved
// to a live backend (e.g. the runner died and was already reaped).
var ErrNoBackend = errors.New("no backend available for session's runner")

// Manager implements SessionManager.
type Manager struct {
	store         *store.Store
	coordinator   *coordinator.Coordinator
	dataDir       string // root for workspace snapshots, keyed by session id
	workspaceRoot string // root for live sandbox workspaces
}

// New constructs a session Manager. dataDir holds durable workspace
// snapshots (persistSessionState); workspaceRoot is where live sandbox
// working directories are created.
func New(st *store.Store, coord *coordinator.Coordinator, dataDir, workspaceRoot string) *Manager {
	return &Manager{store: st, coordinator: coord, dataDir: dataDir, workspaceRoot: workspaceRoot}
}

// sandboxEnv builds the environment handed to a bridge child through
// the launcher: the process never sees
// an API key or agent identity on the command line, only via env, same
// as the rest of the process's own secrets.
func sandboxEnv(agent *store.Agent) map[string]string {
	return map[string]string{
		"ANTHROPIC_API_KEY": os.Getenv("ANTHROPIC_API_KEY"),
		"AGENT_NAME":        agent.Name,
		"AGENT_VERSION":     strconv.FormatInt(agent.Version, 10),
		"TENANT_ID":         agent.TenantID,
	}
}

// Create validates the agent, places the sandbox via the coordinator,
// and brings the session to active (spec.md §4.5 "Create session").
func (m *Manager) Create(ctx context.Context, tenantID, agentName string, config []byte) (*store.Session, error) {
	agent, err := m.store.GetAgent(tenantID, agentName)
	if err != nil {
		return nil, fmt.Errorf("look up agent: %w", err)
	}
	if agent == nil {
		return nil, AgentDirectoryMissing
	}
	if !agentdir.Exists(agent.Path) {
		return nil, AgentDirectoryMissing
	}

	runnerID, backend, err := m.coordinator.SelectBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("select backend: %w", err)
	}

	sess, err := m.store.CreateSession(uuid.NewString(), tenantID, agentName, config)
	if err != nil {
		return nil, fmt.Errorf("create session row: %w", err)
	}

	workspaceDir := m.workspacePath(sess.ID)
	result, err := backend.CreateSandbox(ctx, runnerbackend.CreateSandboxRequest{
		SessionID:    sess.ID,
		AgentName:    agentName,
		AgentDir:     agent.Path,
		WorkspaceDir: workspaceDir,
		Env:          sandboxEnv(agent),
	})
	if err != nil {
		m.store.UpdateSessionStatus(sess.ID, store.SessionError)
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	if err := m.store.BindSessionSandbox(sess.ID, result.SandboxID, runnerID); err != nil {
		return nil, fmt.Errorf("bind sandbox to session: %w", err)
	}
	if err := m.store.UpdateSessionStatus(sess.ID, store.SessionActive); err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	m.recordEvent(sess.ID, "created")

	return m.store.GetSession(sess.ID)
}

// SendMessage streams a query against the session's sandbox, marking
// it running for the duration and waiting again once the stream
// reaches a terminal event (spec.md §4.5 "Send message").
func (m *Manager) SendMessage(ctx context.Context, sessionID, prompt string, options json.RawMessage) (<-chan bridge.Event, error) {
	sess, backend, err := m.activeSessionBackend(sessionID)
	if err != nil {
		return nil, err
	}

	sandboxID := sess.SandboxID.String
	if err := backend.MarkRunning(ctx, sandboxID); err != nil {
		return nil, fmt.Errorf("mark sandbox running: %w", err)
	}

	resumeID := ""
	if sess.SDKSessionResumeID.Valid {
		resumeID = sess.SDKSessionResumeID.String
	}

	raw, err := backend.Stream(ctx, sandboxID, runnerbackend.StreamCommand{
		Type:            bridge.CommandQuery,
		Prompt:          prompt,
		SessionResumeID: resumeID,
		Options:         options,
	})
	if err != nil {
		backend.MarkWaiting(ctx, sandboxID)
		return nil, fmt.Errorf("stream query: %w", err)
	}

	out := make(chan bridge.Event, 16)
	go m.relayRecordAndSettle(ctx, sess.ID, sandboxID, prompt, backend, raw, out)
	return out, nil
}

// relayAndSettle forwards events to out and, once a terminal event
// arrives (or raw closes on client disconnect), marks the sandbox
// waiting again and persists any new SDK resume id.
func (m *Manager) relayAndSettle(ctx context.Context, sessionID, sandboxID string, backend runnerbackend.Backend, raw <-chan bridge.Event, out chan<- bridge.Event) {
	defer close(out)
	defer func() {
		if err := backend.MarkWaiting(context.Background(), sandboxID); err != nil {
			log.Printf("session %s: mark waiting after stream: %v", sessionID, err)
		}
	}()

	for ev := range raw {
		if ev.SessionID != "" {
			if err := m.store.UpdateSessionResumeID(sessionID, ev.SessionID); err != nil {
				log.Printf("session %s: persist sdk resume id: %v", sessionID, err)
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			backend.Interrupt(context.Background(), sandboxID)
			return
		}
		if ev.IsTerminal() {
			return
		}
	}
}

// relayRecordAndSettle is relayAndSettle plus appending the turn to the
// session's message transcript once it completes successfully. Token
// counts in the recorded usage event are 0: the bridge wire protocol
// (spec.md §6.2) carries no usage field, only text, so per-turn token
// accounting would need a separate bridge event type this turn doesn't
// have yet.
func (m *Manager) relayRecordAndSettle(ctx context.Context, sessionID, sandboxID, prompt string, backend runnerbackend.Backend, raw <-chan bridge.Event, out chan<- bridge.Event) {
	defer close(out)
	defer func() {
		if err := backend.MarkWaiting(context.Background(), sandboxID); err != nil {
			log.Printf("session %s: mark waiting after stream: %v", sessionID, err)
		}
	}()

	var reply strings.Builder
	for ev := range raw {
		if ev.SessionID != "" {
			if err := m.store.UpdateSessionResumeID(sessionID, ev.SessionID); err != nil {
				log.Printf("session %s: persist sdk resume id: %v", sessionID, err)
			}
		}
		if ev.Type == bridge.EventMessage {
			var chunk struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(ev.Data, &chunk); err == nil {
				reply.WriteString(chunk.Text)
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			backend.Interrupt(context.Background(), sandboxID)
			return
		}
		if ev.IsTerminal() {
			if ev.Type == bridge.EventDone {
				m.recordTurn(sessionID, prompt, reply.String())
			}
			return
		}
	}
}

func (m *Manager) recordTurn(sessionID, prompt, reply string) {
	if err := m.store.InsertMessage(uuid.NewString(), sessionID, "user", prompt); err != nil {
		log.Printf("session %s: persist user message: %v", sessionID, err)
	}
	if reply != "" {
		if err := m.store.InsertMessage(uuid.NewString(), sessionID, "assistant", reply); err != nil {
			log.Printf("session %s: persist assistant message: %v", sessionID, err)
		}
	}
	if err := m.store.RecordUsage(uuid.NewString(), sessionID, 0, 0, 1); err != nil {
		log.Printf("session %s: record usage: %v", sessionID, err)
	}
}

// Exec runs a one-off shell command in a session's sandbox, reusing the
// same running/waiting bracketing and relay as SendMessage (spec.md
// §4.5 "Exec").
func (m *Manager) Exec(ctx context.Context, sessionID, command string, timeoutMs int64) (<-chan bridge.Event, error) {
	sess, backend, err := m.activeSessionBackend(sessionID)
	if err != nil {
		return nil, err
	}

	sandboxID := sess.SandboxID.String
	if err := backend.MarkRunning(ctx, sandboxID); err != nil {
		return nil, fmt.Errorf("mark sandbox running: %w", err)
	}

	raw, err := backend.Stream(ctx, sandboxID, runnerbackend.StreamCommand{
		Type:          bridge.CommandExec,
		ExecCommand:   command,
		ExecTimeoutMs: timeoutMs,
	})
	if err != nil {
		backend.MarkWaiting(ctx, sandboxID)
		return nil, fmt.Errorf("stream exec: %w", err)
	}

	out := make(chan bridge.Event, 16)
	go m.relayAndSettle(ctx, sess.ID, sandboxID, backend, raw, out)
	return out, nil
}

// Interrupt cancels the in-flight query on a session's sandbox without
// changing session status (client disconnect / explicit stop path).
func (m *Manager) Interrupt(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil || !sess.RunnerID.Valid {
		return nil
	}
	backend, err := m.coordinator.GetBackendForRunner(ctx, sess.RunnerID.String)
	if err != nil {
		return fmt.Errorf("resolve backend: %w", err)
	}
	return backend.Interrupt(ctx, sess.SandboxID.String)
}

// Stop is Interrupt plus flipping status to stopped (spec.md §5 cancellation rules).
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	if err := m.Interrupt(ctx, sessionID); err != nil {
		return err
	}
	if err := m.store.UpdateSessionStatus(sessionID, store.SessionStopped); err != nil {
		return err
	}
	m.recordEvent(sessionID, "stopped")
	return nil
}

// Pause flips status to paused and best-effort snapshots the
// workspace; the sandbox stays alive for a warm resume.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if !store.ValidSessionTransition(sess.Status, store.SessionPaused) {
		return fmt.Errorf("cannot pause session in status %s", sess.Status)
	}

	if err := m.snapshotIfBound(ctx, sess); err != nil {
		log.Printf("session %s: pause snapshot failed (continuing): %v", sessionID, err)
	}

	if err := m.store.UpdateSessionStatus(sessionID, store.SessionPaused); err != nil {
		return err
	}
	m.recordEvent(sessionID, "paused")
	return nil
}

// Resume brings a paused/error/stopped session back to active, either
// warm (sandbox still alive) or cold (new sandbox, seeded from the
// last snapshot, with sessionResumeId carried forward).
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if !store.ValidSessionTransition(sess.Status, store.SessionActive) {
		return fmt.Errorf("cannot resume session in status %s", sess.Status)
	}

	warm, err := m.isSandboxWarm(sess)
	if err != nil {
		log.Printf("session %s: warm check failed, assuming cold: %v", sessionID, err)
		warm = false
	}

	if warm {
		if err := m.store.UpdateSessionStatus(sessionID, store.SessionActive); err != nil {
			return err
		}
		m.recordEvent(sessionID, "resumed_warm")
		return nil
	}

	if err := m.coldResume(ctx, sess); err != nil {
		return err
	}
	m.recordEvent(sessionID, "resumed_cold")
	return nil
}

// recordEvent appends an audit row to the session's event log. Best
// effort: a logging failure here must never fail the caller's request.
func (m *Manager) recordEvent(sessionID, kind string) {
	if err := m.store.InsertSessionEvent(uuid.NewString(), sessionID, kind, []byte("{}")); err != nil {
		log.Printf("session %s: record event %q: %v", sessionID, kind, err)
	}
}

// isSandboxWarm reports whether the session's bound sandbox row is
// still present, not cold, and actually owned by a live runner. A dead
// runner's sandboxes are marked cold by handleDeadRunner, but RunnerID
// is checked too so a session left pointing at a runner row that was
// deleted out from under it (bulk-paused, never recold-marked by some
// future caller) still falls through to cold resume instead of handing
// back a session active with no resolvable backend.
func (m *Manager) isSandboxWarm(sess *store.Session) (bool, error) {
	if !sess.SandboxID.Valid || !sess.RunnerID.Valid {
		return false, nil
	}
	sb, err := m.store.GetSandbox(sess.SandboxID.String)
	if err != nil {
		return false, err
	}
	if sb == nil {
		return false, nil
	}
	return sb.State != store.SandboxCold, nil
}

// coldResume creates a fresh sandbox, seeding its workspace from the
// last snapshot if one exists, and rebinds the session to it.
func (m *Manager) coldResume(ctx context.Context, sess *store.Session) error {
	agent, err := m.store.GetAgent(sess.TenantID, sess.AgentName)
	if err != nil {
		return fmt.Errorf("look up agent: %w", err)
	}
	if agent == nil || !agentdir.Exists(agent.Path) {
		return AgentDirectoryMissing
	}

	runnerID, backend, err := m.coordinator.SelectBackend(ctx)
	if err != nil {
		return fmt.Errorf("select backend for cold resume: %w", err)
	}

	workspaceDir := m.workspacePath(sess.ID)
	if err := restoreSnapshot(m.snapshotPath(sess.ID), workspaceDir); err != nil {
		log.Printf("session %s: snapshot restore failed, starting clean workspace: %v", sess.ID, err)
	}

	resumeID := ""
	if sess.SDKSessionResumeID.Valid {
		resumeID = sess.SDKSessionResumeID.String
	}

	result, err := backend.CreateSandbox(ctx, runnerbackend.CreateSandboxRequest{
		SessionID:    sess.ID,
		AgentName:    sess.AgentName,
		AgentDir:     agent.Path,
		WorkspaceDir: workspaceDir,
		Env:          sandboxEnv(agent),
	})
	if err != nil {
		return fmt.Errorf("create sandbox for cold resume: %w", err)
	}

	if err := m.store.BindSessionSandbox(sess.ID, result.SandboxID, runnerID); err != nil {
		return fmt.Errorf("bind resumed sandbox: %w", err)
	}
	if resumeID != "" {
		if err := m.store.UpdateSessionResumeID(sess.ID, resumeID); err != nil {
			log.Printf("session %s: carry forward resume id: %v", sess.ID, err)
		}
	}
	return m.store.UpdateSessionStatus(sess.ID, store.SessionActive)
}

// End destroys the sandbox and marks the session ended. The row is
// never deleted.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	if sess.RunnerID.Valid && sess.SandboxID.Valid {
		backend, err := m.coordinator.GetBackendForRunner(ctx, sess.RunnerID.String)
		if err == nil {
			if err := backend.DestroySandbox(ctx, sess.SandboxID.String); err != nil && err != runnerbackend.ErrSandboxNotFound {
				log.Printf("session %s: destroy sandbox on end: %v", sessionID, err)
			}
		}
	}

	if err := m.store.UpdateSessionStatus(sessionID, store.SessionEnded); err != nil {
		return err
	}
	m.recordEvent(sessionID, "ended")
	return nil
}

// Fork snapshots the current workspace and creates a new session bound
// to a fresh sandbox seeded from it, carrying the parent's last SDK
// session id forward.
func (m *Manager) Fork(ctx context.Context, parentSessionID string) (*store.Session, error) {
	parent, err := m.store.GetSession(parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("get parent session: %w", err)
	}
	if parent == nil {
		return nil, fmt.Errorf("session %s not found", parentSessionID)
	}

	if err := m.snapshotIfBound(ctx, parent); err != nil {
		log.Printf("fork of %s: snapshot failed (continuing): %v", parentSessionID, err)
	}

	agent, err := m.store.GetAgent(parent.TenantID, parent.AgentName)
	if err != nil {
		return nil, fmt.Errorf("look up agent: %w", err)
	}
	if agent == nil || !agentdir.Exists(agent.Path) {
		return nil, AgentDirectoryMissing
	}

	child, err := m.store.CreateSession(uuid.NewString(), parent.TenantID, parent.AgentName, parent.Config)
	if err != nil {
		return nil, fmt.Errorf("create forked session row: %w", err)
	}

	if err := copyTree(m.snapshotPath(parentSessionID), m.snapshotPath(child.ID)); err != nil {
		log.Printf("fork of %s: copy snapshot into child %s: %v", parentSessionID, child.ID, err)
	}

	runnerID, backend, err := m.coordinator.SelectBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("select backend for fork: %w", err)
	}

	workspaceDir := m.workspacePath(child.ID)
	if err := restoreSnapshot(m.snapshotPath(child.ID), workspaceDir); err != nil {
		log.Printf("fork %s: restore into workspace: %v", child.ID, err)
	}

	result, err := backend.CreateSandbox(ctx, runnerbackend.CreateSandboxRequest{
		SessionID:    child.ID,
		AgentName:    parent.AgentName,
		AgentDir:     agent.Path,
		WorkspaceDir: workspaceDir,
		Env:          sandboxEnv(agent),
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox for fork: %w", err)
	}

	if err := m.store.BindSessionSandbox(child.ID, result.SandboxID, runnerID); err != nil {
		return nil, fmt.Errorf("bind forked sandbox: %w", err)
	}
	if parent.SDKSessionResumeID.Valid {
		if err := m.store.UpdateSessionResumeID(child.ID, parent.SDKSessionResumeID.String); err != nil {
			log.Printf("fork %s: carry forward parent resume id: %v", child.ID, err)
		}
	}
	if err := m.store.UpdateSessionStatus(child.ID, store.SessionActive); err != nil {
		return nil, fmt.Errorf("activate forked session: %w", err)
	}
	m.recordEvent(child.ID, "forked")

	return m.store.GetSession(child.ID)
}

// snapshotIfBound persists the workspace for a session that currently
// has a live sandbox bound to it. A no-op when unbound.
func (m *Manager) snapshotIfBound(ctx context.Context, sess *store.Session) error {
	if !sess.SandboxID.Valid {
		return nil
	}
	return m.PersistSessionState(ctx, sess.ID, m.workspacePath(sess.ID), sess.AgentName)
}

// PersistSessionState copies a sandbox's working directory to a stable
// location keyed by sessionId, plus a metadata.json recording the
// agent's version at snapshot time so a later cold resume against a
// redeployed agent can detect drift (SPEC_FULL.md §4.5 supplement).
// Persistence is best-effort: failures are returned to the caller to
// log, never to abort the status transition in progress.
func (m *Manager) PersistSessionState(ctx context.Context, sessionID, workspaceDir, agentName string) error {
	var agentVersion int64
	sess, err := m.store.GetSession(sessionID)
	if err == nil && sess != nil {
		if agent, err := m.store.GetAgent(sess.TenantID, agentName); err == nil && agent != nil {
			agentVersion = agent.Version
		}
	}

	return PersistWorkspaceSnapshot(m.dataDir, sessionID, workspaceDir, agentName, agentVersion)
}

// AgentVersionDrift reports whether a session's snapshot predates the
// agent's current revision, exposed to callers as an informational
// flag on resume; never acted on automatically.
func (m *Manager) AgentVersionDrift(sessionID string) (bool, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return false, fmt.Errorf("session %s not found", sessionID)
	}

	raw, err := readSnapshotMetadata(m.snapshotPath(sessionID))
	if err != nil {
		return false, nil // no snapshot yet: nothing to drift from
	}

	agent, err := m.store.GetAgent(sess.TenantID, sess.AgentName)
	if err != nil {
		return false, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return false, AgentDirectoryMissing
	}

	return raw.AgentVersion < agent.Version, nil
}

// activeSessionBackend resolves a session's backend, requiring active status.
func (m *Manager) activeSessionBackend(sessionID string) (*store.Session, runnerbackend.Backend, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("session %s not found", sessionID)
	}
	if sess.Status != store.SessionActive {
		return nil, nil, ErrSessionNotActive
	}
	if !sess.RunnerID.Valid || !sess.SandboxID.Valid {
		return nil, nil, ErrNoBackend
	}

	backend, ok := m.coordinator.GetBackendForRunnerSync(sess.RunnerID.String)
	if !ok {
		backend, err = m.coordinator.GetBackendForRunner(context.Background(), sess.RunnerID.String)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve backend: %w", err)
		}
	}
	return sess, backend, nil
}

func (m *Manager) workspacePath(sessionID string) string {
	return fmt.Sprintf("%s/%s", m.workspaceRoot, sessionID)
}

func (m *Manager) snapshotPath(sessionID string) string {
	return fmt.Sprintf("%s/%s", m.dataDir, sessionID)
}
