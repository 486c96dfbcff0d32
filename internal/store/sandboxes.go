package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sandbox lifecycle states (spec.md §3).
const (
	SandboxWarming = "warming"
	SandboxWarm    = "warm"
	SandboxWaiting = "waiting"
	SandboxRunning = "running"
	SandboxCold    = "cold"
)

type Sandbox struct {
	ID           string
	SessionID    sql.NullString
	AgentName    string
	WorkspaceDir string
	State        string
	RunnerID     sql.NullString
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

func (s *Store) InsertSandbox(id, agentName, workspaceDir, runnerID string) (*Sandbox, error) {
	_, err := s.Exec(
		`INSERT INTO sandboxes (id, agent_name, workspace_dir, state, runner_id) VALUES ($1, $2, $3, $4, $5)`,
		id, agentName, workspaceDir, SandboxWarming, nullIfEmpty(runnerID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert sandbox: %w", err)
	}
	return s.GetSandbox(id)
}

func (s *Store) GetSandbox(id string) (*Sandbox, error) {
	sb := &Sandbox{}
	err := s.QueryRow(
		`SELECT id, session_id, agent_name, workspace_dir, state, runner_id, created_at, last_used_at
		 FROM sandboxes WHERE id = $1`,
		id,
	).Scan(&sb.ID, &sb.SessionID, &sb.AgentName, &sb.WorkspaceDir, &sb.State, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return sb, nil
}

func (s *Store) UpdateSandboxState(id, state string) error {
	_, err := s.Exec(`UPDATE sandboxes SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("update sandbox state: %w", err)
	}
	return nil
}

func (s *Store) BindSandboxSession(id, sessionID string) error {
	_, err := s.Exec(`UPDATE sandboxes SET session_id = $2 WHERE id = $1`, id, nullIfEmpty(sessionID))
	if err != nil {
		return fmt.Errorf("bind sandbox session: %w", err)
	}
	return nil
}

func (s *Store) TouchSandbox(id string) error {
	_, err := s.Exec(`UPDATE sandboxes SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	return nil
}

func (s *Store) DeleteSandbox(id string) error {
	_, err := s.Exec(`DELETE FROM sandboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func (s *Store) CountSandboxes(runnerID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM sandboxes WHERE runner_id IS NOT DISTINCT FROM $1`, nullIfEmpty(runnerID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sandboxes: %w", err)
	}
	return n, nil
}

// GetBestEvictionCandidate returns the sandbox to evict first: priority
// cold < warm < waiting, tie-broken by oldest last_used_at. running and
// warming are never returned.
func (s *Store) GetBestEvictionCandidate(runnerID string) (*Sandbox, error) {
	sb := &Sandbox{}
	err := s.QueryRow(
		`SELECT id, session_id, agent_name, workspace_dir, state, runner_id, created_at, last_used_at
		 FROM sandboxes
		 WHERE runner_id IS NOT DISTINCT FROM $1 AND state IN ('cold', 'warm', 'waiting')
		 ORDER BY
		   CASE state WHEN 'cold' THEN 0 WHEN 'warm' THEN 1 WHEN 'waiting' THEN 2 END ASC,
		   last_used_at ASC
		 LIMIT 1`,
		nullIfEmpty(runnerID),
	).Scan(&sb.ID, &sb.SessionID, &sb.AgentName, &sb.WorkspaceDir, &sb.State, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get best eviction candidate: %w", err)
	}
	return sb, nil
}

// GetIdleSandboxes returns all waiting sandboxes whose last_used_at
// predates olderThan, ordered oldest first.
func (s *Store) GetIdleSandboxes(runnerID string, olderThan time.Time) ([]*Sandbox, error) {
	rows, err := s.Query(
		`SELECT id, session_id, agent_name, workspace_dir, state, runner_id, created_at, last_used_at
		 FROM sandboxes
		 WHERE runner_id IS NOT DISTINCT FROM $1 AND state = $2 AND last_used_at < $3
		 ORDER BY last_used_at ASC`,
		nullIfEmpty(runnerID), SandboxWaiting, olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("get idle sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb := &Sandbox{}
		if err := rows.Scan(&sb.ID, &sb.SessionID, &sb.AgentName, &sb.WorkspaceDir, &sb.State, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan idle sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// MarkAllSandboxesCold bulk-transitions every sandbox owned by runnerID
// to cold. Called on startup to reclaim rows left by a process that died
// without graceful shutdown.
func (s *Store) MarkAllSandboxesCold(runnerID string) (int64, error) {
	res, err := s.Exec(
		`UPDATE sandboxes SET state = $2 WHERE runner_id IS NOT DISTINCT FROM $1 AND state != $2`,
		nullIfEmpty(runnerID), SandboxCold,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all sandboxes cold: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ListSandboxesByRunner(runnerID string) ([]*Sandbox, error) {
	rows, err := s.Query(
		`SELECT id, session_id, agent_name, workspace_dir, state, runner_id, created_at, last_used_at
		 FROM sandboxes WHERE runner_id IS NOT DISTINCT FROM $1 ORDER BY created_at ASC`,
		nullIfEmpty(runnerID),
	)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes by runner: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb := &Sandbox{}
		if err := rows.Scan(&sb.ID, &sb.SessionID, &sb.AgentName, &sb.WorkspaceDir, &sb.State, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}
