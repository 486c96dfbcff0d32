package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session lifecycle statuses (spec.md §3).
const (
	SessionStarting = "starting"
	SessionActive   = "active"
	SessionPaused   = "paused"
	SessionEnded    = "ended"
	SessionError    = "error"
	SessionStopped  = "stopped"
)

// ValidSessionTransition reports whether a session may move from one
// status to another.
func ValidSessionTransition(from, to string) bool {
	switch from {
	case SessionStarting:
		return to == SessionActive || to == SessionError || to == SessionEnded
	case SessionActive:
		return to == SessionPaused || to == SessionEnded || to == SessionError || to == SessionStopped
	case SessionPaused:
		return to == SessionActive || to == SessionEnded
	case SessionError, SessionStopped:
		return to == SessionActive || to == SessionEnded
	default:
		return false
	}
}

type Session struct {
	ID                 string
	TenantID           string
	AgentName          string
	SandboxID          sql.NullString
	RunnerID           sql.NullString
	Status             string
	Config             []byte // raw JSON, decoded by callers
	SDKSessionResumeID sql.NullString
	CreatedAt          time.Time
	LastActiveAt       time.Time
}

func (s *Store) CreateSession(id, tenantID, agentName string, config []byte) (*Session, error) {
	_, err := s.Exec(
		`INSERT INTO sessions (id, tenant_id, agent_name, status, config) VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, agentName, SessionStarting, config,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(id)
}

func (s *Store) GetSession(id string) (*Session, error) {
	sess := &Session{}
	err := s.QueryRow(
		`SELECT id, tenant_id, agent_name, sandbox_id, runner_id, status, config, sdk_session_resume_id, created_at, last_active_at
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.RunnerID, &sess.Status, &sess.Config, &sess.SDKSessionResumeID, &sess.CreatedAt, &sess.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(id, status string) error {
	_, err := s.Exec(`UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *Store) BindSessionSandbox(id, sandboxID, runnerID string) error {
	_, err := s.Exec(
		`UPDATE sessions SET sandbox_id = $2, runner_id = $3, last_active_at = NOW() WHERE id = $1`,
		id, nullIfEmpty(sandboxID), nullIfEmpty(runnerID),
	)
	if err != nil {
		return fmt.Errorf("bind session sandbox: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionResumeID(id, sdkSessionResumeID string) error {
	_, err := s.Exec(`UPDATE sessions SET sdk_session_resume_id = $2 WHERE id = $1`, id, nullIfEmpty(sdkSessionResumeID))
	if err != nil {
		return fmt.Errorf("update session resume id: %w", err)
	}
	return nil
}

func (s *Store) TouchSessionActivity(id string) error {
	_, err := s.Exec(`UPDATE sessions SET last_active_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch session activity: %w", err)
	}
	return nil
}

// BulkPauseSessionsByRunner flips status active→paused for every session
// currently bound to runnerID in one statement, returning the affected count.
func (s *Store) BulkPauseSessionsByRunner(runnerID string) (int64, error) {
	res, err := s.Exec(
		`UPDATE sessions SET status = $2, runner_id = NULL WHERE runner_id = $1 AND status = $3`,
		runnerID, SessionPaused, SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk pause sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ListSessionsByRunner(runnerID string) ([]*Session, error) {
	rows, err := s.Query(
		`SELECT id, tenant_id, agent_name, sandbox_id, runner_id, status, config, sdk_session_resume_id, created_at, last_active_at
		 FROM sessions WHERE runner_id = $1`,
		runnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions by runner: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.RunnerID, &sess.Status, &sess.Config, &sess.SDKSessionResumeID, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(id string) error {
	_, err := s.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
