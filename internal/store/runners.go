package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Runner struct {
	ID              string
	Host            string
	Port            int
	MaxSandboxes    int
	ActiveCount     int
	WarmingCount    int
	CPUPercent      sql.NullFloat64
	MemPercent      sql.NullFloat64
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// UpsertRunner is idempotent and safe under concurrent coordinators:
// register(R) ∘ register(R) ≡ register(R).
func (s *Store) UpsertRunner(id, host string, port, max int) error {
	_, err := s.Exec(
		`INSERT INTO runners (id, host, port, max_sandboxes, registered_at, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET host = $2, port = $3, max_sandboxes = $4, last_heartbeat_at = NOW()`,
		id, host, port, max,
	)
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

func (s *Store) HeartbeatRunner(id string, active, warming int, cpuPercent, memPercent float64) error {
	_, err := s.Exec(
		`UPDATE runners SET active_count = $2, warming_count = $3, cpu_percent = $4, mem_percent = $5, last_heartbeat_at = NOW() WHERE id = $1`,
		id, active, warming, cpuPercent, memPercent,
	)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	return nil
}

func (s *Store) GetRunner(id string) (*Runner, error) {
	r := &Runner{}
	err := s.QueryRow(
		`SELECT id, host, port, max_sandboxes, active_count, warming_count, cpu_percent, mem_percent, registered_at, last_heartbeat_at
		 FROM runners WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.CPUPercent, &r.MemPercent, &r.RegisteredAt, &r.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

// SelectBestRunner returns the runner with the most available capacity
// (max_sandboxes - active_count) among runners heartbeating after cutoff,
// ties broken by most recent heartbeat. The caller trusts this ordering;
// no redundant in-memory capacity check is needed.
func (s *Store) SelectBestRunner(cutoff time.Time) (*Runner, error) {
	r := &Runner{}
	err := s.QueryRow(
		`SELECT id, host, port, max_sandboxes, active_count, warming_count, cpu_percent, mem_percent, registered_at, last_heartbeat_at
		 FROM runners
		 WHERE last_heartbeat_at > $1 AND active_count < max_sandboxes
		 ORDER BY (max_sandboxes - active_count) DESC, last_heartbeat_at DESC
		 LIMIT 1`,
		cutoff,
	).Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.CPUPercent, &r.MemPercent, &r.RegisteredAt, &r.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select best runner: %w", err)
	}
	return r, nil
}

// ListDeadRunners returns every runner whose last heartbeat predates
// cutoff, in a single query.
func (s *Store) ListDeadRunners(cutoff time.Time) ([]*Runner, error) {
	rows, err := s.Query(
		`SELECT id, host, port, max_sandboxes, active_count, warming_count, cpu_percent, mem_percent, registered_at, last_heartbeat_at
		 FROM runners WHERE last_heartbeat_at <= $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead runners: %w", err)
	}
	defer rows.Close()

	var out []*Runner
	for rows.Next() {
		r := &Runner{}
		if err := rows.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.CPUPercent, &r.MemPercent, &r.RegisteredAt, &r.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan dead runner: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRunner(id string) error {
	_, err := s.Exec(`DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}
