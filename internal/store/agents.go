package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Agent is the persisted row for an immutable-by-name folder descriptor.
type Agent struct {
	Name      string
	TenantID  string
	Path      string
	Version   int64
	CreatedAt time.Time
	DeletedAt sql.NullTime
}

func (s *Store) CreateAgent(tenantID, name, path string) (*Agent, error) {
	_, err := s.Exec(
		`INSERT INTO agents (name, tenant_id, path, version) VALUES ($1, $2, $3, 1)`,
		name, tenantID, path,
	)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return s.GetAgent(tenantID, name)
}

func (s *Store) GetAgent(tenantID, name string) (*Agent, error) {
	a := &Agent{}
	err := s.QueryRow(
		`SELECT name, tenant_id, path, version, created_at, deleted_at
		 FROM agents WHERE tenant_id = $1 AND name = $2 AND deleted_at IS NULL`,
		tenantID, name,
	).Scan(&a.Name, &a.TenantID, &a.Path, &a.Version, &a.CreatedAt, &a.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// RedeployAgent bumps version on an existing agent, or creates one at
// version 1 if it does not exist yet.
func (s *Store) RedeployAgent(tenantID, name, path string) (*Agent, error) {
	existing, err := s.GetAgent(tenantID, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.CreateAgent(tenantID, name, path)
	}
	_, err = s.Exec(
		`UPDATE agents SET path = $3, version = version + 1 WHERE tenant_id = $1 AND name = $2`,
		tenantID, name, path,
	)
	if err != nil {
		return nil, fmt.Errorf("redeploy agent: %w", err)
	}
	return s.GetAgent(tenantID, name)
}

func (s *Store) DeleteAgent(tenantID, name string) error {
	_, err := s.Exec(`UPDATE agents SET deleted_at = NOW() WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(tenantID string) ([]*Agent, error) {
	rows, err := s.Query(
		`SELECT name, tenant_id, path, version, created_at, deleted_at
		 FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY name ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.Name, &a.TenantID, &a.Path, &a.Version, &a.CreatedAt, &a.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
