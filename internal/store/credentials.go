package store

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Credential is a peripheral entity: an opaque secret (API key etc.)
// handed to a sandboxed agent, stored bcrypt-hashed (spec.md §1 scopes
// credential CRUD out of the core; this is the minimal glue the HTTP
// surface in §6.1 needs).
type Credential struct {
	ID        string
	TenantID  string
	AgentName string
	Label     string
}

func (s *Store) CreateCredential(id, tenantID, agentName, label, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash credential secret: %w", err)
	}
	_, err = s.Exec(
		`INSERT INTO credentials (id, tenant_id, agent_name, label, secret_hash) VALUES ($1, $2, $3, $4, $5)`,
		id, tenantID, agentName, label, string(hash),
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// VerifyCredential checks secret against the stored hash for id.
func (s *Store) VerifyCredential(id, secret string) (bool, error) {
	var hash string
	err := s.QueryRow(`SELECT secret_hash FROM credentials WHERE id = $1`, id).Scan(&hash)
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) DeleteCredential(id string) error {
	_, err := s.Exec(`DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
