package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"gateline/internal/domain"
)

// HashSecret returns a stable SHA-256 hex digest of the secret half of an
// agent token. The plaintext is never stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// InsertAgentKey stores a hashed credential. SecretHash must already contain
// the hashed value.
func (r Repo) InsertAgentKey(ctx context.Context, tx *sql.Tx, key domain.AgentKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ProjectID == "" {
		return errors.New("project_id required")
	}
	if key.SecretHash == "" {
		return errors.New("secret_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_keys(id,project_id,created_by,name,prefix,secret_hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.ProjectID, key.CreatedBy, nullable(key.Name), key.Prefix, key.SecretHash, key.CreatedAt)
	return err
}

// GetAgentKey returns a credential by id, revoked or not. Callers decide what
// a revoked row means.
func (r Repo) GetAgentKey(ctx context.Context, id string) (domain.AgentKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,created_by,COALESCE(name,''),prefix,secret_hash,last_used_at,revoked_at,created_at FROM agent_keys WHERE id=?`, id)
	return scanAgentKey(row)
}

func (r Repo) ListAgentKeys(ctx context.Context, projectID string) ([]domain.AgentKey, error) {
	query := `SELECT id,project_id,created_by,COALESCE(name,''),prefix,secret_hash,last_used_at,revoked_at,created_at FROM agent_keys`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AgentKey
	for rows.Next() {
		key, err := scanAgentKeyRows(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAgentKey soft-revokes a credential. Revocation is permanent; issue a
// new key instead of un-revoking.
func (r Repo) RevokeAgentKey(ctx context.Context, tx *sql.Tx, id, revokedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgentKey refreshes last_used_at if the stored value is older than the
// debounce cutoff. Best-effort: a lost race only delays the timestamp.
func (r Repo) TouchAgentKey(ctx context.Context, id, now, cutoff string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agent_keys SET last_used_at=? WHERE id=? AND (last_used_at IS NULL OR last_used_at < ?)`,
		now, id, cutoff)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentKey(row *sql.Row) (domain.AgentKey, error) {
	key, err := scanKeyFields(row)
	if err == sql.ErrNoRows {
		return domain.AgentKey{}, ErrNotFound
	}
	return key, err
}

func scanAgentKeyRows(rows *sql.Rows) (domain.AgentKey, error) {
	return scanKeyFields(rows)
}

func scanKeyFields(s rowScanner) (domain.AgentKey, error) {
	var key domain.AgentKey
	var name string
	var lastUsed, revoked sql.NullString
	err := s.Scan(&key.ID, &key.ProjectID, &key.CreatedBy, &name, &key.Prefix, &key.SecretHash, &lastUsed, &revoked, &key.CreatedAt)
	if err != nil {
		return domain.AgentKey{}, err
	}
	if name != "" {
		key.Name = name
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.String
	}
	if revoked.Valid {
		key.RevokedAt = &revoked.String
	}
	return key, nil
}
