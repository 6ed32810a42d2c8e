package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ConflictRecord is a persisted divergence between the local and server
// versions of one entity, kept until a resolution writes the winner back.
type ConflictRecord struct {
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entityId"`
	LocalVersion    json.RawMessage `json:"localVersion"`
	ServerVersion   json.RawMessage `json:"serverVersion"`
	LocalUpdatedAt  int64           `json:"localUpdatedAt"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt"`
	Strategy        string          `json:"strategy"`
	DetectedAt      int64           `json:"detectedAt"`
}

// PutConflict upserts a conflict record inside an existing transaction.
func (t *Tx) PutConflict(ctx context.Context, c *ConflictRecord) error {
	if c.DetectedAt == 0 {
		c.DetectedAt = t.s.nowMillis()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conflicts (entity, entity_id, local_version, server_version,
			local_updated_at, server_updated_at, strategy, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, entity_id) DO UPDATE SET
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			local_updated_at = excluded.local_updated_at,
			server_updated_at = excluded.server_updated_at,
			strategy = excluded.strategy,
			detected_at = excluded.detected_at
	`, c.Entity, c.EntityID, string(c.LocalVersion), string(c.ServerVersion),
		c.LocalUpdatedAt, c.ServerUpdatedAt, c.Strategy, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s.%s: %w", c.Entity, c.EntityID, err)
	}
	return nil
}

// DeleteConflict removes a resolved conflict inside an existing transaction.
func (t *Tx) DeleteConflict(ctx context.Context, entity, entityID string) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM conflicts WHERE entity = ? AND entity_id = ?`, entity, entityID); err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	return nil
}

const conflictColumns = `entity, entity_id, local_version, server_version,
	local_updated_at, server_updated_at, strategy, detected_at`

func scanConflict(sc rowScanner) (*ConflictRecord, error) {
	var c ConflictRecord
	var local, server string
	err := sc.Scan(&c.Entity, &c.EntityID, &local, &server,
		&c.LocalUpdatedAt, &c.ServerUpdatedAt, &c.Strategy, &c.DetectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	c.LocalVersion = json.RawMessage(local)
	c.ServerVersion = json.RawMessage(server)
	return &c, nil
}

// GetConflict returns the persisted conflict for an entity, or ErrNotFound.
func (s *Store) GetConflict(ctx context.Context, entity, entityID string) (*ConflictRecord, error) {
	return scanConflict(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE entity = ? AND entity_id = ?`,
		entity, entityID))
}

// ListConflicts returns every outstanding conflict, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
