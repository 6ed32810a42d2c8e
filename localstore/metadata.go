package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Sync metadata keys written by the engine.
const (
	MetaLastPullAt = "lastPullAt"
	MetaLastSyncAt = "lastSyncAt"
)

// MetaGetString reads a metadata value. Missing keys return "" without error.
func (s *Store) MetaGetString(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return v, nil
}

// MetaSetString writes a metadata value.
func (s *Store) MetaSetString(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetMeta(ctx, key, value)
	})
}

// SetMeta writes a metadata value inside an existing transaction.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, t.s.nowMillis())
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// MetaGetInt64 reads a numeric metadata value. Missing keys return 0.
func (s *Store) MetaGetInt64(ctx context.Context, key string) (int64, error) {
	v, err := s.MetaGetString(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s is not numeric: %w", key, err)
	}
	return n, nil
}

// MetaSetInt64 writes a numeric metadata value.
func (s *Store) MetaSetInt64(ctx context.Context, key string, value int64) error {
	return s.MetaSetString(ctx, key, strconv.FormatInt(value, 10))
}
