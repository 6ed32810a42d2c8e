package localstore

import (
	"context"
	"fmt"
)

// reference names a JSON document field in one table that points at rows of
// another table.
type reference struct {
	Table string
	Field string
}

// referenceFields registers which document fields act as foreign keys so ID
// reconciliation can rewrite them. Keyed by the referenced table.
var referenceFields = map[string][]reference{
	TableMatches: {
		{TableMessages, "matchId"},
		{TableConversations, "matchId"},
	},
	TableJobs: {
		{TableMatches, "jobId"},
		{TableSwipes, "targetId"},
	},
	TableProfiles: {
		{TableMatches, "candidateId"},
		{TableMessages, "senderId"},
	},
}

// ReconcileID rewrites a temporary local identifier to the server-assigned
// one in a single transaction: the entity's own row (and its embedded id
// field), every registered reference field in other tables, outstanding
// queue items, and any persisted conflict. The server row now owns the
// identity, so sync_status flips to synced.
func (s *Store) ReconcileID(ctx context.Context, table, tempID, serverID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.ReconcileID(ctx, table, tempID, serverID)
	})
}

// ReconcileID is the transactional form, for callers that need the rewrite to
// commit together with other queue bookkeeping.
func (t *Tx) ReconcileID(ctx context.Context, table, tempID, serverID string) error {
	if err := validTable(table); err != nil {
		return err
	}
	if tempID == serverID {
		return nil
	}
	now := t.s.nowMillis()
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET id = ?, data = json_set(data, '$.id', ?),
		    sync_status = 'synced', last_synced_at = ?
		WHERE id = ?
	`, table), serverID, serverID, now, tempID)
	if err != nil {
		return fmt.Errorf("failed to rewrite %s id: %w", table, err)
	}

	for _, ref := range referenceFields[table] {
		_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET data = json_set(data, '$.%s', ?)
			WHERE json_extract(data, '$.%s') = ?
		`, ref.Table, ref.Field, ref.Field), serverID, tempID)
		if err != nil {
			return fmt.Errorf("failed to rewrite %s.%s references: %w", ref.Table, ref.Field, err)
		}
	}

	// Later queued mutations for the same entity must target the server ID.
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET entity_id = ? WHERE entity = ? AND entity_id = ?
	`, serverID, table, tempID); err != nil {
		return fmt.Errorf("failed to rewrite queue entity ids: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE conflicts SET entity_id = ? WHERE entity = ? AND entity_id = ?
	`, serverID, table, tempID); err != nil {
		return fmt.Errorf("failed to rewrite conflict entity ids: %w", err)
	}
	return nil
}
