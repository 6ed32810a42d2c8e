package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a queue item carries to the server.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority orders queue draining. Within one entity, creation order always
// wins over priority so create/update/delete stay sequenced.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ItemStatus is the queue item state machine.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemFailed     ItemStatus = "failed"
	ItemCompleted  ItemStatus = "completed"
)

// DefaultMaxAttempts bounds retries before an item parks in failed state.
const DefaultMaxAttempts = 5

// BackoffSchedule is the retry delay ladder. Attempts past the end reuse the
// last entry.
var BackoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// QueueItem is one outstanding mutation awaiting server application.
type QueueItem struct {
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	CreatedAt     int64           `json:"createdAt"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
	NextRetryAt   int64           `json:"nextRetryAt,omitempty"`
	Status        ItemStatus      `json:"status"`
	Error         string          `json:"error,omitempty"`
}

const queueColumns = `id, operation, entity, entity_id, payload, priority, attempts,
	max_attempts, created_at, last_attempt_at, next_retry_at, status, error`

func scanQueueItem(sc rowScanner) (*QueueItem, error) {
	var it QueueItem
	var payload sql.NullString
	err := sc.Scan(&it.ID, &it.Operation, &it.Entity, &it.EntityID, &payload, &it.Priority,
		&it.Attempts, &it.MaxAttempts, &it.CreatedAt, &it.LastAttemptAt, &it.NextRetryAt,
		&it.Status, &it.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}
	if payload.Valid {
		it.Payload = json.RawMessage(payload.String)
	}
	return &it, nil
}

// Enqueue appends a mutation with status=pending and attempts=0. Called
// inside the same transaction as the entity write it belongs to.
func (t *Tx) Enqueue(ctx context.Context, item *QueueItem) (string, error) {
	if err := validTable(item.Entity); err != nil {
		return "", err
	}
	if item.EntityID == "" {
		return "", errors.New("queue item entityId must not be empty")
	}
	item.ID = uuid.New().String()
	item.Status = ItemPending
	item.Attempts = 0
	item.CreatedAt = t.s.nowMillis()
	if item.Priority == "" {
		item.Priority = PriorityMedium
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	var payload any
	if item.Payload != nil {
		payload = string(item.Payload)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, operation, entity, entity_id, payload, priority,
			attempts, max_attempts, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 'pending')
	`, item.ID, item.Operation, item.Entity, item.EntityID, payload, item.Priority,
		item.MaxAttempts, item.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return item.ID, nil
}

// ClaimNext selects the next drainable item and marks it processing. The
// admission gate excludes items whose retry window has not opened, items for
// an entity that already has a processing claim (no concurrent duplicate
// dispatch, even across separate runtimes), and items with an older sibling
// for the same entity still outstanding. Returns (nil, nil) when the queue
// has nothing ready.
func (s *Store) ClaimNext(ctx context.Context) (*QueueItem, error) {
	var claimed *QueueItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		now := s.nowMillis()
		it, err := scanQueueItem(tx.tx.QueryRowContext(ctx, `
			SELECT `+queueColumns+`
			FROM sync_queue q
			WHERE q.status = 'pending'
			  AND (q.next_retry_at = 0 OR q.next_retry_at <= ?)
			  AND NOT EXISTS (
				SELECT 1 FROM sync_queue p
				WHERE p.entity_id = q.entity_id AND p.status = 'processing'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM sync_queue older
				WHERE older.entity_id = q.entity_id
				  AND older.status IN ('pending','processing')
				  AND (older.created_at < q.created_at
					OR (older.created_at = q.created_at AND older.rowid < q.rowid))
			  )
			ORDER BY CASE q.priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				ELSE 3 END,
				q.created_at, q.rowid
			LIMIT 1
		`, now))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'processing', last_attempt_at = ? WHERE id = ?
		`, now, it.ID); err != nil {
			return fmt.Errorf("failed to claim item %s: %w", it.ID, err)
		}
		it.Status = ItemProcessing
		it.LastAttemptAt = now
		claimed = it
		return nil
	})
	return claimed, err
}

// Complete removes a finished item from the queue.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Complete(ctx, id)
	})
}

// Complete removes a finished item from the queue within the transaction, so
// it can commit together with the follow-up bookkeeping of the same push.
func (t *Tx) Complete(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to complete item %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The item returns to pending with the next
// backoff delay, or parks in failed state once attempts reach max_attempts.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		it, err := scanQueueItem(tx.tx.QueryRowContext(ctx,
			`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.nowMillis()
		attempts := it.Attempts + 1
		idx := attempts
		if idx > len(BackoffSchedule)-1 {
			idx = len(BackoffSchedule) - 1
		}
		nextRetryAt := now + BackoffSchedule[idx].Milliseconds()
		status := ItemPending
		if attempts >= it.MaxAttempts {
			status = ItemFailed
		}

		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = ?, attempts = ?, last_attempt_at = ?, next_retry_at = ?, error = ?
			WHERE id = ?
		`, status, attempts, now, nextRetryAt, msg, id); err != nil {
			return fmt.Errorf("failed to mark item %s failed: %w", id, err)
		}
		if status == ItemFailed {
			s.logger.Warn("queue item exhausted retries",
				"item", id, "entity", it.Entity, "entityId", it.EntityID, "error", msg)
		}
		return nil
	})
}

// GetQueueItem returns one item by ID.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	return scanQueueItem(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
}

// HasPending reports whether a pending or processing mutation exists for the
// entity. Used by pull-side conflict detection.
func (t *Tx) HasPending(ctx context.Context, entity, entityID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM sync_queue
			WHERE entity = ? AND entity_id = ? AND status IN ('pending','processing'))
	`, entity, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending mutations: %w", err)
	}
	return exists, nil
}

// UpdatePendingPayload refreshes the payload of an entity's outstanding
// mutation, used when a field merge folds pulled server state into the
// not-yet-pushed local change. No new queue item is created.
func (t *Tx) UpdatePendingPayload(ctx context.Context, entity, entityID string, payload []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET payload = ?
		WHERE entity = ? AND entity_id = ? AND status IN ('pending','processing')
	`, string(payload), entity, entityID)
	if err != nil {
		return fmt.Errorf("failed to update pending payload: %w", err)
	}
	return nil
}

// MarkSynced flips an entity to synced once its last outstanding mutation has
// been acknowledged. A remaining queued mutation keeps the row pending.
func (s *Store) MarkSynced(ctx context.Context, entity, entityID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSynced(ctx, entity, entityID)
	})
}

func (t *Tx) MarkSynced(ctx context.Context, entity, entityID string) error {
	pending, err := t.HasPending(ctx, entity, entityID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_status = 'synced', last_synced_at = ? WHERE id = ?`, entity),
		t.s.nowMillis(), entityID)
	if err != nil {
		return fmt.Errorf("failed to mark %s.%s synced: %w", entity, entityID, err)
	}
	return nil
}

// DropPending removes outstanding queue items for an entity. Used when a
// conflict resolution accepts the server version wholesale.
func (t *Tx) DropPending(ctx context.Context, entity, entityID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity = ? AND entity_id = ? AND status IN ('pending','failed')
	`, entity, entityID)
	if err != nil {
		return fmt.Errorf("failed to drop pending mutations: %w", err)
	}
	return nil
}

// QueueCounts is the live queue status surfaced to the UI.
type QueueCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// QueueCounts tallies outstanding items by status.
func (s *Store) QueueCounts(ctx context.Context) (*QueueCounts, error) {
	var c QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM sync_queue
	`).Scan(&c.Pending, &c.Processing, &c.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	return &c, nil
}

// FailedItems lists items that exhausted their retries, oldest first. These
// stay visible for manual retry or discard and are never silently dropped.
func (s *Store) FailedItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = 'failed' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// RetryFailed puts a parked item back in rotation with a fresh attempt budget.
func (s *Store) RetryFailed(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', attempts = 0, next_retry_at = 0, error = ''
			WHERE id = ? AND status = 'failed'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to retry item %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DiscardFailed drops a parked item for good.
func (s *Store) DiscardFailed(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE id = ? AND status = 'failed'`, id)
		if err != nil {
			return fmt.Errorf("failed to discard item %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StaleProcessing lists items stuck in processing past the threshold, the
// residue of a crashed sync cycle.
func (s *Store) StaleProcessing(ctx context.Context, threshold time.Duration) ([]QueueItem, error) {
	cutoff := s.nowMillis() - threshold.Milliseconds()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status = 'processing' AND last_attempt_at > 0 AND last_attempt_at < ?
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale items: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// ResetStaleProcessing returns items stuck in processing past the threshold
// to pending with last_attempt_at cleared. A crashed sync cycle leaves items
// in this state.
func (s *Store) ResetStaleProcessing(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := s.nowMillis() - threshold.Milliseconds()
	var reset int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', last_attempt_at = 0
			WHERE status = 'processing' AND last_attempt_at > 0 AND last_attempt_at < ?
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to reset stale items: %w", err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	return reset, err
}
