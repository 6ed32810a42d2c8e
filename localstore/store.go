// Package localstore implements the client-side persistent store for the
// HireWire sync subsystem: typed entity tables over SQLite, the durable sync
// queue, sync metadata, and the transactional write primitive every mutation
// path is required to go through.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row or queue item does not exist.
var ErrNotFound = errors.New("localstore: not found")

// Store owns the SQLite database holding all synced entities. All writes are
// serialized through an internal mutex and run inside transactions so that an
// entity write and its queue item commit together or not at all.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // serialize write transactions to avoid SQLite locking issues
	now     func() time.Time
}

// Open opens (creating if needed) the store at path. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY between the engine and the background runtime's reads.
	db.SetMaxOpenConns(1)
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The schema is created if missing.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "localstore"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Tx is a write transaction over the store. All mutations performed through
// it commit or roll back as a unit.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// WithTx runs fn inside a single write transaction. A returned error rolls
// back everything fn did, leaving entity tables and the queue unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get returns a single row by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, id string) (*Row, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	return scanRow(s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, data, sync_status, created_at, updated_at, last_synced_at FROM %s WHERE id = ?`, table), id))
}

// Get returns a single row by ID within the transaction, or ErrNotFound.
func (t *Tx) Get(ctx context.Context, table, id string) (*Row, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	return scanRow(t.tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, data, sync_status, created_at, updated_at, last_synced_at FROM %s WHERE id = ?`, table), id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (*Row, error) {
	var r Row
	var data string
	err := sc.Scan(&r.ID, &data, &r.SyncStatus, &r.CreatedAt, &r.UpdatedAt, &r.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	r.Data = json.RawMessage(data)
	return &r, nil
}

// List returns all rows of a table ordered by updated_at.
func (s *Store) List(ctx context.Context, table string) ([]Row, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, data, sync_status, created_at, updated_at, last_synced_at FROM %s ORDER BY updated_at`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Count returns the number of rows in a table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Put upserts a row. The timestamp hooks stamp created_at and updated_at when
// the caller left them zero; server-applied rows keep their own timestamps.
func (t *Tx) Put(ctx context.Context, table string, row *Row) error {
	if err := validTable(table); err != nil {
		return err
	}
	if row.ID == "" {
		return errors.New("row ID must not be empty")
	}
	now := t.s.nowMillis()
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = now
	}
	if row.SyncStatus == "" {
		row.SyncStatus = StatusPending
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, sync_status, created_at, updated_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`, table), row.ID, string(row.Data), row.SyncStatus, row.CreatedAt, row.UpdatedAt, row.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// BulkPut upserts every row in a single pass.
func (t *Tx) BulkPut(ctx context.Context, table string, rows []Row) error {
	for i := range rows {
		if err := t.Put(ctx, table, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a row. Deleting a missing row is not an error.
func (t *Tx) Delete(ctx context.Context, table, id string) error {
	if err := validTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// Put is a single-row convenience wrapper over WithTx.
func (s *Store) Put(ctx context.Context, table string, row *Row) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Put(ctx, table, row) })
}

// BulkPut is a convenience wrapper over WithTx.
func (s *Store) BulkPut(ctx context.Context, table string, rows []Row) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.BulkPut(ctx, table, rows) })
}

// Delete is a convenience wrapper over WithTx.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, table, id) })
}

// PutAndEnqueue writes an entity and its sync queue item in one transaction.
// This is the only sanctioned path for local mutations that need to reach the
// server: either both commit, or neither does.
func (s *Store) PutAndEnqueue(ctx context.Context, table string, row *Row, op Operation, priority Priority) (string, error) {
	var itemID string
	err := s.WithTx(ctx, func(tx *Tx) error {
		row.SyncStatus = StatusPending
		if err := tx.Put(ctx, table, row); err != nil {
			return err
		}
		id, err := tx.Enqueue(ctx, &QueueItem{
			Operation: op,
			Entity:    table,
			EntityID:  row.ID,
			Payload:   row.Data,
			Priority:  priority,
		})
		if err != nil {
			return err
		}
		itemID = id
		return nil
	})
	return itemID, err
}

// DeleteAndEnqueue removes an entity locally and queues the delete for the
// server in the same transaction.
func (s *Store) DeleteAndEnqueue(ctx context.Context, table, id string, priority Priority) (string, error) {
	var itemID string
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Delete(ctx, table, id); err != nil {
			return err
		}
		qid, err := tx.Enqueue(ctx, &QueueItem{
			Operation: OpDelete,
			Entity:    table,
			EntityID:  id,
			Priority:  priority,
		})
		if err != nil {
			return err
		}
		itemID = qid
		return nil
	})
	return itemID, err
}

// Stats summarizes table sizes for status surfaces and the backup threshold.
type Stats struct {
	Tables      map[string]int64 `json:"tables"`
	PendingSync int64            `json:"pendingSync"`
	Total       int64            `json:"total"`
}

// Stats counts every owned table plus outstanding queue items.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tables: make(map[string]int64, len(EntityTables))}
	for _, table := range EntityTables {
		n, err := s.Count(ctx, table)
		if err != nil {
			return nil, err
		}
		st.Tables[table] = n
		st.Total += n
	}
	var pending int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending','processing','failed')`).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	st.PendingSync = pending
	return st, nil
}

// Clear wipes every owned table and all sync bookkeeping (logout/reset).
func (s *Store) Clear(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.ClearAll(ctx)
	})
}

// ClearAll empties every owned table and all sync bookkeeping inside an
// existing transaction.
func (t *Tx) ClearAll(ctx context.Context) error {
	tables := append([]string{}, EntityTables...)
	tables = append(tables, "sync_queue", "sync_metadata", "conflicts")
	for _, table := range tables {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// PurgeStale deletes synced rows whose last successful sync is older than
// ttl. Rows with local state (pending, conflict) are never purged.
func (s *Store) PurgeStale(ctx context.Context, table string, ttl time.Duration) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	cutoff := s.nowMillis() - ttl.Milliseconds()
	var purged int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE sync_status = 'synced' AND last_synced_at > 0 AND last_synced_at < ?`, table), cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}
