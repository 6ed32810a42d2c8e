package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitializeSchema(t *testing.T) {
	s := newTestStore(t)

	expected := append([]string{}, EntityTables...)
	expected = append(expected, "sync_queue", "sync_metadata", "conflicts")
	for _, table := range expected {
		var count int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	// In-memory databases report "memory" instead of "wal".
	var journalMode string
	err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	require.Contains(t, []string{"wal", "memory"}, journalMode)
}

func TestPutStampsTimestampsAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &Row{ID: "job-1", Data: json.RawMessage(`{"id":"job-1","title":"Backend Engineer"}`)}
	require.NoError(t, s.Put(ctx, TableJobs, row))

	got, err := s.Get(ctx, TableJobs, "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.SyncStatus)
	require.NotZero(t, got.CreatedAt)
	require.NotZero(t, got.UpdatedAt)
	require.Zero(t, got.LastSyncedAt)

	// Update preserves created_at; explicit timestamps are kept as-is.
	updated := &Row{
		ID:         "job-1",
		Data:       json.RawMessage(`{"id":"job-1","title":"Senior Backend Engineer"}`),
		SyncStatus: StatusSynced,
		CreatedAt:  got.CreatedAt,
		UpdatedAt:  got.UpdatedAt + 1000,
	}
	require.NoError(t, s.Put(ctx, TableJobs, updated))

	got2, err := s.Get(ctx, TableJobs, "job-1")
	require.NoError(t, err)
	require.Equal(t, got.CreatedAt, got2.CreatedAt)
	require.Equal(t, got.UpdatedAt+1000, got2.UpdatedAt)
	require.Equal(t, StatusSynced, got2.SyncStatus)
	require.JSONEq(t, `{"id":"job-1","title":"Senior Backend Engineer"}`, string(got2.Data))
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), TableProfiles, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "not_a_table", "x")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		row := &Row{ID: "m-1", Data: json.RawMessage(`{"id":"m-1"}`)}
		if err := tx.Put(ctx, TableMatches, row); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, &QueueItem{
			Operation: OpCreate, Entity: TableMatches, EntityID: "m-1",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither the row nor the queue item survived.
	_, err = s.Get(ctx, TableMatches, "m-1")
	require.ErrorIs(t, err, ErrNotFound)
	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Pending)
}

func TestPutAndEnqueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &Row{ID: NewLocalID(), Data: json.RawMessage(`{"body":"hey"}`)}
	itemID, err := s.PutAndEnqueue(ctx, TableMessages, row, OpCreate, PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, itemID)

	got, err := s.Get(ctx, TableMessages, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.SyncStatus)

	item, err := s.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, OpCreate, item.Operation)
	require.Equal(t, TableMessages, item.Entity)
	require.Equal(t, row.ID, item.EntityID)
	require.Equal(t, PriorityHigh, item.Priority)
	require.Equal(t, ItemPending, item.Status)
}

func TestDeleteAndEnqueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, TableSwipes, &Row{
		ID: "s-1", Data: json.RawMessage(`{"id":"s-1"}`), SyncStatus: StatusSynced,
	}))

	itemID, err := s.DeleteAndEnqueue(ctx, TableSwipes, "s-1", PriorityMedium)
	require.NoError(t, err)

	_, err = s.Get(ctx, TableSwipes, "s-1")
	require.ErrorIs(t, err, ErrNotFound)

	item, err := s.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, OpDelete, item.Operation)
	require.Nil(t, item.Payload)
}

func TestStatsAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutAndEnqueue(ctx, TableProfiles, &Row{
		ID: "p-1", Data: json.RawMessage(`{"id":"p-1","userId":"u-1"}`),
	}, OpUpdate, PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, TableJobs, &Row{
		ID: "j-1", Data: json.RawMessage(`{"id":"j-1"}`), SyncStatus: StatusSynced,
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.Tables[TableProfiles])
	require.Equal(t, int64(1), stats.PendingSync)

	require.NoError(t, s.Clear(ctx))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
	require.Zero(t, stats.PendingSync)
}

func TestPurgeStaleKeepsLocalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, s.Put(ctx, TableJobs, &Row{
		ID: "stale", Data: json.RawMessage(`{"id":"stale"}`),
		SyncStatus: StatusSynced, CreatedAt: old, UpdatedAt: old, LastSyncedAt: old,
	}))
	require.NoError(t, s.Put(ctx, TableJobs, &Row{
		ID: "dirty", Data: json.RawMessage(`{"id":"dirty"}`),
		SyncStatus: StatusPending, CreatedAt: old, UpdatedAt: old, LastSyncedAt: old,
	}))
	require.NoError(t, s.Put(ctx, TableJobs, &Row{
		ID: "fresh", Data: json.RawMessage(`{"id":"fresh"}`),
		SyncStatus: StatusSynced, LastSyncedAt: time.Now().UnixMilli(),
	}))

	purged, err := s.PurgeStale(ctx, TableJobs, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	_, err = s.Get(ctx, TableJobs, "stale")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, TableJobs, "dirty")
	require.NoError(t, err)
	_, err = s.Get(ctx, TableJobs, "fresh")
	require.NoError(t, err)
}

func TestReconcileID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tempID := NewLocalID()
	require.True(t, IsLocalID(tempID))

	// A locally created match referenced by a queued message.
	_, err := s.PutAndEnqueue(ctx, TableMatches, &Row{
		ID: tempID, Data: json.RawMessage(`{"id":"` + tempID + `","jobId":"j-1"}`),
	}, OpCreate, PriorityHigh)
	require.NoError(t, err)
	_, err = s.PutAndEnqueue(ctx, TableMessages, &Row{
		ID: "msg-1", Data: json.RawMessage(`{"id":"msg-1","matchId":"` + tempID + `","body":"hi"}`),
	}, OpCreate, PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, s.ReconcileID(ctx, TableMatches, tempID, "srv-42"))

	// The match row moved to the server ID, synced, with its embedded id rewritten.
	_, err = s.Get(ctx, TableMatches, tempID)
	require.ErrorIs(t, err, ErrNotFound)
	match, err := s.Get(ctx, TableMatches, "srv-42")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, match.SyncStatus)
	require.JSONEq(t, `{"id":"srv-42","jobId":"j-1"}`, string(match.Data))

	// The message's matchId reference follows the rename.
	msg, err := s.Get(ctx, TableMessages, "msg-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"msg-1","matchId":"srv-42","body":"hi"}`, string(msg.Data))

	// Outstanding queue items now target the server ID.
	var n int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE entity = ? AND entity_id = ?`,
		TableMatches, "srv-42").Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompleteAndReconcileCommitTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tempID := NewLocalID()
	itemID, err := s.PutAndEnqueue(ctx, TableMatches, &Row{
		ID: tempID, Data: json.RawMessage(`{"id":"` + tempID + `"}`),
	}, OpCreate, PriorityHigh)
	require.NoError(t, err)

	// An error after the completion rolls back the whole unit: the item stays
	// queued and the temporary ID stays in place.
	err = s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Complete(ctx, itemID))
		require.NoError(t, tx.ReconcileID(ctx, TableMatches, tempID, "srv-7"))
		return errors.New("boom")
	})
	require.Error(t, err)

	item, err := s.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, ItemPending, item.Status)
	_, err = s.Get(ctx, TableMatches, tempID)
	require.NoError(t, err)
	_, err = s.Get(ctx, TableMatches, "srv-7")
	require.ErrorIs(t, err, ErrNotFound)

	// The same unit commits together when nothing fails.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Complete(ctx, itemID); err != nil {
			return err
		}
		return tx.ReconcileID(ctx, TableMatches, tempID, "srv-7")
	}))
	_, err = s.GetQueueItem(ctx, itemID)
	require.ErrorIs(t, err, ErrNotFound)
	row, err := s.Get(ctx, TableMatches, "srv-7")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, row.SyncStatus)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.MetaGetInt64(ctx, MetaLastPullAt)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, s.MetaSetInt64(ctx, MetaLastPullAt, 1234))
	v, err = s.MetaGetInt64(ctx, MetaLastPullAt)
	require.NoError(t, err)
	require.Equal(t, int64(1234), v)

	require.NoError(t, s.MetaSetInt64(ctx, MetaLastPullAt, 5678))
	v, err = s.MetaGetInt64(ctx, MetaLastPullAt)
	require.NoError(t, err)
	require.Equal(t, int64(5678), v)
}

func TestConflictRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConflictRecord{
		Entity:          TableProfiles,
		EntityID:        "p-1",
		LocalVersion:    json.RawMessage(`{"bio":"local"}`),
		ServerVersion:   json.RawMessage(`{"bio":"server"}`),
		LocalUpdatedAt:  10,
		ServerUpdatedAt: 15,
		Strategy:        "manual",
		DetectedAt:      100,
	}
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.PutConflict(ctx, rec)
	}))

	got, err := s.GetConflict(ctx, TableProfiles, "p-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"bio":"local"}`, string(got.LocalVersion))
	require.JSONEq(t, `{"bio":"server"}`, string(got.ServerVersion))

	all, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteConflict(ctx, TableProfiles, "p-1")
	}))
	_, err = s.GetConflict(ctx, TableProfiles, "p-1")
	require.ErrorIs(t, err, ErrNotFound)
}
