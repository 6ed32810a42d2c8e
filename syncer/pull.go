package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// pull fetches server deltas since the given timestamp and applies them
// atomically. Server rows win by authority except where a queued local
// mutation is still outstanding: those rows are either left alone (server not
// newer than the last agreement point) or routed through the resolver.
func (e *Engine) pull(ctx context.Context, since int64) (int, error) {
	resp, err := e.transport.Pull(ctx, since)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		for _, table := range localstore.EntityTables {
			docs := resp.Collections[table]
			for _, doc := range docs {
				if err := e.applyServerDoc(ctx, tx, table, doc); err != nil {
					return err
				}
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for name := range resp.Collections {
		if _, known := indexOf(localstore.EntityTables, name); !known {
			e.logger.Warn("pull returned unknown collection", "collection", name)
		}
	}
	return applied, nil
}

func indexOf(tables []string, name string) (int, bool) {
	for i, t := range tables {
		if t == name {
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) applyServerDoc(ctx context.Context, tx *localstore.Tx, table string, doc json.RawMessage) error {
	hdr, err := parseHeader(doc)
	if err != nil || hdr.ID == "" {
		e.logger.Warn("dropping malformed server document", "table", table, "error", err)
		return nil
	}

	local, err := tx.Get(ctx, table, hdr.ID)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	pending, err := tx.HasPending(ctx, table, hdr.ID)
	if err != nil {
		return err
	}

	if pending {
		if local == nil {
			// The row was deleted locally and the delete is still queued.
			// Writing the server doc would resurrect it ahead of the replay;
			// if the server re-diverged meanwhile, the delete push answers
			// with 409 and the conflict path takes over.
			return nil
		}
		if hdr.UpdatedAt > local.LastSyncedAt {
			// Both sides changed since the last agreement point.
			return e.resolveConflict(ctx, tx, table, local, doc, hdr)
		}
		// Local pending mutation with no newer server state: keep the local
		// version, the queue replays it in the push step.
		return nil
	}

	now := time.Now().UnixMilli()
	return tx.Put(ctx, table, &localstore.Row{
		ID:           hdr.ID,
		Data:         doc,
		SyncStatus:   localstore.StatusSynced,
		CreatedAt:    hdr.CreatedAt,
		UpdatedAt:    hdr.UpdatedAt,
		LastSyncedAt: now,
	})
}

func (e *Engine) resolveConflict(ctx context.Context, tx *localstore.Tx, table string, local *localstore.Row, serverDoc json.RawMessage, hdr docHeader) error {
	c := Conflict{
		Entity:          table,
		EntityID:        local.ID,
		Local:           local.Data,
		Server:          serverDoc,
		LocalUpdatedAt:  local.UpdatedAt,
		ServerUpdatedAt: hdr.UpdatedAt,
		LocalPending:    true,
		Strategy:        e.resolver.StrategyFor(table),
	}

	resolved, err := e.resolver.Resolve(c)
	if errors.Is(err, ErrManualResolution) {
		// Defer to the caller: persist both versions and flag the row.
		if err := tx.PutConflict(ctx, &localstore.ConflictRecord{
			Entity:          table,
			EntityID:        local.ID,
			LocalVersion:    local.Data,
			ServerVersion:   serverDoc,
			LocalUpdatedAt:  local.UpdatedAt,
			ServerUpdatedAt: hdr.UpdatedAt,
			Strategy:        string(c.Strategy),
		}); err != nil {
			return err
		}
		local.SyncStatus = localstore.StatusConflict
		return tx.Put(ctx, table, local)
	}
	if err != nil {
		return fmt.Errorf("conflict resolution failed for %s.%s: %w", table, local.ID, err)
	}

	now := time.Now().UnixMilli()
	switch c.Strategy {
	case StrategyLocalWins, StrategyKeepBoth:
		// Local version stands; the queued mutation replays it in push.
		return nil
	case StrategyServerWins:
		if err := tx.DropPending(ctx, table, local.ID); err != nil {
			return err
		}
		return tx.Put(ctx, table, &localstore.Row{
			ID:           local.ID,
			Data:         serverDoc,
			SyncStatus:   localstore.StatusSynced,
			CreatedAt:    local.CreatedAt,
			UpdatedAt:    hdr.UpdatedAt,
			LastSyncedAt: now,
		})
	default:
		// Merged output: written back synced, never re-queued. The already
		// queued mutation carries the merged payload forward instead.
		if err := tx.Put(ctx, table, &localstore.Row{
			ID:           local.ID,
			Data:         resolved,
			SyncStatus:   localstore.StatusSynced,
			CreatedAt:    local.CreatedAt,
			UpdatedAt:    maxInt64(local.UpdatedAt, hdr.UpdatedAt),
			LastSyncedAt: now,
		}); err != nil {
			return err
		}
		return tx.UpdatePendingPayload(ctx, table, local.ID, resolved)
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
