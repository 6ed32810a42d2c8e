package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// pusher drains the sync queue against the server. The foreground engine and
// the background runtime embed the same pusher so retry bookkeeping and the
// per-entity processing claim behave identically in both.
type pusher struct {
	store     *localstore.Store
	transport *Transport
	resolver  Resolver
	logger    *slog.Logger
}

// pushStats summarizes one drain pass.
type pushStats struct {
	Completed int
	Failed    int
	Conflicts int
}

// drain claims and pushes queue items one at a time until nothing is ready.
// Sequential processing preserves per-entity ordering; one item's failure
// never aborts the pass.
func (p *pusher) drain(ctx context.Context) pushStats {
	var stats pushStats
	for {
		select {
		case <-ctx.Done():
			return stats
		default:
		}

		item, err := p.store.ClaimNext(ctx)
		if err != nil {
			p.logger.Error("failed to claim queue item", "error", err)
			return stats
		}
		if item == nil {
			return stats
		}

		if err := p.pushItem(ctx, item); err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.IsConflict() {
				// Server re-diverged under us; hand the entity to the
				// resolver instead of blind-retrying a stale assumption.
				if cerr := p.recordPushConflict(ctx, item, httpErr); cerr != nil {
					p.logger.Error("failed to record push conflict", "item", item.ID, "error", cerr)
				}
				if cerr := p.store.Complete(ctx, item.ID); cerr != nil {
					p.logger.Error("failed to complete conflicted item", "item", item.ID, "error", cerr)
				}
				stats.Conflicts++
				continue
			}
			if ferr := p.store.Fail(ctx, item.ID, err); ferr != nil {
				p.logger.Error("failed to record item failure", "item", item.ID, "error", ferr)
			}
			stats.Failed++
			p.logger.Warn("push failed",
				"item", item.ID, "entity", item.Entity, "entityId", item.EntityID,
				"attempt", item.Attempts+1, "error", err)
			continue
		}
		stats.Completed++
	}
}

func (p *pusher) pushItem(ctx context.Context, item *localstore.QueueItem) error {
	var baseUpdatedAt int64
	if row, err := p.store.Get(ctx, item.Entity, item.EntityID); err == nil {
		baseUpdatedAt = row.LastSyncedAt
	}

	result, err := p.transport.Push(ctx, item, baseUpdatedAt)
	if err != nil {
		return err
	}

	// Completion and the follow-up bookkeeping commit as a unit: the queue
	// item must not disappear while a temporary ID is still in place.
	return p.store.WithTx(ctx, func(tx *localstore.Tx) error {
		if err := tx.Complete(ctx, item.ID); err != nil {
			return err
		}
		switch {
		case item.Operation == localstore.OpCreate && result.ServerID != "" && result.ServerID != item.EntityID:
			return tx.ReconcileID(ctx, item.Entity, item.EntityID, result.ServerID)
		case item.Operation == localstore.OpDelete:
			return nil
		default:
			return tx.MarkSynced(ctx, item.Entity, item.EntityID)
		}
	})
}

// recordPushConflict persists a 409 rejection as a resolvable conflict. The
// response body carries the current server version when available.
func (p *pusher) recordPushConflict(ctx context.Context, item *localstore.QueueItem, httpErr *HTTPError) error {
	serverDoc := httpErr.Body
	serverAt := int64(0)
	if hdr, err := parseHeader(serverDoc); err == nil {
		serverAt = hdr.UpdatedAt
	} else {
		serverDoc = []byte("null")
	}

	strategy := StrategyManual
	if p.resolver != nil {
		strategy = p.resolver.StrategyFor(item.Entity)
	}

	return p.store.WithTx(ctx, func(tx *localstore.Tx) error {
		localDoc := item.Payload
		localAt := time.Now().UnixMilli()
		local, err := tx.Get(ctx, item.Entity, item.EntityID)
		switch {
		case err == nil:
			localDoc = local.Data
			localAt = local.UpdatedAt
		case !errors.Is(err, localstore.ErrNotFound):
			return err
		}
		if localDoc == nil {
			localDoc = []byte("null")
		}

		if err := tx.PutConflict(ctx, &localstore.ConflictRecord{
			Entity:          item.Entity,
			EntityID:        item.EntityID,
			LocalVersion:    localDoc,
			ServerVersion:   serverDoc,
			LocalUpdatedAt:  localAt,
			ServerUpdatedAt: serverAt,
			Strategy:        string(strategy),
		}); err != nil {
			return err
		}
		if local != nil {
			local.SyncStatus = localstore.StatusConflict
			return tx.Put(ctx, item.Entity, local)
		}
		return nil
	})
}
