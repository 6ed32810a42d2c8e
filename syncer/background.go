package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// BackgroundOptions configures a Background runner.
type BackgroundOptions struct {
	Resolver   Resolver      // defaults to DefaultResolver()
	Logger     *slog.Logger  // defaults to slog.Default()
	Interval   time.Duration // wake cadence, defaults to 15 minutes
	BackoffMin time.Duration // defaults to 1s
	BackoffMax time.Duration // defaults to 60s
	// OnComplete is invoked after a pass that pushed at least one item, so a
	// foreground context can refresh cached state from the store.
	OnComplete func(pushed int)
}

// Background replays the sync queue outside the foreground engine: same
// store, same push path, same retry bookkeeping. It never races the engine
// incompatibly because the queue's per-entity processing claim lives in the
// store, not in process memory.
type Background struct {
	pusher

	interval   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	onComplete func(int)
	wake       chan struct{}
}

// NewBackground creates a background queue replay runner.
func NewBackground(store *localstore.Store, transport *Transport, opts BackgroundOptions) *Background {
	if opts.Resolver == nil {
		opts.Resolver = DefaultResolver()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	logger := opts.Logger.With("component", "background")
	return &Background{
		pusher: pusher{
			store:     store,
			transport: transport,
			resolver:  opts.Resolver,
			logger:    logger,
		},
		interval:   opts.Interval,
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
		onComplete: opts.OnComplete,
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate replay pass, typically on a connectivity-restored
// or push event. Safe to call from any goroutine; coalesces when one is
// already requested.
func (b *Background) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run replays the queue until the context is cancelled. Failed passes back
// off exponentially between the configured bounds; a clean pass resets the
// backoff.
func (b *Background) Run(ctx context.Context) error {
	backoff := b.backoffMin
	timer := time.NewTimer(b.interval)
	defer timer.Stop()

	for {
		// A crashed foreground cycle can leave claims behind; release them
		// before draining so this runtime can pick the items up.
		if reset, err := b.store.ResetStaleProcessing(ctx, 5*time.Minute); err == nil && reset > 0 {
			b.logger.Info("released stale processing claims", "count", reset)
		}

		stats := b.drain(ctx)
		if stats.Completed > 0 || stats.Conflicts > 0 {
			b.logger.Info("background replay finished",
				"pushed", stats.Completed, "failed", stats.Failed, "conflicts", stats.Conflicts)
			if b.onComplete != nil {
				b.onComplete(stats.Completed)
			}
		}

		wait := b.interval
		if stats.Failed > 0 {
			wait = backoff
			backoff *= 2
			if backoff > b.backoffMax {
				backoff = b.backoffMax
			}
		} else {
			backoff = b.backoffMin
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-b.wake:
		}
	}
}

// PendingCounts reports live queue status for the hosting process.
func (b *Background) PendingCounts(ctx context.Context) (*localstore.QueueCounts, error) {
	return b.store.QueueCounts(ctx)
}
