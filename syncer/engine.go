// Package syncer implements the pull-then-push synchronization engine, the
// conflict resolver, and the background queue replay runtime for the HireWire
// client store.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// ErrNoToken is returned when no bearer credential is available for a
// request; the affected queue item fails and retries through backoff.
var ErrNoToken = errors.New("syncer: no bearer token available")

// DefaultSyncInterval is the periodic sync cadence.
const DefaultSyncInterval = 5 * time.Minute

// Status is the live sync state emitted to subscribers.
type Status struct {
	Online     bool   `json:"online"`
	Syncing    bool   `json:"syncing"`
	LastSyncAt int64  `json:"lastSyncAt,omitempty"`
	Pending    int64  `json:"pending"`
	Failed     int64  `json:"failed"`
	LastError  string `json:"lastError,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Resolver     Resolver      // defaults to DefaultResolver()
	Logger       *slog.Logger  // defaults to slog.Default()
	SyncInterval time.Duration // defaults to DefaultSyncInterval
}

// Engine orchestrates sync cycles over the local store: pull server deltas,
// drain the queue, record metadata. It is explicitly constructed and owns no
// global state; lifecycle is Start/Stop.
type Engine struct {
	pusher

	interval time.Duration

	online  atomic.Bool
	syncing atomic.Bool

	mu        sync.Mutex
	listeners map[int]func(Status)
	nextID    int
	status    Status

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// New creates a sync engine bound to a store and transport.
func New(store *localstore.Store, transport *Transport, opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = DefaultResolver()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	e := &Engine{
		pusher: pusher{
			store:     store,
			transport: transport,
			resolver:  opts.Resolver,
			logger:    opts.Logger.With("component", "syncer"),
		},
		interval:  opts.SyncInterval,
		listeners: make(map[int]func(Status)),
		wake:      make(chan struct{}, 1),
	}
	e.online.Store(true)
	e.status.Online = true
	return e
}

// Start launches the periodic sync loop and runs the bootstrap cycle.
// It returns after scheduling; cycles run on their own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if e.cancel != nil {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		// Application-launch bootstrap.
		if err := e.SyncNow(runCtx); err != nil {
			e.logger.Warn("bootstrap sync failed", "error", err)
		}

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-e.wake:
			}
			if err := e.SyncNow(runCtx); err != nil {
				e.logger.Warn("sync cycle failed", "error", err)
			}
		}
	}()
	return nil
}

// Stop cancels the sync loop and waits for any in-flight cycle to finish.
// An in-flight cycle is never cancelled mid-item.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

// Online reports the tracked connectivity state.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records a connectivity change. Coming online triggers a sync;
// going offline gates future cycles but lets an in-flight one finish.
func (e *Engine) SetOnline(online bool) {
	prev := e.online.Swap(online)
	e.emit(func(s *Status) { s.Online = online })
	if online && !prev {
		e.logger.Info("network restored, scheduling sync")
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	if !online && prev {
		e.logger.Info("network lost, sync paused")
	}
}

// Subscribe registers a status listener and returns its unsubscribe func.
// The listener immediately receives the current status.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	current := e.status
	e.mu.Unlock()

	fn(current)
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emit(mutate func(*Status)) {
	e.mu.Lock()
	mutate(&e.status)
	status := e.status
	fns := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// SyncNow runs one pull-then-push cycle. A cycle already in flight or an
// offline device makes this a no-op. A pull failure aborts the whole cycle
// and leaves the queue untouched; push item failures are recorded per item.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.online.Load() {
		e.logger.Debug("skipping sync, offline")
		return nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("skipping sync, cycle already active")
		return nil
	}
	defer e.syncing.Store(false)

	e.emit(func(s *Status) { s.Syncing = true; s.LastError = "" })
	err := e.runCycle(ctx)

	counts, cerr := e.store.QueueCounts(ctx)
	e.emit(func(s *Status) {
		s.Syncing = false
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastSyncAt = time.Now().UnixMilli()
		}
		if cerr == nil {
			s.Pending = counts.Pending + counts.Processing
			s.Failed = counts.Failed
		}
	})
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	since, err := e.store.MetaGetInt64(ctx, localstore.MetaLastPullAt)
	if err != nil {
		return err
	}
	cycleStart := time.Now().UnixMilli()

	pulled, err := e.pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	stats := e.drain(ctx)
	e.logger.Info("sync cycle finished",
		"pulled", pulled, "pushed", stats.Completed,
		"failed", stats.Failed, "conflicts", stats.Conflicts)

	if err := e.store.MetaSetInt64(ctx, localstore.MetaLastPullAt, cycleStart); err != nil {
		return err
	}
	return e.store.MetaSetInt64(ctx, localstore.MetaLastSyncAt, time.Now().UnixMilli())
}

// Conflicts lists outstanding conflicts awaiting manual resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]localstore.ConflictRecord, error) {
	return e.store.ListConflicts(ctx)
}

// ResolveManual applies a caller-chosen winner for a deferred conflict. The
// winner is written back as synced and outstanding local mutations for the
// entity are dropped so stale payloads are not replayed.
func (e *Engine) ResolveManual(ctx context.Context, entity, entityID string, winner json.RawMessage) error {
	return e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		now := time.Now().UnixMilli()
		if err := tx.Put(ctx, entity, &localstore.Row{
			ID:           entityID,
			Data:         winner,
			SyncStatus:   localstore.StatusSynced,
			UpdatedAt:    now,
			LastSyncedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.DropPending(ctx, entity, entityID); err != nil {
			return err
		}
		return tx.DeleteConflict(ctx, entity, entityID)
	})
}
