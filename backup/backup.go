// Package backup provides snapshot export/import and integrity
// check/auto-repair for the HireWire local store.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// SnapshotVersion tags the backup document format. Imports reject any other
// version outright; forward compatibility is not guaranteed.
const SnapshotVersion = 1

// AutoBackupRowLimit caps the store size eligible for auto-backup so the
// side channel stays bounded.
const AutoBackupRowLimit = 1000

// DefaultAutoBackupInterval is the auto-backup cadence.
const DefaultAutoBackupInterval = time.Hour

// ErrVersionMismatch is returned for backup documents of an unknown version.
var ErrVersionMismatch = errors.New("backup: incompatible snapshot version")

// Snapshot is the portable backup document covering every owned table.
type Snapshot struct {
	Version   int                         `json:"version"`
	Timestamp int64                       `json:"timestamp"`
	Stores    map[string][]localstore.Row `json:"stores"`
}

// Service exports, imports, and audits the local store.
type Service struct {
	store          *localstore.Store
	sidePath       string // auto-backup side channel file
	staleThreshold time.Duration
	logger         *slog.Logger
}

// NewService creates a backup service. sidePath is where auto-backups land;
// empty disables auto-backup.
func NewService(store *localstore.Store, sidePath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		sidePath:       sidePath,
		staleThreshold: StaleProcessingThreshold,
		logger:         logger.With("component", "backup"),
	}
}

// Export serializes every owned table into one snapshot document.
func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   SnapshotVersion,
		Timestamp: time.Now().UnixMilli(),
		Stores:    make(map[string][]localstore.Row, len(localstore.EntityTables)),
	}
	for _, table := range localstore.EntityTables {
		rows, err := s.store.List(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", table, err)
		}
		if rows == nil {
			rows = []localstore.Row{}
		}
		snap.Stores[table] = rows
	}
	return snap, nil
}

// ExportJSON exports the snapshot as an indented JSON document.
func (s *Service) ExportJSON(ctx context.Context) ([]byte, error) {
	snap, err := s.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// Import validates the snapshot version, then clears and repopulates every
// owned table in one transaction. A failure on any table commits nothing.
// Imported rows come back as synced; queued mutations do not survive a
// restore.
func (s *Service) Import(ctx context.Context, snap *Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, snap.Version, SnapshotVersion)
	}
	return s.store.WithTx(ctx, func(tx *localstore.Tx) error {
		if err := tx.ClearAll(ctx); err != nil {
			return err
		}
		for _, table := range localstore.EntityTables {
			rows := snap.Stores[table]
			for i := range rows {
				rows[i].SyncStatus = localstore.StatusSynced
			}
			if err := tx.BulkPut(ctx, table, rows); err != nil {
				return fmt.Errorf("failed to import %s: %w", table, err)
			}
		}
		return nil
	})
}

// ImportJSON parses and imports a snapshot document.
func (s *Service) ImportJSON(ctx context.Context, data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return s.Import(ctx, &snap)
}

// AutoBackup snapshots to the side channel when the store is small enough.
// Oversized stores are skipped, not truncated.
func (s *Service) AutoBackup(ctx context.Context) error {
	if s.sidePath == "" {
		return nil
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Total >= AutoBackupRowLimit {
		s.logger.Debug("store too large for auto-backup", "rows", stats.Total)
		return nil
	}

	data, err := s.ExportJSON(ctx)
	if err != nil {
		return err
	}
	tmp := s.sidePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.sidePath), 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write auto-backup: %w", err)
	}
	if err := os.Rename(tmp, s.sidePath); err != nil {
		return fmt.Errorf("failed to finalize auto-backup: %w", err)
	}
	s.logger.Debug("auto-backup written", "path", s.sidePath, "rows", stats.Total)
	return nil
}

// RestoreAutoBackup imports the side-channel snapshot if one exists.
func (s *Service) RestoreAutoBackup(ctx context.Context) (bool, error) {
	if s.sidePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.sidePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read auto-backup: %w", err)
	}
	if err := s.ImportJSON(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}

// AutoBackupInfo reports whether a side-channel snapshot exists and when it
// was taken.
func (s *Service) AutoBackupInfo() (exists bool, timestamp int64) {
	if s.sidePath == "" {
		return false, 0
	}
	data, err := os.ReadFile(s.sidePath)
	if err != nil {
		return false, 0
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, 0
	}
	return true, snap.Timestamp
}

// DeleteAutoBackup removes the side-channel snapshot.
func (s *Service) DeleteAutoBackup() error {
	if s.sidePath == "" {
		return nil
	}
	if err := os.Remove(s.sidePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete auto-backup: %w", err)
	}
	return nil
}

// RunAutoBackup snapshots on the given cadence until ctx is cancelled.
func (s *Service) RunAutoBackup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultAutoBackupInterval
	}
	if err := s.AutoBackup(ctx); err != nil {
		s.logger.Warn("auto-backup failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.AutoBackup(ctx); err != nil {
				s.logger.Warn("auto-backup failed", "error", err)
			}
		}
	}
}
