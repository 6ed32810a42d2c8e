package localstore

import (
	"database/sql"
	"fmt"
)

// Owned entity tables. Every table uses the same row envelope: the business
// document lives in the data column as JSON and is opaque to the sync layer.
const (
	TableProfiles      = "profiles"
	TableMatches       = "matches"
	TableMessages      = "messages"
	TableJobs          = "jobs"
	TableSwipes        = "swipes"
	TableAchievements  = "achievements"
	TableConversations = "conversations"
	TablePreferences   = "preferences"
)

// EntityTables lists every owned entity table in schema order.
var EntityTables = []string{
	TableProfiles,
	TableMatches,
	TableMessages,
	TableJobs,
	TableSwipes,
	TableAchievements,
	TableConversations,
	TablePreferences,
}

var entityTableSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(EntityTables))
	for _, t := range EntityTables {
		m[t] = struct{}{}
	}
	return m
}()

func validTable(table string) error {
	if _, ok := entityTableSet[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

const entityTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	data           TEXT NOT NULL,
	sync_status    TEXT NOT NULL DEFAULT 'pending'
	               CHECK (sync_status IN ('synced','pending','syncing','conflict','error')),
	created_at     INTEGER NOT NULL DEFAULT 0,
	updated_at     INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER NOT NULL DEFAULT 0
)`

// initializeSchema creates all owned tables plus the sync bookkeeping tables.
func initializeSchema(db *sql.DB) error {
	// WAL keeps readers from blocking the sync writer; FKs are not used
	// between envelope tables but pragmas mirror the rest of the app.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	var stmts []string
	for _, table := range EntityTables {
		stmts = append(stmts,
			fmt.Sprintf(entityTableDDL, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sync_status ON %s(sync_status)`, table, table),
		)
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id              TEXT PRIMARY KEY,
			operation       TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			entity          TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			payload         TEXT,
			priority        TEXT NOT NULL DEFAULT 'medium'
			                CHECK (priority IN ('critical','high','medium','low')),
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 5,
			created_at      INTEGER NOT NULL,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_retry_at   INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending'
			                CHECK (status IN ('pending','processing','failed','completed')),
			error           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_claim ON sync_queue(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_id, status)`,

		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Detected conflicts are persisted so the server version survives
		// a restart while a manual resolution is outstanding.
		`CREATE TABLE IF NOT EXISTS conflicts (
			entity            TEXT NOT NULL,
			entity_id         TEXT NOT NULL,
			local_version     TEXT NOT NULL,
			server_version    TEXT NOT NULL,
			local_updated_at  INTEGER NOT NULL,
			server_updated_at INTEGER NOT NULL,
			strategy          TEXT NOT NULL,
			detected_at       INTEGER NOT NULL,
			PRIMARY KEY (entity, entity_id)
		)`,
	)

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
