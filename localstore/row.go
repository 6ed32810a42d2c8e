package localstore

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// SyncStatus tracks where an entity row stands relative to the server.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// Row is the envelope shared by every owned entity table. Data holds the
// business document as JSON; the sync layer never interprets it beyond the
// reference fields registered for ID reconciliation.
type Row struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	SyncStatus   SyncStatus      `json:"syncStatus"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	LastSyncedAt int64           `json:"lastSyncedAt"`
}

const localIDPrefix = "local:"

// NewLocalID returns a temporary identifier for an entity created before its
// first server round-trip. The engine swaps it for the server-assigned ID
// during push reconciliation.
func NewLocalID() string {
	return localIDPrefix + uuid.New().String()
}

// IsLocalID reports whether id is a client-generated temporary identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
