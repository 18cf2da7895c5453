package model

import "time"

// Sync statuses for a project's analytics provisioning record.
// Transitions for a single project are always observed in the order
// pending -> syncing -> {synced | failed}; failed -> syncing is only
// reachable through a manual retry.
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
)

// Project is the primary-store record that requires a matching record in the
// analytics store before it is fully usable. ExternalID is minted once at
// creation time and never regenerated; it is the identity the analytics store
// upserts by, which is what makes a late duplicate provisioning call safe.
type Project struct {
	ID             int64                  `json:"-"`
	ProjectID      string                 `json:"project_id"`
	ExternalID     string                 `json:"external_id"`
	Name           string                 `json:"name"`
	OwnerID        string                 `json:"owner_id"`
	SyncStatus     string                 `json:"sync_status"`
	SyncError      *string                `json:"sync_error,omitempty"`
	SyncRetryCount int                    `json:"sync_retry_count"`
	MetaData       map[string]interface{} `json:"meta_data"`
	CreatedAt      time.Time              `json:"created_at"`
}

// IsValidSyncStatus reports whether s is one of the known sync statuses.
func IsValidSyncStatus(s string) bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}
