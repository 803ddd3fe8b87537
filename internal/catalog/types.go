// Package catalog persists the durable metadata of the backup engine:
// accounts, sync roots, backup items, blobs, file versions, retention
// policies, sync sessions, and sync events. It is the single source of
// truth the sync engine and garbage collector read and write through;
// BlobStore holds bytes, Catalog holds facts about them.
package catalog

import "time"

// Provider identifies a remote storage backend.
type Provider string

const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderOneDrive    Provider = "onedrive"
)

// ItemType distinguishes files from folders.
type ItemType string

const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// ItemState is the deletion-state machine described in spec §4.3.
type ItemState string

const (
	StateActive          ItemState = "active"
	StateMissingUpstream ItemState = "missing_upstream"
	StateQuarantined     ItemState = "quarantined"
	StateDeletedUpstream ItemState = "deleted_upstream"
	StatePurged          ItemState = "purged"
)

// VersionReason records why a FileVersion was captured.
type VersionReason string

const (
	ReasonUpdate         VersionReason = "update"
	ReasonPreDelete      VersionReason = "pre_delete"
	ReasonManualSnapshot VersionReason = "manual_snapshot"
	ReasonConflict       VersionReason = "conflict"
	ReasonRestorePoint   VersionReason = "restore_point"
)

// SessionStatus is the lifecycle state of a SyncSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPartial   SessionStatus = "partial"
)

// EventType enumerates the append-only SyncEvent kinds.
type EventType string

const (
	EventFileAdded       EventType = "file_added"
	EventFileUpdated     EventType = "file_updated"
	EventFileDeleted     EventType = "file_deleted"
	EventFileQuarantined EventType = "file_quarantined"
	EventError           EventType = "error"
	EventCheckpoint      EventType = "checkpoint"
)

// Account is a credential-holding principal. Tokens live outside the
// catalog, in the secrets file (internal/secrets), keyed by
// "<provider>:<email>".
type Account struct {
	ID                  int64
	Provider            Provider
	Name                string
	Email               string
	IsActive            bool
	SyncIntervalMinutes int
	NextSyncAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SyncRoot is a subtree of an account's remote storage being replicated.
type SyncRoot struct {
	ID             int64
	AccountID      int64
	ProviderRootID string
	Name           string
	SyncCursor     string
	LastSyncAt     *time.Time
	IsEnabled      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BackupItem is a logical file or folder known to the system.
type BackupItem struct {
	ID                    int64
	SyncRootID            int64
	ProviderItemID        string
	Name                  string
	Path                  string
	ItemType              ItemType
	MimeType              string
	SizeBytes             *int64
	ProviderModifiedAt    *time.Time
	ETag                  string
	State                 ItemState
	StateChangedAt        time.Time
	MissingSinceSyncCount int
	LastSeenAt            *time.Time
	ParentID              *int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// BackupBlob is an immutable byte payload identified by content digest.
type BackupBlob struct {
	Digest    string
	AccountID int64
	SizeBytes int64
	CreatedAt time.Time
}

// FileVersion is a historical capture of a BackupItem's content.
type FileVersion struct {
	ID                int64
	AccountID         int64
	BackupItemID      int64
	BlobDigest        string
	ObservedPath      string
	ETagOrRevision    string
	ContentModifiedAt *time.Time
	CapturedAt        time.Time
	Reason            VersionReason
}

// RetentionPolicy is either account-scoped or sync-root-scoped (at most
// one of AccountID/SyncRootID is set).
type RetentionPolicy struct {
	ID              int64
	AccountID       *int64
	SyncRootID      *int64
	KeepLastN       int
	KeepDays        int
	MaxStorageBytes *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncSession is one sync run of one SyncRoot.
type SyncSession struct {
	ID               int64
	SyncRootID       int64
	StartedAt        time.Time
	CompletedAt      *time.Time
	IsInitial        bool
	StartCursor      string
	EndCursor        string
	Status           SessionStatus
	FilesAdded       int
	FilesUpdated     int
	FilesDeleted     int
	FilesQuarantined int
	BytesDownloaded  int64
	ErrorMessage     string
}

// SyncEvent is an append-only audit record within a session.
type SyncEvent struct {
	ID             int64
	SessionID      int64
	Timestamp      time.Time
	EventType      EventType
	BackupItemID   *int64
	ProviderFileID string
	FilePath       string
	Message        string
}
