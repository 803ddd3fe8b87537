// Package provider defines the abstract contract SyncEngine uses to talk
// to a remote cloud-storage account. It deliberately knows nothing about
// any concrete provider's wire format — concrete adapters (Google
// Drive's Changes API, OneDrive's Graph delta API, ...) live in their
// own packages and implement Client.
package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors a Client implementation may return. SyncEngine type
// switches on these via errors.Is, never on provider-specific types.
var (
	// ErrTokenExpired means token refresh failed unrecoverably; the
	// sync must abort for this account.
	ErrTokenExpired = errors.New("provider: token expired")

	// ErrNotFound means a file ID has no corresponding remote object.
	ErrNotFound = errors.New("provider: file not found")

	// ErrNotDownloadable means the file cannot be fetched as bytes
	// (e.g. a native cloud document with no export path, or a
	// shortcut).
	ErrNotDownloadable = errors.New("provider: file is not downloadable")
)

// File is a provider-reported file or folder's metadata at a point in
// time.
type File struct {
	ID           string
	Name         string
	MimeType     string
	Size         *int64
	ModifiedTime *time.Time
	Checksum     string
	Parents      []string
	Trashed      bool
	ETag         string

	// ExportExtension is set by the adapter when this file is a
	// cloud-native document downloaded via export rather than raw
	// bytes (e.g. a Google Doc exported to .docx). SyncEngine appends
	// it to the sanitized filename when Name does not already carry
	// it (spec §4.3 "Downloadability rules").
	ExportExtension string
}

// IsFolder reports whether this File represents a folder rather than
// downloadable content.
func (f File) IsFolder() bool {
	return f.MimeType == FolderMimeType
}

// FolderMimeType is the provider-neutral sentinel mime type SyncEngine
// checks for folder classification (§4.3 "mimeType == folder").
// Concrete adapters translate their own folder mime type to this value.
const FolderMimeType = "application/vnd.backup.folder"

// Change is one entry from a provider's change stream.
type Change struct {
	FileID     string
	Removed    bool
	File       *File
	ChangeType string
	Time       time.Time
}

// ChangeBatch is one page of the change stream plus the engine's
// resume point after consuming it.
type ChangeBatch struct {
	Changes []Change

	// NewStartPageToken is set by ListChanges/IterAllChanges when the
	// provider signals there are no more pages — it becomes the next
	// sync's starting cursor.
	NewStartPageToken string

	// NextPageToken is set when more pages remain.
	NextPageToken string
}

// Client is the seam SyncEngine depends on. A concrete adapter (see
// internal/driveapi for a worked example) implements this against one
// provider's HTTP API.
type Client interface {
	// RefreshTokensIfNeeded refreshes the account's access token if it
	// is expired or near expiry. Returns whether a refresh occurred.
	// Returns ErrTokenExpired if no usable token can be produced.
	RefreshTokensIfNeeded(ctx context.Context) (refreshed bool, err error)

	// GetStartPageToken returns the opaque cursor marking "now" in the
	// change stream, used as the terminal token for an initial sync.
	GetStartPageToken(ctx context.Context) (token string, err error)

	// ListChanges fetches one page of changes starting at pageToken.
	ListChanges(ctx context.Context, pageToken string, pageSize int) (ChangeBatch, error)

	// IterAllChanges calls yield once per page starting at startToken,
	// stopping when the provider reports no more pages (a page with
	// NewStartPageToken set) or yield returns false. It returns the
	// final resume token.
	IterAllChanges(ctx context.Context, startToken string, yield func(ChangeBatch) bool) (finalToken string, err error)

	// GetFileMetadata fetches a single file's current metadata.
	GetFileMetadata(ctx context.Context, fileID string) (File, error)

	// DownloadToStream streams a file's content (or, for cloud-native
	// documents, its exported bytes) into w. Returns the number of
	// bytes written. Returns ErrNotDownloadable for folders, shortcuts,
	// and documents with no export mapping.
	DownloadToStream(ctx context.Context, fileID string, w io.Writer) (bytesWritten int64, err error)
}
