package driveapi

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/ahosio/cloudbackup/internal/provider"
)

// folderMimeType is the literal Drive API mime type for a folder.
const folderMimeType = "application/vnd.google-apps.folder"

// exportInfo is the export MIME type and file extension a Drive native
// document is fetched as, since it has no raw byte representation.
type exportInfo struct {
	mimeType  string
	extension string
}

// exportableTypes maps a Drive native-document mime type to the format
// it is exported as. Grounded on original_source/backup/providers/
// google_drive.py's GOOGLE_DOC_TYPES table.
var exportableTypes = map[string]exportInfo{
	"application/vnd.google-apps.document": {
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx",
	},
	"application/vnd.google-apps.spreadsheet": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx",
	},
	"application/vnd.google-apps.presentation": {
		"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx",
	},
	"application/vnd.google-apps.drawing": {"application/pdf", ".pdf"},
	"application/vnd.google-apps.form":    {"application/pdf", ".pdf"},
	"application/vnd.google-apps.script":  {"application/vnd.google-apps.script+json", ".json"},
}

// nonDownloadableTypes are native types with no byte content and no
// export mapping: shortcuts and embedded-app surfaces. Grounded on
// google_drive.py's NON_DOWNLOADABLE_TYPES (folder is handled
// separately via File.IsFolder).
var nonDownloadableTypes = map[string]struct{}{
	"application/vnd.google-apps.shortcut":    {},
	"application/vnd.google-apps.map":         {},
	"application/vnd.google-apps.site":        {},
	"application/vnd.google-apps.fusiontable": {},
}

// exportInfoFor reports the export mime type and extension for a Drive
// native-document mime type, or ok=false if mimeType is not exportable.
func exportInfoFor(mimeType string) (info exportInfo, ok bool) {
	info, ok = exportableTypes[mimeType]
	return info, ok
}

// isNonDownloadable reports whether mimeType identifies a native type
// with no byte content and no export mapping.
func isNonDownloadable(mimeType string) bool {
	_, ok := nonDownloadableTypes[mimeType]
	return ok
}

// fileResource mirrors the Drive API v3 "files" resource, trimmed to
// the fields this system needs.
type fileResource struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Size         string   `json:"size"`
	ModifiedTime string   `json:"modifiedTime"`
	MD5Checksum  string   `json:"md5Checksum"`
	Parents      []string `json:"parents"`
	Trashed      bool     `json:"trashed"`
	Version      string   `json:"version"`
}

// toFile normalizes a Drive API file resource into provider.File.
// Version doubles as an etag surrogate — Drive's v3 API has no
// literal "etag" field, but "version" strictly increases on every
// content or metadata change, which is the property §4.3's
// change-detection rule actually needs.
func (fr fileResource) toFile(logger *slog.Logger) provider.File {
	f := provider.File{
		ID:       fr.ID,
		Name:     fr.Name,
		MimeType: fr.MimeType,
		Parents:  fr.Parents,
		Trashed:  fr.Trashed,
		Checksum: fr.MD5Checksum,
		ETag:     fr.Version,
	}

	if fr.MimeType == folderMimeType {
		f.MimeType = provider.FolderMimeType
	}

	if info, ok := exportableTypes[fr.MimeType]; ok {
		f.ExportExtension = info.extension
	}

	if fr.Size != "" {
		if size, err := strconv.ParseInt(fr.Size, 10, 64); err == nil {
			f.Size = &size
		} else {
			logger.Warn("driveapi: unparsable file size", slog.String("file_id", fr.ID), slog.String("size", fr.Size))
		}
	}

	if fr.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, fr.ModifiedTime); err == nil {
			f.ModifiedTime = &t
		} else {
			logger.Warn("driveapi: unparsable modifiedTime", slog.String("file_id", fr.ID), slog.String("raw", fr.ModifiedTime))
		}
	}

	return f
}

// changeResource mirrors one entry of the Drive API v3
// "changes.list" response.
type changeResource struct {
	FileID  string        `json:"fileId"`
	Removed bool          `json:"removed"`
	Time    string        `json:"time"`
	File    *fileResource `json:"file"`
}

func (cr changeResource) toChange(logger *slog.Logger) provider.Change {
	ch := provider.Change{
		FileID:  cr.FileID,
		Removed: cr.Removed,
	}

	if cr.File != nil {
		f := cr.File.toFile(logger)
		ch.File = &f
	}

	if cr.Time != "" {
		if t, err := time.Parse(time.RFC3339, cr.Time); err == nil {
			ch.Time = t
		}
	}

	return ch
}

// changesListResponse mirrors the Drive API v3 "changes.list" response
// envelope.
type changesListResponse struct {
	Changes           []changeResource `json:"changes"`
	NextPageToken     string           `json:"nextPageToken"`
	NewStartPageToken string           `json:"newStartPageToken"`
}

// startPageTokenResponse mirrors "changes.getStartPageToken".
type startPageTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}
