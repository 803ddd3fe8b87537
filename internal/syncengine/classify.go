package syncengine

import (
	"strings"

	"github.com/ahosio/cloudbackup/internal/provider"
)

// changeKind is the result of classifying one provider.Change per spec
// §4.3 "Change classification".
type changeKind int

const (
	kindDeletion changeKind = iota
	kindFolder
	kindFile

	// kindSkip is a change with removed=false and no file metadata —
	// spec §6 declares file optional on a change, so this is valid
	// input, not an error. The original guards the same case
	// (engine.py's "if change.file").
	kindSkip
)

func classify(c provider.Change) changeKind {
	if c.Removed || (c.File != nil && c.File.Trashed) {
		return kindDeletion
	}

	if c.File == nil {
		return kindSkip
	}

	if c.File.IsFolder() {
		return kindFolder
	}

	return kindFile
}

// resolvedFileName appends the export extension to f.Name when the
// provider reported this file as an exported cloud-native document and
// the name does not already carry that extension (spec §4.3
// "Downloadability rules").
func resolvedFileName(f *provider.File) string {
	if f.ExportExtension == "" {
		return f.Name
	}

	if strings.HasSuffix(strings.ToLower(f.Name), strings.ToLower(f.ExportExtension)) {
		return f.Name
	}

	return f.Name + f.ExportExtension
}

// resolveParent derives the (parentID, isRootLevel) pair PathBuilder
// needs from a file's reported parents and the SyncRoot's own provider
// ID: a file whose only parent is the root is root-level.
func resolveParent(f *provider.File, providerRootID string) (parentID string, isRootLevel bool) {
	if len(f.Parents) == 0 {
		return "", true
	}

	for _, p := range f.Parents {
		if p == providerRootID {
			return "", true
		}
	}

	return f.Parents[0], false
}
