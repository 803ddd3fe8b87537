// Package blobstore implements content-addressed storage for backup
// content. Each account gets its own tree:
//
//	<root>/<provider>/<account_id>/
//		current/   human-browsable materialized tree
//		blobs/sha256/<aa>/<bb>/<hex digest>   immutable content blobs
//		tmp/       in-progress writes
//		archive/   quarantined files pending purge
//
// The blob layout mirrors the sharded content-addressable scheme used by
// container registries (two levels of the digest's hex prefix), which
// keeps any single directory from accumulating too many entries.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrDigestMismatch is returned when a blob's actual content digest does
// not match the digest it was supposed to have.
var ErrDigestMismatch = errors.New("blobstore: digest mismatch")

// ErrBlobNotFound is returned when a digest has no corresponding blob on
// disk.
var ErrBlobNotFound = errors.New("blobstore: blob not found")

const (
	algoSHA256   = "sha256"
	digestHexLen = 64
)

// Digest formats a sha256 digest the way the catalog and provider layers
// expect it: "sha256:<hex>".
func Digest(hexValue string) string {
	return algoSHA256 + ":" + hexValue
}

// ParseDigest splits "sha256:<hex>" into its algorithm and hex components.
func ParseDigest(digest string) (algo, hexValue string, err error) {
	algo, hexValue, ok := strings.Cut(digest, ":")
	if !ok {
		return "", "", fmt.Errorf("blobstore: invalid digest format %q", digest)
	}

	if algo != algoSHA256 {
		return "", "", fmt.Errorf("blobstore: unsupported digest algorithm %q", algo)
	}

	if len(hexValue) != digestHexLen {
		return "", "", fmt.Errorf("blobstore: invalid digest length %d", len(hexValue))
	}

	return algo, hexValue, nil
}

// Store is content-addressed storage scoped to a single account.
type Store struct {
	root       string
	currentDir string
	blobsDir   string
	tmpDir     string
	archiveDir string
	logger     *slog.Logger
}

// New returns a Store rooted at backupRoot/provider/accountID. Call
// EnsureDirectories before first use.
func New(backupRoot, provider string, accountID int64, logger *slog.Logger) *Store {
	root := filepath.Join(backupRoot, provider, fmt.Sprintf("%d", accountID))

	return &Store{
		root:       root,
		currentDir: filepath.Join(root, "current"),
		blobsDir:   filepath.Join(root, "blobs"),
		tmpDir:     filepath.Join(root, "tmp"),
		archiveDir: filepath.Join(root, "archive"),
		logger:     logger,
	}
}

// EnsureDirectories creates the account's directory skeleton.
func (s *Store) EnsureDirectories() error {
	for _, dir := range []string{s.currentDir, s.blobsDir, s.tmpDir, s.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("blobstore: creating %s: %w", dir, err)
		}
	}

	return nil
}

// blobPath computes the sharded on-disk path for a digest:
// blobs/sha256/<hex[:2]>/<hex[2:4]>/<hex>.
func (s *Store) blobPath(digest string) (string, error) {
	algo, hexValue, err := ParseDigest(digest)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.blobsDir, algo, hexValue[:2], hexValue[2:4], hexValue), nil
}

// BlobExists reports whether a blob is present on disk.
func (s *Store) BlobExists(digest string) (bool, error) {
	path, err := s.blobPath(digest)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return err == nil, err
}

// WriteBlob streams r into blob storage, computing its digest as it
// writes. If expectedDigest is non-empty the write is rejected with
// ErrDigestMismatch on divergence. Writes go to a uuid-named temp file
// first, fsynced, then renamed into place so a crash mid-write never
// leaves a partial blob at its content-addressed path. A blob that
// already exists is left untouched (existing blobs are read-only 0444)
// and the temp file is discarded.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader, expectedDigest string) (digest string, size int64, err error) {
	if err := s.EnsureDirectories(); err != nil {
		return "", 0, err
	}

	tmpPath := filepath.Join(s.tmpDir, uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: creating temp file: %w", err)
	}

	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	size, err = io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("blobstore: writing temp file: %w", err)
	}

	if err = f.Sync(); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("blobstore: fsyncing temp file: %w", err)
	}

	if err = f.Close(); err != nil {
		return "", 0, fmt.Errorf("blobstore: closing temp file: %w", err)
	}

	digest = Digest(fmt.Sprintf("%x", hasher.Sum(nil)))

	if expectedDigest != "" && digest != expectedDigest {
		err = fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expectedDigest, digest)
		return "", 0, err
	}

	blobPath, perr := s.blobPath(digest)
	if perr != nil {
		err = perr
		return "", 0, err
	}

	if _, statErr := os.Stat(blobPath); statErr == nil {
		os.Remove(tmpPath)
		return digest, size, nil
	}

	if err = os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore: creating blob directory: %w", err)
	}

	if err = os.Rename(tmpPath, blobPath); err != nil {
		return "", 0, fmt.Errorf("blobstore: renaming blob into place: %w", err)
	}

	if err = os.Chmod(blobPath, 0o444); err != nil {
		s.logger.Warn("blobstore: failed to mark blob read-only", slog.String("digest", digest), slog.Any("error", err))
		err = nil
	}

	return digest, size, nil
}

// verifyingReader wraps a blob file, hashing bytes as they are read and
// checking the digest against what's expected once the reader hits EOF
// or is closed early.
type verifyingReader struct {
	file     *os.File
	expected string
	hasher   hash.Hash
	verified bool
}

func newVerifyingReader(f *os.File, expected string) *verifyingReader {
	return &verifyingReader{file: f, expected: expected, hasher: sha256.New()}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.file.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
	}

	if err == io.EOF && !v.verified {
		if verr := v.verify(); verr != nil {
			return n, verr
		}
	}

	return n, err
}

func (v *verifyingReader) verify() error {
	if v.verified {
		return nil
	}

	v.verified = true
	actual := Digest(fmt.Sprintf("%x", v.hasher.Sum(nil)))

	if actual != v.expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, v.expected, actual)
	}

	return nil
}

func (v *verifyingReader) Close() error {
	if !v.verified {
		if _, err := io.Copy(io.Discard, v); err != nil && !errors.Is(err, ErrDigestMismatch) {
			v.file.Close()
			return err
		}
	}

	return v.file.Close()
}

// ReadBlob opens a blob for reading. When verify is true the returned
// ReadCloser re-hashes the content as it streams and returns
// ErrDigestMismatch from Read/Close if the content has been corrupted
// on disk.
func (s *Store) ReadBlob(digest string, verify bool) (io.ReadCloser, error) {
	path, err := s.blobPath(digest)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("blobstore: opening blob %s: %w", digest, err)
	}

	if verify {
		return newVerifyingReader(f, digest), nil
	}

	return f, nil
}

// ReadBlobBytes reads a blob's full content into memory.
func (s *Store) ReadBlobBytes(digest string, verify bool) ([]byte, error) {
	r, err := s.ReadBlob(digest, verify)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading blob %s: %w", digest, err)
	}

	return data, nil
}

// DeleteBlob removes a blob from disk, clearing its read-only bit first.
// It reports whether a blob was actually present. Empty shard
// directories left behind are cleaned up back up to blobsDir.
func (s *Store) DeleteBlob(digest string) (bool, error) {
	path, err := s.blobPath(digest)
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}

	if err := os.Chmod(path, 0o644); err != nil {
		return false, fmt.Errorf("blobstore: clearing read-only bit on %s: %w", digest, err)
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("blobstore: removing blob %s: %w", digest, err)
	}

	s.cleanupEmptyDirs(filepath.Dir(path), s.blobsDir)

	return true, nil
}

// cleanupEmptyDirs removes dir and any now-empty ancestors, stopping at
// (and never removing) stopAt.
func (s *Store) cleanupEmptyDirs(dir, stopAt string) {
	for dir != stopAt {
		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// CurrentPath returns the absolute path a relative path would occupy in
// the current/ tree, without touching disk.
func (s *Store) CurrentPath(relativePath string) string {
	return filepath.Join(s.currentDir, relativePath)
}

// MaterializeToCurrent copies (or hardlinks, falling back to a copy on
// cross-filesystem errors) a blob into the browsable current/ tree at
// relativePath, replacing whatever was there.
func (s *Store) MaterializeToCurrent(digest, relativePath string, useHardlink bool) (string, error) {
	blobPath, err := s.blobPath(digest)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(blobPath); errors.Is(err, os.ErrNotExist) {
		return "", ErrBlobNotFound
	}

	targetPath := filepath.Join(s.currentDir, relativePath)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: creating parent directory for %s: %w", relativePath, err)
	}

	os.Remove(targetPath)

	if useHardlink {
		if err := os.Link(blobPath, targetPath); err == nil {
			return targetPath, nil
		}
	}

	if err := copyFile(blobPath, targetPath); err != nil {
		return "", fmt.Errorf("blobstore: materializing %s: %w", relativePath, err)
	}

	return targetPath, nil
}

// EnsureCurrentDir creates an empty directory at relativePath in the
// current/ tree, for folders that carry no blob of their own.
func (s *Store) EnsureCurrentDir(relativePath string) error {
	dir := filepath.Join(s.currentDir, relativePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating directory %s: %w", relativePath, err)
	}

	return nil
}

// RemoveFromCurrent deletes a path from the current/ tree and prunes any
// now-empty parent directories. It reports whether a file was present.
func (s *Store) RemoveFromCurrent(relativePath string) (bool, error) {
	targetPath := filepath.Join(s.currentDir, relativePath)

	if _, err := os.Stat(targetPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err := os.Remove(targetPath); err != nil {
		return false, fmt.Errorf("blobstore: removing %s: %w", relativePath, err)
	}

	s.cleanupEmptyDirs(filepath.Dir(targetPath), s.currentDir)

	return true, nil
}

// MoveToArchive moves a file from current/ to archive/, used to quarantine
// a PRE_DELETE tombstone's materialized content (spec §4.3). Returns the
// archive path, or "" if nothing was at relativePath.
func (s *Store) MoveToArchive(relativePath string) (string, error) {
	return s.moveBetween(s.currentDir, s.archiveDir, relativePath)
}

// RestoreFromArchive moves a file from archive/ back to current/.
func (s *Store) RestoreFromArchive(relativePath string) (string, error) {
	return s.moveBetween(s.archiveDir, s.currentDir, relativePath)
}

func (s *Store) moveBetween(fromDir, toDir, relativePath string) (string, error) {
	sourcePath := filepath.Join(fromDir, relativePath)

	if _, err := os.Stat(sourcePath); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	targetPath := filepath.Join(toDir, relativePath)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: creating parent directory for %s: %w", relativePath, err)
	}

	os.Remove(targetPath)

	if err := os.Rename(sourcePath, targetPath); err != nil {
		if err := copyFile(sourcePath, targetPath); err != nil {
			return "", fmt.Errorf("blobstore: moving %s: %w", relativePath, err)
		}

		os.Remove(sourcePath)
	}

	s.cleanupEmptyDirs(filepath.Dir(sourcePath), fromDir)

	return targetPath, nil
}

// DeleteArchivedFile removes a quarantined file's materialized copy from
// archive/, pruning empty parent directories. Used by GC's
// quarantine-expiry phase (spec §4.4 Phase 3) once an item crosses from
// QUARANTINED to PURGED. Reports whether a file was actually present.
func (s *Store) DeleteArchivedFile(relativePath string) (bool, error) {
	path := filepath.Join(s.archiveDir, relativePath)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("blobstore: removing archived file %s: %w", relativePath, err)
	}

	s.cleanupEmptyDirs(filepath.Dir(path), s.archiveDir)

	return true, nil
}

// Stats reports aggregate blob and current-tree counts for this account,
// used by the status CLI command.
type Stats struct {
	BlobCount        int64
	TotalSizeBytes   int64
	CurrentFileCount int64
}

// Stats walks blobs/ and current/ to compute storage statistics.
func (s *Store) Stats() (Stats, error) {
	var st Stats

	err := filepath.Walk(s.blobsDir, func(path string, info os.FileInfo, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		if err != nil {
			return err
		}

		if !info.IsDir() {
			st.BlobCount++
			st.TotalSizeBytes += info.Size()
		}

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("blobstore: walking blobs directory: %w", err)
	}

	err = filepath.Walk(s.currentDir, func(path string, info os.FileInfo, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		if err != nil {
			return err
		}

		if !info.IsDir() {
			st.CurrentFileCount++
		}

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("blobstore: walking current directory: %w", err)
	}

	return st, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
