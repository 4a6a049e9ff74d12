package distdb

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// partitions mirrors spec.md §4.C's cache layout: "Top-level partitions by
// artifact kind: wheels/, builds/, sdists/, git/, archives/, http-v*/."
var partitions = []string{"wheels", "builds", "sdists", "git", "archives", "http-v1"}

// sentinelFile marks a cache entry directory as fully written; readers use
// its presence to tolerate concurrent in-progress writes from other
// processes sharing the cache directory, per spec.md §4.C/§5.
const sentinelFile = ".complete"

// ArtifactCache is the partitioned, content-addressed artifact cache
// spec.md §4.C describes. Writes go to a tempdir sibling within the
// partition and are atomically renamed into place so the cache is safe to
// share across concurrent processes.
type ArtifactCache struct {
	root string
}

// NewArtifactCache creates (if needed) the cache root and its partitions.
func NewArtifactCache(root string) (*ArtifactCache, error) {
	for _, p := range partitions {
		if err := os.MkdirAll(filepath.Join(root, p), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache partition %s: %w", p, err)
		}
	}

	return &ArtifactCache{root: root}, nil
}

func (c *ArtifactCache) entryDir(partition, key string) string {
	return filepath.Join(c.root, partition, key)
}

// Lookup returns the directory for (partition, key) if a complete entry
// exists.
func (c *ArtifactCache) Lookup(partition, key string) (string, bool) {
	dir := c.entryDir(partition, key)

	if _, err := os.Stat(filepath.Join(dir, sentinelFile)); err != nil {
		return "", false
	}

	return dir, true
}

// Put materializes a new entry: populate(tmpDir) should write the unpacked
// payload into tmpDir, which Put then atomically renames into place. If an
// entry already exists (e.g. a racing writer won), Put discards tmpDir and
// returns the existing directory, per spec.md §3's "created at most once
// per key by exactly one worker" cache-entry lifecycle.
func (c *ArtifactCache) Put(partition, key string, populate func(tmpDir string) error) (string, error) {
	if dir, ok := c.Lookup(partition, key); ok {
		return dir, nil
	}

	partDir := filepath.Join(c.root, partition)
	tmpDir, err := os.MkdirTemp(partDir, "tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp cache entry: %w", err)
	}

	if err := populate(tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)

		return "", err
	}

	if err := os.WriteFile(filepath.Join(tmpDir, sentinelFile), nil, 0o644); err != nil {
		_ = os.RemoveAll(tmpDir)

		return "", fmt.Errorf("writing cache sentinel: %w", err)
	}

	dest := c.entryDir(partition, key)

	if err := os.Rename(tmpDir, dest); err != nil {
		if _, ok := c.Lookup(partition, key); ok {
			_ = os.RemoveAll(tmpDir)

			return dest, nil
		}

		_ = os.RemoveAll(tmpDir)

		return "", fmt.Errorf("renaming cache entry into place: %w", err)
	}

	return dest, nil
}

// unzip extracts a zip archive (a wheel) into destDir, returning the
// extracted file entries with per-file digests.
func unzip(archivePath, destDir string) ([]FileEntry, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer func() { _ = r.Close() }()

	var entries []FileEntry

	for _, f := range r.File {
		destPath := filepath.Join(destDir, f.Name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return nil, err
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, err
		}

		hash, size, err := extractAndHash(f, destPath)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", f.Name, err)
		}

		entries = append(entries, FileEntry{Path: f.Name, SHA256: hash, Size: size})
	}

	return entries, nil
}

func extractAndHash(f *zip.File, destPath string) (hash string, size int64, err error) {
	src, err := f.Open()
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(destPath)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = dst.Close() }()

	h := sha256.New()

	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// localArtifactFromDir walks an already-populated cache entry directory
// and rebuilds the LocalArtifact's file list (used on a cache hit, where
// the per-file digests from the original extraction were not retained
// in-memory across process restarts).
func localArtifactFromDir(dir string) (*LocalArtifact, error) {
	var entries []FileEntry

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Name() == sentinelFile {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		hash, size, err := hashFile(path)
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{Path: rel, SHA256: hash, Size: size})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking cache entry %s: %w", dir, err)
	}

	return &LocalArtifact{Dir: dir, Files: entries}, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
