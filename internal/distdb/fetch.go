package distdb

import (
	"context"
	"fmt"
	"os"

	"github.com/ppm-dev/ppm/internal/downloader"
)

// fetchAndUnpack downloads a Registry or DirectURL artifact (a wheel) into
// a temp file via internal/downloader, verifies its hash per the active
// HashMode, unpacks it, and captures the result into the cache under its
// content key.
func (d *Database) fetchAndUnpack(ctx context.Context, ref PackageRef, partition string) (*LocalArtifact, error) {
	if ref.Filename == "" || ref.URL == "" {
		return nil, fmt.Errorf("no download location known for %s %s", ref.Name, ref.Version)
	}

	tmpDir, err := os.MkdirTemp("", "ppm-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp download dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dl := downloader.New(tmpDir, downloader.WithHTTPClient(d.httpClient), downloader.WithLogger(d.logger))

	expectedHash := ref.ExpectedHash
	if d.hashMode == HashDisabled {
		expectedHash = ""
	}

	results, err := dl.Download(ctx, []downloader.Request{{
		Name: ref.Name, Version: ref.Version, URL: ref.URL, SHA256: expectedHash, Filename: ref.Filename,
	}})
	if err != nil {
		if expectedHash != "" {
			return nil, &HashMismatchError{Package: ref.Name, Expected: expectedHash, Actual: "download failed: " + err.Error()}
		}

		return nil, fmt.Errorf("fetching %s: %w", ref.Name, err)
	}

	archivePath := results[0].FilePath

	var artifact *LocalArtifact

	dir, err := d.cache.Put(partition, ref.cacheKey(), func(tmpEntry string) error {
		entries, err := unzip(archivePath, tmpEntry)
		if err != nil {
			return err
		}

		artifact = &LocalArtifact{Files: entries}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("caching artifact for %s: %w", ref.Name, err)
	}

	if artifact == nil {
		return localArtifactFromDir(dir)
	}

	artifact.Dir = dir

	return artifact, nil
}
