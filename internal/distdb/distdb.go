// Package distdb implements the distribution database (spec.md §4.C): given
// a concrete package reference it yields metadata and, on demand, an
// installable payload, for any of the four requirement.Source variants
// (registry, direct URL, VCS, local path). It owns the content-addressed
// artifact cache (distdb/cache.go), drives source builds through a
// build-backend protocol adaptor (distdb/build.go), and verifies hashes
// according to the configured HashMode.
//
// Fetches go through the existing internal/downloader package (bounded
// concurrent fetch, retry). The artifact cache follows internal/cache's
// atomic-rename pattern but is its own code and does not import that
// package.
package distdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ppm-dev/ppm/internal/requirement"
	"github.com/ppm-dev/ppm/internal/scheduler"
)

// HashMode selects how strictly downloaded/built artifacts are verified
// against declared hashes, per spec.md §4.C.
type HashMode int

const (
	// HashDisabled performs no hash checking at all.
	HashDisabled HashMode = iota
	// HashVerify honors any hash present on the requirement, but does not
	// require one.
	HashVerify
	// HashRequire rejects any requirement lacking a hash, rejects source
	// builds unless the source archive itself is hashed, and rejects VCS
	// sources outright.
	HashRequire
)

// PackageRef is a fully concrete package reference: one requirement.Source
// pinned to a single resolvable artifact.
type PackageRef struct {
	Name         string
	Version      string
	Source       requirement.Source
	Filename     string // artifact filename, when Source.Kind == Registry/DirectURL
	URL          string // download location, when Source.Kind == Registry/DirectURL
	ExpectedHash string // hex sha256, if known
}

// cacheKey returns the cache key for this ref: a sha256 over its name,
// version, source kind, source URL, repo, revision and local path, plus its
// filename, download URL and expected hash. It holds no digest of a source
// tree's contents and no interpreter tag, so a rebuilt Path source with the
// same identity maps to the same key.
func (r PackageRef) cacheKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s", r.Name, r.Version, r.Source.Kind, r.Source.URL, r.Source.Repo, r.Source.Revision, r.Source.Local)
	fmt.Fprintf(h, "|%s|%s|%s", r.Filename, r.URL, r.ExpectedHash)

	return hex.EncodeToString(h.Sum(nil))
}

// MetadataRecord is the flattened per-(name, version) metadata spec.md §3
// describes: declared dependencies, extras, groups, supported-python range,
// and build-system requirements.
type MetadataRecord struct {
	Name            string
	Version         string
	Dependencies    []requirement.Requirement
	Extras          map[string][]string
	Groups          map[string][]string
	RequiresPython  string
	BuildRequires   []requirement.Requirement
	BuildBackend    string // e.g. "setuptools.build_meta"
	BuildBackendObj string // PEP 517 backend-path entry, if any
}

// LocalArtifact is a materialized, installable payload: an unpacked wheel
// directory (or a built one) plus the per-file digests the linker records.
type LocalArtifact struct {
	Dir   string
	Files []FileEntry
}

// FileEntry is one file within a LocalArtifact.
type FileEntry struct {
	Path   string
	SHA256 string
	Size   int64
}

// BuildFailedError reports a non-zero exit (or protocol violation) from a
// build-backend invocation, per spec.md §4.C/§7.
type BuildFailedError struct {
	Package    string
	Diagnostic string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build failed for %s: %s", e.Package, e.Diagnostic)
}

// HashMismatchError reports that downloaded/built bytes did not match the
// declared digest.
type HashMismatchError struct {
	Package, Expected, Actual string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Package, e.Expected, e.Actual)
}

// MissingMetadataError reports that no metadata could be obtained for a
// package (no index sidecar and the source build failed to produce one).
type MissingMetadataError struct{ Package string }

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("missing metadata for %s", e.Package)
}

// MetadataFetcher abstracts package-version metadata lookup (normally
// internal/pypi.Client) so Database doesn't import it directly and tests
// can fake it.
type MetadataFetcher interface {
	GetPackageVersionRequires(ctx context.Context, name, version string) ([]string, string, error)
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Database) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHashMode sets the hash-verification mode (default HashVerify).
func WithHashMode(m HashMode) Option {
	return func(d *Database) { d.hashMode = m }
}

// WithScheduler sets the shared Scheduler used for the build-worker pool
// and in-flight deduplication. Defaults to a freshly constructed one.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(d *Database) {
		if s != nil {
			d.sched = s
		}
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Database) {
		if c != nil {
			d.httpClient = c
		}
	}
}

// WithBuildRunner overrides the build-backend protocol adaptor (for
// testing; defaults to subprocessBuildRunner).
func WithBuildRunner(r BuildRunner) Option {
	return func(d *Database) {
		if r != nil {
			d.builder = r
		}
	}
}

// Database is the distribution database: content-addressed artifact cache
// plus source-build orchestration plus hash verification.
type Database struct {
	cache      *ArtifactCache
	sched      *scheduler.Scheduler
	hashMode   HashMode
	logger     *slog.Logger
	httpClient *http.Client
	builder    BuildRunner
	fetcher    MetadataFetcher
}

// New creates a Database rooted at dir (partitioned per spec.md §4.C into
// wheels/builds/sdists/git/archives/http-v1).
func New(dir string, fetcher MetadataFetcher, opts ...Option) (*Database, error) {
	ac, err := NewArtifactCache(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing distribution cache: %w", err)
	}

	d := &Database{
		cache:      ac,
		sched:      scheduler.New(),
		hashMode:   HashVerify,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		fetcher:    fetcher,
	}
	d.builder = &subprocessBuildRunner{logger: d.logger}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// GetMetadata returns ref's declared dependency metadata, fetching it from
// the index (for Registry sources) or by building/introspecting the
// artifact (for DirectURL/Git/Path sources, or when the index has no
// sidecar). Concurrent calls for the same ref share one computation through
// the in-flight dedup map; a finished result is not kept, so a later call
// computes it again.
func (d *Database) GetMetadata(ctx context.Context, ref PackageRef) (*MetadataRecord, error) {
	if err := d.checkHashPolicy(ref, false); err != nil {
		return nil, err
	}

	key := "metadata:" + ref.cacheKey()

	v, err, _ := d.sched.Dedup(key, func() (any, error) {
		return d.getMetadataUncached(ctx, ref)
	})
	if err != nil {
		return nil, err
	}

	return v.(*MetadataRecord), nil
}

func (d *Database) getMetadataUncached(ctx context.Context, ref PackageRef) (*MetadataRecord, error) {
	switch ref.Source.Kind {
	case requirement.Registry:
		if d.fetcher == nil {
			return nil, &MissingMetadataError{Package: ref.Name}
		}

		raw, requiresPython, err := d.fetcher.GetPackageVersionRequires(ctx, ref.Name, ref.Version)
		if err != nil {
			return nil, fmt.Errorf("fetching metadata for %s %s: %w", ref.Name, ref.Version, err)
		}

		deps := make([]requirement.Requirement, 0, len(raw))

		for _, r := range raw {
			parsed, err := requirement.Parse(r)
			if err != nil {
				continue
			}

			deps = append(deps, parsed)
		}

		return &MetadataRecord{Name: ref.Name, Version: ref.Version, Dependencies: deps, RequiresPython: requiresPython}, nil
	default:
		// DirectURL, Git, and Path sources fall back to a source build to
		// discover metadata (spec.md §4.C step 3: "prepare metadata").
		payload, err := d.getPayloadUncached(ctx, ref)
		if err != nil {
			return nil, err
		}

		rec, err := d.builder.PrepareMetadata(ctx, payload.Dir, BuildRequest{Package: ref.Name, Version: ref.Version})
		if err != nil {
			return nil, err
		}

		return rec, nil
	}
}

// GetPayload materializes ref's installable payload (an unpacked wheel
// directory), downloading a pre-built wheel when available or orchestrating
// a source build otherwise. Idempotent and memoized.
func (d *Database) GetPayload(ctx context.Context, ref PackageRef) (*LocalArtifact, error) {
	if err := d.checkHashPolicy(ref, true); err != nil {
		return nil, err
	}

	key := "payload:" + ref.cacheKey()

	v, err, _ := d.sched.Dedup(key, func() (any, error) {
		return d.getPayloadUncached(ctx, ref)
	})
	if err != nil {
		return nil, err
	}

	return v.(*LocalArtifact), nil
}

func (d *Database) getPayloadUncached(ctx context.Context, ref PackageRef) (*LocalArtifact, error) {
	partition := partitionFor(ref)

	if dir, ok := d.cache.Lookup(partition, ref.cacheKey()); ok {
		d.logger.Debug("distdb cache hit", slog.String("package", ref.Name), slog.String("partition", partition))

		return localArtifactFromDir(dir)
	}

	switch ref.Source.Kind {
	case requirement.Registry, requirement.DirectURL:
		return d.fetchAndUnpack(ctx, ref, partition)
	case requirement.Git:
		return d.buildFromGit(ctx, ref, partition)
	case requirement.Path:
		return d.buildFromPath(ctx, ref, partition)
	default:
		return nil, fmt.Errorf("unknown source kind for %s", ref.Name)
	}
}

// checkHashPolicy enforces spec.md §4.C's three hash-verification modes
// before any network access happens, per the "Hash requirement" testable
// scenario in spec.md §8.
func (d *Database) checkHashPolicy(ref PackageRef, forPayload bool) error {
	if d.hashMode != HashRequire {
		return nil
	}

	switch ref.Source.Kind {
	case requirement.Git:
		return fmt.Errorf("hash-checking is required but %s is a VCS source, which cannot be hash-verified", ref.Name)
	case requirement.Registry, requirement.DirectURL:
		if ref.ExpectedHash == "" {
			return fmt.Errorf("hash-checking is required but %s has no declared hash", ref.Name)
		}
	case requirement.Path:
		if forPayload && ref.ExpectedHash == "" {
			return fmt.Errorf("hash-checking is required but local path source %s has no declared hash", ref.Name)
		}
	}

	return nil
}

func partitionFor(ref PackageRef) string {
	switch ref.Source.Kind {
	case requirement.Git:
		return "git"
	case requirement.Path:
		return "builds"
	case requirement.DirectURL:
		return "archives"
	default:
		return "wheels"
	}
}
