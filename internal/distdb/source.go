package distdb

import (
	"context"
	"regexp"

	"github.com/ppm-dev/ppm/internal/requirement"
	"github.com/ppm-dev/ppm/internal/resolver"
)

// Source adapts a Database into a resolver.MetadataSource, so the resolver
// can treat DirectURL/Git/Path requirements exactly like registry ones:
// each such package has no versions to choose among (the requirement
// already pins an exact artifact), so Versions synthesizes the single
// candidate and Dependencies routes through GetMetadata/a source build.
// Registry packages fall through to the wrapped index-backed source
// unchanged, per DESIGN.md's note under internal/resolver/source.go.
type Source struct {
	db       *Database
	registry resolver.MetadataSource
	sources  map[string]requirement.Source // normalized name -> pinned source
}

// NewSource builds a distdb-backed MetadataSource. sources should contain
// one entry per root requirement whose Source.Kind is not Registry;
// packages absent from the map are assumed to be ordinary registry
// dependencies and are delegated to registry.
func NewSource(db *Database, registry resolver.MetadataSource, sources map[string]requirement.Source) *Source {
	return &Source{db: db, registry: registry, sources: sources}
}

func (s *Source) Versions(ctx context.Context, name string) ([]resolver.ArtifactVersion, error) {
	src, ok := s.pinnedSource(name)
	if !ok {
		return s.registry.Versions(ctx, name)
	}

	ver, err := s.resolvePinnedVersion(ctx, name, src)
	if err != nil {
		return nil, err
	}

	return []resolver.ArtifactVersion{{Version: ver}}, nil
}

func (s *Source) Dependencies(ctx context.Context, name, version string) ([]requirement.Requirement, error) {
	src, ok := s.pinnedSource(name)
	if !ok {
		return s.registry.Dependencies(ctx, name, version)
	}

	rec, err := s.db.GetMetadata(ctx, PackageRef{Name: name, Version: version, Source: src})
	if err != nil {
		return nil, err
	}

	return rec.Dependencies, nil
}

func (s *Source) pinnedSource(name string) (requirement.Source, bool) {
	src, ok := s.sources[requirement.NormalizeName(name)]
	if !ok || src.Kind == requirement.Registry {
		return requirement.Source{}, false
	}

	return src, true
}

// resolvePinnedVersion asks the build backend (or the direct-URL's
// metadata sidecar) for the real declared version, falling back to a
// synthetic PEP 440 local version derived from the source identity when
// none is reported — every requirement.Source variant still needs
// *some* string the range algebra can order and compare.
func (s *Source) resolvePinnedVersion(ctx context.Context, name string, src requirement.Source) (string, error) {
	synthetic := syntheticVersion(src)

	rec, err := s.db.GetMetadata(ctx, PackageRef{Name: name, Version: synthetic, Source: src})
	if err != nil {
		return "", err
	}

	if rec.Version != "" {
		return rec.Version, nil
	}

	return synthetic, nil
}

var nonLocalChars = regexp.MustCompile(`[^A-Za-z0-9.]+`)

func syntheticVersion(src requirement.Source) string {
	switch src.Kind {
	case requirement.Git:
		rev := src.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}

		return "0+git." + sanitizeLocal(rev)
	case requirement.Path:
		return "0+local." + sanitizeLocal(src.Local)
	case requirement.DirectURL:
		return "0+direct." + sanitizeLocal(src.URL)
	default:
		return "0"
	}
}

func sanitizeLocal(s string) string {
	if s == "" {
		return "unknown"
	}

	return nonLocalChars.ReplaceAllString(s, ".")
}
