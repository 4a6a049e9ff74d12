package resolver

import (
	"context"
	"fmt"
	"sort"

	pep440lib "github.com/aquasecurity/go-pep440-version"

	"github.com/ppm-dev/ppm/internal/pypi"
	"github.com/ppm-dev/ppm/internal/requirement"
)

// ArtifactVersion is one version known to a MetadataSource for a package.
type ArtifactVersion struct {
	Version    string
	PreRelease bool
	Yanked     bool
}

// MetadataSource abstracts away where package metadata comes from (the
// index client B, falling back to the distribution database C for
// artifacts without an index-side metadata sidecar) so the solver in this
// package never talks to HTTP directly.
type MetadataSource interface {
	Versions(ctx context.Context, name string) ([]ArtifactVersion, error)
	Dependencies(ctx context.Context, name, version string) ([]requirement.Requirement, error)
}

// pypiSource adapts the PyPI JSON API client to a MetadataSource. This is
// the default source for registry requirements; a distdb-backed source
// handles DirectURL/Git/Path requirements (see Source in
// internal/distdb/source.go).
type pypiSource struct {
	client pypi.Client
}

// NewPyPISource builds a MetadataSource backed by the PyPI JSON API.
func NewPyPISource(client pypi.Client) MetadataSource {
	return &pypiSource{client: client}
}

func (s *pypiSource) Versions(ctx context.Context, name string) ([]ArtifactVersion, error) {
	info, err := s.client.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	out := make([]ArtifactVersion, 0, len(info.Releases))

	for v, urls := range info.Releases {
		pv, err := pep440lib.Parse(v)
		if err != nil {
			continue
		}

		yanked := len(urls) > 0 && allYanked(urls)
		out = append(out, ArtifactVersion{Version: v, PreRelease: pv.IsPreRelease(), Yanked: yanked})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	return out, nil
}

func allYanked(urls []pypi.URL) bool {
	for _, u := range urls {
		if !u.Yanked {
			return false
		}
	}

	return true
}

func (s *pypiSource) Dependencies(ctx context.Context, name, version string) ([]requirement.Requirement, error) {
	info, err := s.client.GetPackageVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for %s %s: %w", name, version, err)
	}

	reqs := make([]requirement.Requirement, 0, len(info.Info.RequiresDist))

	for _, raw := range info.Info.RequiresDist {
		r, err := requirement.Parse(raw)
		if err != nil {
			continue // tolerate the odd malformed declared dependency rather than aborting resolution
		}

		reqs = append(reqs, r)
	}

	return reqs, nil
}
