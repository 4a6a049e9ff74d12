// Package settings builds the frozen settings record spec.md §6 calls the
// "Settings provider": pre-release policy, hash-checking mode, index
// list/strategy, exclude-newer timestamp, link-mode preference,
// byte-compile flag, and build-isolation mode. The pre-release policy is
// stored in the field named ResolutionMode; the resolver's
// highest/lowest/lowest-direct mode is not part of Settings, and the
// manifest's resolution-mode key is decoded but not applied. It merges a
// project manifest (ppm.toml, read with github.com/BurntSushi/toml, the
// same codec internal/lockfile uses) with command-line overrides, the way
// the teacher's cmd/ppm/main.go merges installFlags with environment
// detection before constructing the resolver/installer.
package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ppm-dev/ppm/internal/distdb"
	"github.com/ppm-dev/ppm/internal/installer"
	"github.com/ppm-dev/ppm/internal/planner"
	"github.com/ppm-dev/ppm/internal/pypi"
	"github.com/ppm-dev/ppm/internal/resolver"
)

// BuildIsolation controls whether source builds run in an isolated
// environment populated only with the declared build-system requirements.
type BuildIsolation string

const (
	IsolationIsolated BuildIsolation = "isolated"
	IsolationShared   BuildIsolation = "shared"
)

// Settings is the frozen record consumed by the resolver, distdb, planner
// and installer. It is built once per invocation and never mutated after
// New returns, matching spec.md §6's "frozen settings record".
type Settings struct {
	ResolutionMode   resolver.PrereleasePolicy
	HashMode         distdb.HashMode
	Indexes          []string
	IndexStrategy    pypi.IndexStrategy
	ExcludeNewer     time.Time
	LinkMode         installer.LinkMode
	BytecodeCompile  bool
	BuildIsolation   BuildIsolation
	SourcesEnabled   bool
	InstallPolicy    planner.Policy
	NoDeps           bool
}

// Manifest is the subset of a project's ppm.toml this package reads.
// Requirements/extras/groups are handled by internal/requirement and the
// resolver's own entry points; this type only carries the resolver
// configuration block spec.md §6 lists under "Manifest file".
type Manifest struct {
	RequiresPython string   `toml:"requires-python"`
	Indexes        []string `toml:"index"`
	IndexStrategy  string   `toml:"index-strategy"`
	ResolutionMode string   `toml:"resolution-mode"`
	PrereleaseMode string   `toml:"prerelease-mode"`
	ExcludeNewer   string   `toml:"exclude-newer"`
	SourcesEnabled bool     `toml:"sources-enabled"`
	NoBuildIsolation bool   `toml:"no-build-isolation"`
}

// LoadManifest reads and decodes a ppm.toml at path. A missing file
// returns an empty Manifest, not an error — the settings it contributes
// all have sane defaults, matching internal/lockfile.Load's "missing is
// the initial state" treatment of its own file.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}

		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	return m, nil
}

// Overrides carries command-line flag values that take precedence over
// the manifest, mirroring the teacher's installFlags struct.
type Overrides struct {
	Pre             *bool
	NoDeps          *bool
	Exact           *bool
	HashMode        *string
	LinkMode        *string
	BytecodeCompile *bool
	NoIndex         *bool
	ExcludeNewer    *string
}

// New merges m with overrides into a frozen Settings, applying defaults
// for anything neither specifies.
func New(m *Manifest, o Overrides) (*Settings, error) {
	if m == nil {
		m = &Manifest{}
	}

	s := &Settings{
		ResolutionMode: resolver.IfNecessaryOrExplicit,
		HashMode:       distdb.HashDisabled,
		Indexes:        m.Indexes,
		IndexStrategy:  pypi.IndexStrategy(m.IndexStrategy),
		LinkMode:       installer.LinkAuto,
		BytecodeCompile: true,
		BuildIsolation: IsolationIsolated,
		SourcesEnabled: m.SourcesEnabled,
		InstallPolicy:  planner.Exact,
		NoDeps:         false,
	}

	if s.IndexStrategy == "" {
		s.IndexStrategy = pypi.FirstIndex
	}

	if m.NoBuildIsolation {
		s.BuildIsolation = IsolationShared
	}

	if m.PrereleaseMode == "allow" {
		s.ResolutionMode = resolver.AllowPreReleases
	}

	if raw := m.ExcludeNewer; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("manifest exclude-newer %q: %w", raw, err)
		}

		s.ExcludeNewer = t
	}

	if o.Pre != nil && *o.Pre {
		s.ResolutionMode = resolver.AllowPreReleases
	}

	if o.NoDeps != nil {
		s.NoDeps = *o.NoDeps
	}

	if o.Exact != nil && !*o.Exact {
		s.InstallPolicy = planner.Sufficient
	}

	if o.HashMode != nil {
		mode, err := parseHashMode(*o.HashMode)
		if err != nil {
			return nil, err
		}

		s.HashMode = mode
	}

	if o.LinkMode != nil {
		mode, err := parseLinkMode(*o.LinkMode)
		if err != nil {
			return nil, err
		}

		s.LinkMode = mode
	}

	if o.BytecodeCompile != nil {
		s.BytecodeCompile = *o.BytecodeCompile
	}

	if o.NoIndex != nil && *o.NoIndex {
		s.Indexes = nil
	}

	if o.ExcludeNewer != nil && *o.ExcludeNewer != "" {
		t, err := time.Parse(time.RFC3339, *o.ExcludeNewer)
		if err != nil {
			return nil, fmt.Errorf("--exclude-newer %q: %w", *o.ExcludeNewer, err)
		}

		s.ExcludeNewer = t
	}

	return s, nil
}

func parseHashMode(s string) (distdb.HashMode, error) {
	switch s {
	case "", "disabled":
		return distdb.HashDisabled, nil
	case "verify":
		return distdb.HashVerify, nil
	case "require":
		return distdb.HashRequire, nil
	default:
		return 0, fmt.Errorf("unknown hash mode %q (want disabled, verify, or require)", s)
	}
}

func parseLinkMode(s string) (installer.LinkMode, error) {
	switch s {
	case "", "auto":
		return installer.LinkAuto, nil
	case "reflink":
		return installer.LinkReflink, nil
	case "hardlink":
		return installer.LinkHardlink, nil
	case "copy":
		return installer.LinkCopy, nil
	case "symlink":
		return installer.LinkSymlink, nil
	default:
		return 0, fmt.Errorf("unknown link mode %q (want auto, reflink, hardlink, copy, or symlink)", s)
	}
}
