// Package lockfile serializes/deserializes a resolution graph to a
// deterministic, human-readable TOML document (spec.md §4.E) and checks
// whether an existing lockfile is still fresh against a project manifest.
//
// Load/save/dirty-check shape grounded on
// other_examples/1ae0efac_paulpham157-devbox__internal-lock-lockfile.go.go's
// content-hash dirty check and atomic save, adapted from devbox's
// Nix-package map to a resolution graph of Python packages; TOML codec via
// github.com/BurntSushi/toml (brought in from matzehuels-stacktower's
// go.mod) in place of devbox's cuecfg, matching the teacher's own
// preference for a real encoding library over a hand-rolled one.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/ppm-dev/ppm/internal/requirement"
	"github.com/ppm-dev/ppm/internal/resolver"
)

// schemaVersion is the current lockfile schema. A lockfile with a newer
// version is a fatal "schema-version-too-new" error (spec.md §5); one with
// an older version is read and silently upgraded on next write.
const schemaVersion = 1

// File is the root document written to ppm.lock.
type File struct {
	Version  int    `toml:"version"`
	Revision int    `toml:"revision"`
	Manifest string `toml:"manifest-fingerprint"`

	RequiresPython     string   `toml:"requires-python,omitempty"`
	SupportedEnviron   []string `toml:"supported-environments,omitempty"`
	ResolutionMode     string   `toml:"resolution-mode,omitempty"`
	PrereleaseMode     string   `toml:"prerelease-mode,omitempty"`
	SourcesEnabled     bool     `toml:"sources-enabled"`
	Indexes            []string `toml:"indexes,omitempty"`
	ExcludeNewer       string   `toml:"exclude-newer,omitempty"`
	DirectRequirements []string `toml:"direct-requirements,omitempty"`

	Package []PackageEntry `toml:"package"`
}

// PackageEntry is one locked (name, fork) node.
type PackageEntry struct {
	Name         string      `toml:"name"`
	Version      string      `toml:"version"`
	Fork         string      `toml:"fork,omitempty"`
	ForkMarker   string      `toml:"fork-marker,omitempty"`
	Source       SourceEntry `toml:"source"`
	Dependencies []string    `toml:"dependencies,omitempty"`
	Hashes       []string    `toml:"hashes,omitempty"`
}

// SourceEntry mirrors requirement.Source in a TOML-friendly shape.
type SourceEntry struct {
	Kind     string `toml:"kind"` // registry | direct | git | path
	URL      string `toml:"url,omitempty"`
	Repo     string `toml:"repo,omitempty"`
	Revision string `toml:"revision,omitempty"`
	Path     string `toml:"path,omitempty"`
	Editable bool   `toml:"editable,omitempty"`
}

// Options captures the resolver option set that affects results, per
// spec.md §4.E's staleness point 4.
type Options struct {
	ResolutionMode     string
	PrereleaseMode     string
	SourcesEnabled     bool
	Indexes            []string
	ExcludeNewer       string
	RequiresPython     string
	SupportedEnviron   []string
	DirectRequirements []string
}

// Load reads a lockfile from path. A missing file returns an empty, unsaved
// File rather than an error, matching GetFile's "not found is the initial
// state" behavior in the grounding reference.
func Load(path string) (*File, error) {
	f := &File{Version: schemaVersion}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}

		return nil, fmt.Errorf("reading lockfile %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), f); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", path, err)
	}

	if f.Version > schemaVersion {
		return nil, fmt.Errorf("lockfile %s has schema version %d, newer than supported version %d", path, f.Version, schemaVersion)
	}

	return f, nil
}

// FromGraph builds a File from a resolved graph, sorting every
// map-derived slice so that re-resolving identical inputs produces a
// byte-identical document (spec.md §5's determinism requirement).
func FromGraph(g *resolver.Graph, manifestFingerprint string, opts Options) *File {
	f := &File{
		Version:            schemaVersion,
		Manifest:           manifestFingerprint,
		RequiresPython:     opts.RequiresPython,
		SupportedEnviron:   append([]string(nil), opts.SupportedEnviron...),
		ResolutionMode:     opts.ResolutionMode,
		PrereleaseMode:     opts.PrereleaseMode,
		SourcesEnabled:     opts.SourcesEnabled,
		Indexes:            append([]string(nil), opts.Indexes...),
		ExcludeNewer:       opts.ExcludeNewer,
		DirectRequirements: append([]string(nil), opts.DirectRequirements...),
	}

	sort.Strings(f.SupportedEnviron)
	sort.Strings(f.Indexes)
	sort.Strings(f.DirectRequirements)

	depsByNode := map[resolver.NodeID][]string{}

	for _, e := range g.Edges {
		if e.Kind == resolver.EdgeBuild {
			continue
		}

		depsByNode[e.From] = append(depsByNode[e.From], e.To.Name)
	}

	ids := make([]resolver.NodeID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Name != ids[j].Name {
			return ids[i].Name < ids[j].Name
		}

		return ids[i].ForkID < ids[j].ForkID
	})

	for _, id := range ids {
		n := g.Nodes[id]

		deps := append([]string(nil), depsByNode[id]...)
		sort.Strings(deps)
		deps = dedupSorted(deps)

		entry := PackageEntry{Name: n.Name, Version: n.Version, Fork: n.ForkID, Dependencies: deps}

		if fork, ok := g.Forks[n.ForkID]; ok && fork.Marker != nil {
			entry.ForkMarker = fork.Marker.String()
		}

		f.Package = append(f.Package, entry)
	}

	return f
}

func dedupSorted(sorted []string) []string {
	out := sorted[:0]

	var last string

	for i, s := range sorted {
		if i > 0 && s == last {
			continue
		}

		out = append(out, s)
		last = s
	}

	return out
}

// Save writes f to path atomically (temp file in the same directory,
// rename into place), skipping the write entirely when the on-disk
// content already matches (the "dirty check" from the grounding
// reference), and bumping Revision on every write that does happen.
func (f *File) Save(path string) error {
	existing, err := Load(path)
	if err == nil && f.contentEqual(existing) {
		return nil
	}

	f.Version = schemaVersion
	f.Revision++

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".ppm-lock-*")
	if err != nil {
		return fmt.Errorf("creating temp lockfile: %w", err)
	}
	tmpPath := tmp.Name()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(f); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("encoding lockfile: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("closing temp lockfile: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("renaming lockfile into place: %w", err)
	}

	return nil
}

// contentEqual compares f against other by hashing their canonical
// encoding, ignoring Revision (a Revision bump alone is not a semantic
// change worth a rewrite).
func (f *File) contentEqual(other *File) bool {
	if other == nil {
		return false
	}

	a, b := *f, *other
	a.Revision, b.Revision = 0, 0

	return fingerprintOf(&a) == fingerprintOf(&b)
}

func fingerprintOf(f *File) string {
	h := sha256.New()
	_ = toml.NewEncoder(h).Encode(f)

	return hex.EncodeToString(h.Sum(nil))
}

// Preferences extracts the (package -> version) map the resolver seeds
// re-resolution with (spec.md §4.D's "Preferences" paragraph), skipping
// packages in upgrade (or every package, if upgrade contains "*").
func (f *File) Preferences(upgrade []string) map[string]string {
	skip := map[string]bool{}
	for _, u := range upgrade {
		skip[requirement.NormalizeName(u)] = true
	}

	prefs := map[string]string{}

	for _, p := range f.Package {
		name := requirement.NormalizeName(p.Name)
		if skip["*"] || skip[name] {
			continue
		}

		prefs[name] = p.Version
	}

	return prefs
}
