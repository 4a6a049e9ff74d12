package lockfile

import (
	"fmt"
	"sort"

	"github.com/ppm-dev/ppm/internal/pep440"
)

// StaleReason names the smallest triggering change, per spec.md §4.E:
// "When stale, a mismatch diagnostic names the smallest triggering
// change."
type StaleReason string

const (
	ReasonFresh                StaleReason = ""
	ReasonDirectRequirements   StaleReason = "direct requirements changed"
	ReasonPythonRange          StaleReason = "declared supported-python range is not a subset of the lockfile's"
	ReasonEnvironmentCoverage  StaleReason = "declared supported environments are not covered by the lockfile's forks"
	ReasonOptionsChanged       StaleReason = "resolver option set changed"
	ReasonMetadataMismatch     StaleReason = "a locked package's metadata no longer matches the index/build"
	ReasonSchemaVersionTooNew  StaleReason = "lockfile schema version is newer than supported"
)

// Manifest is the subset of project-manifest state the staleness check
// needs (spec.md §4.E points 1-4): the project's declared direct
// requirements, supported-python range, supported environments, and the
// resolver options that affect results.
type Manifest struct {
	DirectRequirements []string
	RequiresPython     string
	SupportedEnviron   []string
	Options            Options
}

// MetadataVerifier checks point 5 of spec.md §4.E for one locked package:
// does its recorded provenance (digest / resolved commit / directory
// digest, depending on source kind) still match what the index or a
// fresh build would report.
type MetadataVerifier interface {
	Matches(entry PackageEntry) (bool, error)
}

// CheckStaleness evaluates all five freshness points in order, short
// circuiting (and naming) the first one that fails, since spec.md asks
// for "the smallest triggering change" rather than an exhaustive list.
func CheckStaleness(f *File, m Manifest, verifier MetadataVerifier) (StaleReason, error) {
	if f.Version > schemaVersion {
		return ReasonSchemaVersionTooNew, nil
	}

	if !sameSet(f.DirectRequirements, m.DirectRequirements) {
		return ReasonDirectRequirements, nil
	}

	if !pythonRangeIsSubset(m.RequiresPython, f.RequiresPython) {
		return ReasonPythonRange, nil
	}

	if !isSubset(m.SupportedEnviron, f.SupportedEnviron) {
		return ReasonEnvironmentCoverage, nil
	}

	if !optionsEqual(f, m.Options) {
		return ReasonOptionsChanged, nil
	}

	if verifier != nil {
		for _, entry := range f.Package {
			ok, err := verifier.Matches(entry)
			if err != nil {
				return "", fmt.Errorf("checking metadata for %s %s: %w", entry.Name, entry.Version, err)
			}

			if !ok {
				return ReasonMetadataMismatch, nil
			}
		}
	}

	return ReasonFresh, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	as, bs := sortedCopy(a), sortedCopy(b)

	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}

	return true
}

func isSubset(sub, super []string) bool {
	set := map[string]bool{}
	for _, s := range super {
		set[s] = true
	}

	for _, s := range sub {
		if !set[s] {
			return false
		}
	}

	return true
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)

	return out
}

// pythonRangeIsSubset implements spec.md §4.E point 2: the manifest's
// declared supported-python range stays fresh against the lockfile's
// recorded range as long as every version the manifest range admits is
// also admitted by the locked range — a narrower manifest (">=3.8" tightened
// to ">=3.9") is still covered by what was already resolved, so it is not a
// staleness trigger. Built on internal/pep440.Range's interval algebra:
// manifestRange is a subset of lockedRange iff their intersection with the
// locked range's complement is empty.
func pythonRangeIsSubset(manifestRange, lockedRange string) bool {
	if manifestRange == lockedRange {
		return true
	}

	m, err := pep440.ParseSpecifierSet(manifestRange)
	if err != nil {
		return false
	}

	l, err := pep440.ParseSpecifierSet(lockedRange)
	if err != nil {
		return false
	}

	return pep440.Intersect(m, pep440.Complement(l)).IsEmpty()
}

func optionsEqual(f *File, o Options) bool {
	return f.ResolutionMode == o.ResolutionMode &&
		f.PrereleaseMode == o.PrereleaseMode &&
		f.SourcesEnabled == o.SourcesEnabled &&
		f.ExcludeNewer == o.ExcludeNewer &&
		sameSet(f.Indexes, o.Indexes)
}
