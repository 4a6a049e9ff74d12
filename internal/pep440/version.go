// Package pep440 provides version ordering and range algebra for the
// ecosystem's version scheme (PEP 440), plus a single-operator-to-interval
// mapping used to build the range algebra that the resolver and metadata
// layers share.
package pep440

import (
	"fmt"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Version is an immutable, ordered version value.
type Version struct {
	v   pep440.Version
	raw string
}

// Parse parses a PEP 440 version string.
func Parse(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("parsing version %q: %w", s, err)
	}

	return Version{v: v, raw: s}, nil
}

// MustParse parses s and panics on error. Reserved for literal constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String returns the original textual form.
func (v Version) String() string { return v.raw }

// IsZero reports whether v is the zero Version (no version). Unbounded
// interval ends are represented by a nil *Version in Bound, not by this.
func (v Version) IsZero() bool { return v.raw == "" }

// IsPreRelease reports whether v carries a pre-release segment.
func (v Version) IsPreRelease() bool { return v.v.IsPreRelease() }

// Compare returns -1, 0, or 1 if v is less than, equal to, or greater than
// other, following PEP 440 total ordering.
func (v Version) Compare(other Version) int { return v.v.Compare(other.v) }

// LessThan reports whether v orders before other.
func (v Version) LessThan(other Version) bool { return v.Compare(other) < 0 }

// GreaterThan reports whether v orders after other.
func (v Version) GreaterThan(other Version) bool { return v.v.GreaterThan(other.v) }

// Equal reports whether v and other compare equal.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Specifiers is a parsed comma-separated PEP 440 specifier set
// (e.g. ">=1.0,<2.0").
type Specifiers struct {
	s   pep440.Specifiers
	raw string
}

// ParseSpecifiers parses a specifier set.
func ParseSpecifiers(s string) (Specifiers, error) {
	ss, err := pep440.NewSpecifiers(s)
	if err != nil {
		return Specifiers{}, fmt.Errorf("parsing specifier %q: %w", s, err)
	}

	return Specifiers{s: ss, raw: s}, nil
}

// Check reports whether v satisfies the specifier set.
func (s Specifiers) Check(v Version) bool { return s.s.Check(v.v) }

// String returns the original textual form.
func (s Specifiers) String() string { return s.raw }
