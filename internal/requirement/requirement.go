// Package requirement parses PEP 508 dependency requirement strings into a
// structured Requirement, including direct-URL, VCS, and local-path source
// forms (spec.md §3/§4.A). Grounded on the recursive-grammar parser in
// AlexanderEkdahl-rope's version/dependency.go and on the teacher's
// resolver.ParseRequirement for normalization/error style.
package requirement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ppm-dev/ppm/internal/markers"
	"github.com/ppm-dev/ppm/internal/pep440"
)

// SourceKind tags the variant of Source, per spec.md §3's
// "tagged sum with per-variant data" design note (§9).
type SourceKind int

const (
	Registry SourceKind = iota
	DirectURL
	Git
	Path
)

// Source is a tagged union over the fixed set of ways a requirement can be
// satisfied. Only the fields relevant to Kind are populated.
type Source struct {
	Kind SourceKind

	// DirectURL
	URL          string
	ExpectedHash string

	// Git
	Repo     string
	Revision string

	// Path
	Local    string
	Editable bool
}

// Requirement is a single parsed PEP 508 dependency declaration.
type Requirement struct {
	Name   string // normalized per PEP 503
	Extras []string
	Range  pep440.Range
	Marker markers.Expr
	Source Source

	raw string
}

// String returns the requirement in roughly its original textual form, used
// in diagnostics.
func (r Requirement) String() string { return r.raw }

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?`)
	urlSpec = regexp.MustCompile(`^@\s*(.+)$`)
)

// Parse parses a single PEP 508 requirement line.
func Parse(s string) (Requirement, error) {
	raw := s
	s = strings.TrimSpace(s)

	if s == "" {
		return Requirement{}, fmt.Errorf("empty requirement")
	}

	nameEnd := nameRe.FindString(s)
	if nameEnd == "" {
		return Requirement{}, fmt.Errorf("invalid requirement grammar: no package name in %q", raw)
	}

	name := NormalizeName(nameEnd)
	rest := strings.TrimSpace(s[len(nameEnd):])

	var extras []string

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Requirement{}, fmt.Errorf("invalid requirement grammar: unterminated extras in %q", raw)
		}

		for _, e := range strings.Split(rest[1:end], ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				extras = append(extras, NormalizeName(e))
			}
		}

		rest = strings.TrimSpace(rest[end+1:])
	}

	var markerStr string

	if idx := strings.Index(rest, ";"); idx >= 0 {
		markerStr = strings.TrimSpace(rest[idx+1:])
		rest = strings.TrimSpace(rest[:idx])
	}

	marker, err := markers.Parse(markerStr)
	if err != nil {
		return Requirement{}, fmt.Errorf("invalid requirement grammar: %w", err)
	}

	req := Requirement{Name: name, Extras: extras, Marker: marker, raw: raw}

	switch {
	case rest == "":
		req.Range = pep440.Universe
		req.Source = Source{Kind: Registry}
	case urlSpec.MatchString(rest):
		m := urlSpec.FindStringSubmatch(rest)
		src, err := parseURLSource(strings.TrimSpace(m[1]))
		if err != nil {
			return Requirement{}, fmt.Errorf("invalid requirement grammar: %w", err)
		}

		req.Range = pep440.Universe
		req.Source = src
	default:
		rng, err := pep440.ParseSpecifierSet(stripParens(rest))
		if err != nil {
			return Requirement{}, fmt.Errorf("invalid requirement grammar: %w", err)
		}

		req.Range = rng
		req.Source = Source{Kind: Registry}
	}

	return req, nil
}

func stripParens(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return strings.TrimSpace(s[1 : len(s)-1])
	}

	return s
}

// parseURLSource parses the value after "@" in a direct-reference
// requirement: a plain URL, a VCS URL (vcs+scheme://...), or a local path
// (optionally prefixed with "file://" or given as a bare filesystem path).
func parseURLSource(s string) (Source, error) {
	for _, vcs := range []string{"git+", "hg+", "svn+", "bzr+"} {
		if strings.HasPrefix(s, vcs) {
			rest := strings.TrimPrefix(s, vcs)
			repo, rev, _ := strings.Cut(rest, "@")

			return Source{Kind: Git, Repo: repo, Revision: rev}, nil
		}
	}

	if strings.HasPrefix(s, "file://") {
		return Source{Kind: Path, Local: strings.TrimPrefix(s, "file://")}, nil
	}

	if strings.Contains(s, "://") {
		url, hash, _ := strings.Cut(s, "#sha256=")
		return Source{Kind: DirectURL, URL: url, ExpectedHash: hash}, nil
	}

	return Source{Kind: Path, Local: s}, nil
}

// NormalizeName normalizes a package name per PEP 503: lowercase, runs of
// [-_.] collapsed to a single hyphen. Equality of normalized names is the
// package-identity invariant spec.md §3 requires.
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder

	prevSep := false

	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '-', '_', '.':
			if !prevSep {
				b.WriteByte('-')
				prevSep = true
			}
		default:
			b.WriteByte(name[i])
			prevSep = false
		}
	}

	return b.String()
}
