package pep440

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Bound is one end of an Interval. A nil Value means unbounded in that
// direction (-infinity for a low bound, +infinity for a high bound).
type Bound struct {
	Value     *Version
	Inclusive bool
}

func unbounded() Bound { return Bound{} }

func inclusiveBound(v Version) Bound { return Bound{Value: &v, Inclusive: true} }

func exclusiveBound(v Version) Bound { return Bound{Value: &v, Inclusive: false} }

// Interval is a (possibly half-open, possibly unbounded) span of versions.
type Interval struct {
	Low, High Bound
}

func (iv Interval) contains(v Version) bool {
	if iv.Low.Value != nil {
		cmp := v.Compare(*iv.Low.Value)
		if cmp < 0 || (cmp == 0 && !iv.Low.Inclusive) {
			return false
		}
	}

	if iv.High.Value != nil {
		cmp := v.Compare(*iv.High.Value)
		if cmp > 0 || (cmp == 0 && !iv.High.Inclusive) {
			return false
		}
	}

	return true
}

// Range is a version range: a sorted, normalized union of disjoint
// Intervals. Closed under intersection, union, and complement. A Range with
// no intervals is the empty range; a Range with a single fully-unbounded
// interval is the universe.
type Range struct {
	intervals []Interval
}

// Empty is the range containing no versions.
var Empty = Range{}

// Universe is the range containing every version.
var Universe = Range{intervals: []Interval{{Low: unbounded(), High: unbounded()}}}

// IsEmpty reports whether r contains no versions.
func (r Range) IsEmpty() bool { return len(r.intervals) == 0 }

// IsUniverse reports whether r contains every version.
func (r Range) IsUniverse() bool {
	return len(r.intervals) == 1 && r.intervals[0].Low.Value == nil && r.intervals[0].High.Value == nil
}

// Contains reports whether v falls within r.
func (r Range) Contains(v Version) bool {
	for _, iv := range r.intervals {
		if iv.contains(v) {
			return true
		}
	}

	return false
}

// single builds a Range from one Interval, used internally by operator
// constructors before the general normalize() combinator sees it.
func single(iv Interval) Range { return Range{intervals: []Interval{iv}} }

// normalize sorts and merges overlapping/adjacent intervals. It is the sole
// place that establishes the "sorted, normalized" invariant the range
// algebra relies on.
func normalize(ivs []Interval) Range {
	filtered := ivs[:0]

	for _, iv := range ivs {
		if iv.Low.Value != nil && iv.High.Value != nil {
			cmp := iv.Low.Value.Compare(*iv.High.Value)
			if cmp > 0 || (cmp == 0 && !(iv.Low.Inclusive && iv.High.Inclusive)) {
				continue // degenerate, contributes nothing
			}
		}

		filtered = append(filtered, iv)
	}

	if len(filtered) == 0 {
		return Empty
	}

	sort.Slice(filtered, func(i, j int) bool {
		return boundLess(filtered[i].Low, filtered[j].Low, true)
	})

	merged := []Interval{filtered[0]}

	for _, iv := range filtered[1:] {
		last := &merged[len(merged)-1]
		if overlapsOrTouches(*last, iv) {
			if boundLess(last.High, iv.High, false) {
				last.High = iv.High
			}
		} else {
			merged = append(merged, iv)
		}
	}

	return Range{intervals: merged}
}

// boundLess orders bounds for sorting (lowSide selects which infinity sorts
// first) and for high-bound widening comparisons.
func boundLess(a, b Bound, lowSide bool) bool {
	if a.Value == nil && b.Value == nil {
		return false
	}

	if a.Value == nil {
		return lowSide
	}

	if b.Value == nil {
		return !lowSide
	}

	cmp := a.Value.Compare(*b.Value)
	if cmp != 0 {
		return cmp < 0
	}

	if lowSide {
		return a.Inclusive && !b.Inclusive
	}

	return !a.Inclusive && b.Inclusive
}

func overlapsOrTouches(a, b Interval) bool {
	if a.High.Value == nil || b.Low.Value == nil {
		return true
	}

	cmp := a.High.Value.Compare(*b.Low.Value)
	if cmp > 0 {
		return true
	}

	if cmp == 0 {
		return a.High.Inclusive || b.Low.Inclusive
	}

	return false
}

// Intersect returns the intersection of a and b. Commutative and
// associative.
func Intersect(a, b Range) Range {
	var out []Interval

	for _, x := range a.intervals {
		for _, y := range b.intervals {
			if iv, ok := intersectInterval(x, y); ok {
				out = append(out, iv)
			}
		}
	}

	return normalize(out)
}

func intersectInterval(a, b Interval) (Interval, bool) {
	low := a.Low
	if boundLess(low, b.Low, true) {
		low = b.Low
	}

	high := a.High
	if boundLess(b.High, high, false) {
		high = b.High
	}

	if low.Value != nil && high.Value != nil {
		cmp := low.Value.Compare(*high.Value)
		if cmp > 0 || (cmp == 0 && !(low.Inclusive && high.Inclusive)) {
			return Interval{}, false
		}
	}

	return Interval{Low: low, High: high}, true
}

// Union returns the union of a and b.
func Union(a, b Range) Range {
	out := append(append([]Interval{}, a.intervals...), b.intervals...)
	return normalize(out)
}

// Complement returns the set of versions not in r. union(r, Complement(r))
// always equals Universe.
func Complement(r Range) Range {
	if r.IsEmpty() {
		return Universe
	}

	var out []Interval

	cursor := unbounded()

	for _, iv := range r.intervals {
		if iv.Low.Value != nil {
			out = append(out, Interval{Low: cursor, High: invert(iv.Low)})
		}

		cursor = invert(iv.High)
	}

	if cursor.Value != nil || len(r.intervals) == 0 {
		out = append(out, Interval{Low: cursor, High: unbounded()})
	} else if last := r.intervals[len(r.intervals)-1]; last.High.Value != nil {
		out = append(out, Interval{Low: invert(last.High), High: unbounded()})
	}

	return normalize(out)
}

func invert(b Bound) Bound {
	if b.Value == nil {
		return unbounded()
	}

	return Bound{Value: b.Value, Inclusive: !b.Inclusive}
}

var specifierRe = regexp.MustCompile(`^\s*(~=|==|!=|<=|>=|<|>|===)\s*([A-Za-z0-9.!+_*-]+)\s*$`)

// ParseSpecifierSet parses a comma-separated set of PEP 440 specifiers
// (e.g. ">=1.0,<2.0,!=1.5") into the Range that is their intersection. An
// empty string yields Universe. A range reduced to Empty by intersection is
// returned without error: callers treat it as an unsatisfiable requirement,
// not a parse failure (spec.md §4.A/§8 distinguish these explicitly).
func ParseSpecifierSet(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Universe, nil
	}

	result := Universe

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		iv, err := parseOneSpecifier(part)
		if err != nil {
			return Range{}, err
		}

		result = Intersect(result, iv)
	}

	return result, nil
}

func parseOneSpecifier(s string) (Range, error) {
	m := specifierRe.FindStringSubmatch(s)
	if m == nil {
		return Range{}, fmt.Errorf("invalid version specifier %q", s)
	}

	op, rawVersion := m[1], m[2]

	if op == "==" && strings.HasSuffix(rawVersion, ".*") {
		return prefixRange(strings.TrimSuffix(rawVersion, ".*"))
	}

	if op == "!=" && strings.HasSuffix(rawVersion, ".*") {
		r, err := prefixRange(strings.TrimSuffix(rawVersion, ".*"))
		if err != nil {
			return Range{}, err
		}

		return Complement(r), nil
	}

	v, err := Parse(rawVersion)
	if err != nil {
		return Range{}, err
	}

	switch op {
	case "==", "===":
		return single(Interval{Low: inclusiveBound(v), High: inclusiveBound(v)}), nil
	case "!=":
		return Complement(single(Interval{Low: inclusiveBound(v), High: inclusiveBound(v)})), nil
	case ">=":
		return single(Interval{Low: inclusiveBound(v), High: unbounded()}), nil
	case "<=":
		return single(Interval{Low: unbounded(), High: inclusiveBound(v)}), nil
	case ">":
		return single(Interval{Low: exclusiveBound(v), High: unbounded()}), nil
	case "<":
		return single(Interval{Low: unbounded(), High: exclusiveBound(v)}), nil
	case "~=":
		upper, err := compatibleUpperBound(rawVersion)
		if err != nil {
			return Range{}, err
		}

		return single(Interval{Low: inclusiveBound(v), High: exclusiveBound(upper)}), nil
	default:
		return Range{}, fmt.Errorf("unsupported specifier operator %q", op)
	}
}

// prefixRange builds the range matched by a "==X.Y.*" prefix specifier:
// every version whose release segments start with the given prefix.
func prefixRange(prefix string) (Range, error) {
	lo, err := Parse(prefix)
	if err != nil {
		return Range{}, err
	}

	segs := releaseSegments(prefix)
	segs[len(segs)-1]++

	hi, err := Parse(strings.Join(intsToStrings(segs), "."))
	if err != nil {
		return Range{}, err
	}

	return single(Interval{Low: inclusiveBound(lo), High: exclusiveBound(hi)}), nil
}

// compatibleUpperBound computes the exclusive upper bound of a ~= specifier:
// ~=2.2 means >=2.2,<3.0; ~=2.2.1 means >=2.2.1,<2.3.0 (the last release
// segment is dropped, then the new last segment is incremented).
func compatibleUpperBound(raw string) (Version, error) {
	segs := releaseSegments(raw)
	if len(segs) < 2 {
		return Version{}, fmt.Errorf("~= requires at least two release segments, got %q", raw)
	}

	segs = segs[:len(segs)-1]
	segs[len(segs)-1]++

	return Parse(strings.Join(intsToStrings(segs), "."))
}

var releaseOnlyRe = regexp.MustCompile(`^(?:\d+!)?(\d+(?:\.\d+)*)`)

// releaseSegments extracts the dotted integer release segments from a
// version string, ignoring any epoch prefix and pre/post/dev/local suffix.
// This is a deliberately narrow helper: only the pieces the ~= and .*
// operators need, not a full PEP 440 parse (that parse already lives in the
// underlying Version/Specifiers types).
func releaseSegments(raw string) []int {
	m := releaseOnlyRe.FindStringSubmatch(raw)
	if m == nil {
		return []int{0}
	}

	parts := strings.Split(m[1], ".")
	out := make([]int, len(parts))

	for i, p := range parts {
		n, _ := strconv.Atoi(p)
		out[i] = n
	}

	return out
}

func intsToStrings(ints []int) []string {
	out := make([]string, len(ints))
	for i, n := range ints {
		out[i] = strconv.Itoa(n)
	}

	return out
}
