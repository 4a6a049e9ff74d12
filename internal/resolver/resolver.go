// Package resolver implements the backtracking, marker-forking dependency
// resolver. It selects one version per (package, fork), driving a
// MetadataSource for dependency metadata and an internal/markers
// Env/Expr algebra for universal, multi-environment resolution.
//
// The derivation is a partial assignment plus, for each unassigned
// (package, fork), a candidate pep440.Range — the intersection of every
// requirement seen so far for it. Backtracking undoes that state through a
// journal of closures rather than cloning the candidate-range map (see
// DESIGN.md "Backtracking without cloning"); the search itself is plain
// recursive backtracking (try a candidate, recurse, undo on failure), sound
// and terminating for the finite per-package version sets involved, though
// it approximates a minimal conflict-set backtrack target with
// chronological (most-recent-decision-first) backtracking rather than a
// full non-chronological jump — see DESIGN.md.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ppm-dev/ppm/internal/markers"
	"github.com/ppm-dev/ppm/internal/pep440"
	"github.com/ppm-dev/ppm/internal/requirement"
)

// Mode selects which version within a candidate range wins.
type Mode int

const (
	Highest Mode = iota
	Lowest
	LowestDirect
)

// PrereleasePolicy controls pre-release candidate eligibility.
type PrereleasePolicy int

const (
	DisallowPreReleases PrereleasePolicy = iota
	AllowPreReleases
	IfNecessaryOrExplicit
	ExplicitPreReleases
)

// Option configures a Service.
type Option func(*Service)

// WithNoDeps disables transitive dependency resolution: only the roots are
// resolved.
func WithNoDeps(noDeps bool) Option {
	return func(s *Service) { s.noDeps = noDeps }
}

// WithEnv binds concrete marker values. When fully bound this collapses
// forking to a single environment; when left zero-valued (nil Values map)
// resolution runs in universal mode and forks are materialized lazily.
func WithEnv(env markers.Env) Option {
	return func(s *Service) { s.env = env }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMode sets the resolution mode.
func WithMode(m Mode) Option {
	return func(s *Service) { s.mode = m }
}

// WithPrereleasePolicy sets the pre-release policy.
func WithPrereleasePolicy(p PrereleasePolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithPreferences seeds the resolver with a prior lockfile's choices, keyed
// by normalized package name. The preferred version is tried first
// whenever it falls within the current candidate range, for minimal-churn
// re-resolution.
func WithPreferences(prefs map[string]string) Option {
	return func(s *Service) { s.preferences = prefs }
}

// WithUpgrade marks package names (or, if the single element "*" is given,
// every package) whose preference should be suppressed, forcing
// re-selection.
func WithUpgrade(names []string) Option {
	return func(s *Service) {
		s.upgrade = map[string]bool{}
		for _, n := range names {
			s.upgrade[requirement.NormalizeName(n)] = true
		}
	}
}

// Service drives a resolution.
type Service struct {
	source      MetadataSource
	noDeps      bool
	env         markers.Env
	mode        Mode
	policy      PrereleasePolicy
	preferences map[string]string
	upgrade     map[string]bool
	logger      *slog.Logger
}

// New creates a resolver Service over the given metadata source.
func New(source MetadataSource, opts ...Option) *Service {
	s := &Service{
		source: source,
		policy: IfNecessaryOrExplicit,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Resolve resolves a set of root requirement strings into a resolution
// graph.
func (s *Service) Resolve(ctx context.Context, rootRequirements []string) (*Graph, error) {
	root := newRootFork()

	d := &derivation{
		svc:        s,
		ranges:     map[key]pep440.Range{},
		preMarks:   map[key]bool{},
		directKeys: map[key]bool{},
		graph:      newGraph(),
		forks:      newForkRegistry(root),
	}
	d.graph.Forks[root.ID] = root

	rootNode := NodeID{Name: "", ForkID: root.ID}

	for _, raw := range rootRequirements {
		req, err := requirement.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid requirement grammar: %w", err)
		}

		if err := d.addRequirement(root, req, EdgeRuntime, rootNode); err != nil {
			return nil, err
		}
	}

	if err := d.solve(ctx); err != nil {
		return nil, err
	}

	for _, f := range d.forks.all {
		d.graph.Forks[f.ID] = f
	}

	return d.graph, nil
}

// key identifies one (package, fork) resolution slot.
type key struct {
	Name   string
	ForkID string
}

// derivation holds all mutable solver state for a single Resolve call.
type derivation struct {
	svc *Service

	ranges     map[key]pep440.Range
	preMarks   map[key]bool // whether any requirement seen for this key mentioned a pre-release
	directKeys map[key]bool // whether this key was ever required directly by a root requirement

	pendingQueue []key
	journal      []func()

	graph *Graph
	forks *forkRegistry
}

func (d *derivation) mark() (journalMark, queueMark int) {
	return len(d.journal), len(d.pendingQueue)
}

func (d *derivation) undoTo(journalMark, queueMark int) {
	for len(d.journal) > journalMark {
		last := d.journal[len(d.journal)-1]
		d.journal = d.journal[:len(d.journal)-1]
		last()
	}

	d.pendingQueue = d.pendingQueue[:queueMark]
}

// relation classifies how a dependency's marker relates to the fork it is
// being introduced into.
type relation int

const (
	relAlways relation = iota
	relNever
	relFork
)

func (d *derivation) relate(fork *Fork, m markers.Expr) relation {
	if markers.Implies(fork.Marker, m) {
		return relAlways
	}

	if markers.Disjoint(fork.Marker, m) {
		return relNever
	}

	return relFork
}

// addRequirement intersects req into the candidate range of (req.Name,
// targetFork), forking curFork if req.Marker neither always nor never
// holds there. Returns a conflict error if the resulting range (or an
// already-assigned version) is made empty/unsatisfied.
func (d *derivation) addRequirement(curFork *Fork, req requirement.Requirement, kind EdgeKind, from NodeID) error {
	targetFork := curFork

	switch d.relate(curFork, req.Marker) {
	case relNever:
		return nil
	case relFork:
		if boundEnv(d.svc.env) {
			tri := req.Marker.Evaluate(d.svc.env)
			if tri == markers.False {
				return nil
			}
			// True or Indeterminate with a bound env: fall through and
			// treat the requirement as applying directly, without
			// materializing a sibling fork — a single concrete
			// environment never needs one.
		} else {
			trueFork, _ := d.forks.splitOnMarker(curFork, req.Marker)
			targetFork = trueFork
		}
	}

	k := key{Name: req.Name, ForkID: targetFork.ID}

	// A requirement introduced directly by the project (from the
	// synthetic root node, whose Name is always empty) marks its key as
	// direct permanently: directness is a structural fact about how the
	// key entered the derivation, not a choice that backtracking undoes.
	if from.Name == "" && !d.directKeys[k] {
		d.directKeys[k] = true
	}

	d.graph.addEdge(Edge{From: from, To: NodeID{Name: req.Name, ForkID: targetFork.ID}, Kind: kind, Marker: markers.Normalize(req.Marker)})
	edgeIdx := len(d.graph.Edges) - 1
	d.journal = append(d.journal, func() {
		d.graph.Edges = append(d.graph.Edges[:edgeIdx], d.graph.Edges[edgeIdx+1:]...)
	})

	if assignedVersion, ok := targetFork.assignedVersion(req.Name); ok {
		v, err := pep440.Parse(assignedVersion)
		if err == nil && !req.Range.Contains(v) {
			return fmt.Errorf("%s: already resolved to %s, which does not satisfy %s", req.Name, assignedVersion, req)
		}

		return nil
	}

	oldRange, hadRange := d.ranges[k]
	newRange := req.Range

	if hadRange {
		newRange = pep440.Intersect(oldRange, req.Range)
	}

	d.ranges[k] = newRange
	d.journal = append(d.journal, func() {
		if hadRange {
			d.ranges[k] = oldRange
		} else {
			delete(d.ranges, k)
		}
	})

	if newRange.IsEmpty() {
		return fmt.Errorf("%s: no version satisfies %s intersected with prior requirements", req.Name, req)
	}

	if !hadRange {
		d.pendingQueue = append(d.pendingQueue, k)
	}

	return nil
}

func boundEnv(env markers.Env) bool { return env.Values != nil }

// solve drains the pending queue, picking the most-recently-introduced key
// as tie-break and trying candidate versions in mode order, recursing to
// resolve the rest of the queue and undoing on conflict.
func (d *derivation) solve(ctx context.Context) error {
	if len(d.pendingQueue) == 0 {
		return nil
	}

	k := d.pendingQueue[len(d.pendingQueue)-1]
	d.pendingQueue = d.pendingQueue[:len(d.pendingQueue)-1]

	rng := d.ranges[k]

	candidates, err := d.svc.source.Versions(ctx, k.Name)
	if err != nil {
		return fmt.Errorf("fetching versions for %s: %w", k.Name, err)
	}

	ordered := orderedCandidates(candidates, rng, d.svc.mode, d.svc.policy, d.preMarks[k], d.directKeys[k])
	ordered = d.applyPreference(k, ordered)

	if len(ordered) == 0 {
		return wrapConflict(k.Name, []string{fmt.Sprintf("candidate range for %s in fork %s is empty", k.Name, k.ForkID)}, nil)
	}

	var lastErr error

	for _, ver := range ordered {
		jm, qm := d.mark()

		if err := d.tryVersion(ctx, k, ver); err != nil {
			lastErr = err
			d.undoTo(jm, qm)

			continue
		}

		if err := d.solve(ctx); err != nil {
			lastErr = err
			d.undoTo(jm, qm)

			continue
		}

		return nil
	}

	return wrapConflict(k.Name, []string{fmt.Sprintf("tried %d candidate version(s) for %s, all conflicted", len(ordered), k.Name)}, lastErr)
}

// tryVersion assigns ver to k and propagates its declared dependencies.
func (d *derivation) tryVersion(ctx context.Context, k key, ver string) error {
	fork := d.forks.all[k.ForkID]
	fork.assign(k.Name, ver)

	d.journal = append(d.journal, func() { fork.unassign(k.Name) })

	d.graph.addNode(Node{Name: k.Name, Version: ver, ForkID: k.ForkID})
	d.journal = append(d.journal, func() { delete(d.graph.Nodes, NodeID{Name: k.Name, ForkID: k.ForkID}) })

	if d.svc.noDeps {
		return nil
	}

	deps, err := d.svc.source.Dependencies(ctx, k.Name, ver)
	if err != nil {
		return fmt.Errorf("fetching dependencies for %s %s: %w", k.Name, ver, err)
	}

	from := NodeID{Name: k.Name, ForkID: k.ForkID}

	for _, dep := range deps {
		if err := d.addRequirement(fork, dep, EdgeRuntime, from); err != nil {
			return err
		}
	}

	return nil
}

// applyPreference moves the lockfile-seeded preferred version (if any, and
// not suppressed by an upgrade set) to the front of ordered, provided it is
// still present in the candidate list.
func (d *derivation) applyPreference(k key, ordered []string) []string {
	if d.svc.preferences == nil {
		return ordered
	}

	if d.svc.upgrade["*"] || d.svc.upgrade[k.Name] {
		return ordered
	}

	pref, ok := d.svc.preferences[k.Name]
	if !ok {
		return ordered
	}

	for i, v := range ordered {
		if v == pref {
			out := make([]string, 0, len(ordered))
			out = append(out, v)
			out = append(out, ordered[:i]...)
			out = append(out, ordered[i+1:]...)

			return out
		}
	}

	return ordered
}

// orderedCandidates filters candidates to those in range, not yanked, and
// eligible under the pre-release policy, then sorts them per mode. direct
// reports whether this key was ever required directly by the project: under
// LowestDirect it picks out the keys that sort lowest-first, while every
// transitive key still sorts highest-first, matching spec.md's "lowest
// direct, highest transitive" semantics.
func orderedCandidates(candidates []ArtifactVersion, rng pep440.Range, mode Mode, policy PrereleasePolicy, mentionsPre, direct bool) []string {
	var stable, pre []string

	for _, c := range candidates {
		if c.Yanked {
			continue
		}

		v, err := pep440.Parse(c.Version)
		if err != nil || !rng.Contains(v) {
			continue
		}

		if c.PreRelease {
			pre = append(pre, c.Version)
		} else {
			stable = append(stable, c.Version)
		}
	}

	sortFn := func(vs []string) {
		sort.Slice(vs, func(i, j int) bool {
			vi, _ := pep440.Parse(vs[i])
			vj, _ := pep440.Parse(vs[j])

			if mode == Lowest || (mode == LowestDirect && direct) {
				return vi.LessThan(vj)
			}

			return vi.GreaterThan(vj)
		})
	}

	sortFn(stable)
	sortFn(pre)

	eligiblePre := policy == AllowPreReleases ||
		mentionsPre ||
		(policy == IfNecessaryOrExplicit && len(stable) == 0) ||
		(policy == ExplicitPreReleases && mentionsPre)

	if !eligiblePre {
		return stable
	}

	return append(stable, pre...)
}
