package resolver

import (
	"github.com/google/uuid"

	"github.com/ppm-dev/ppm/internal/markers"
)

// Fork is a resolution sub-problem scoped to a region of the
// environment-marker space (spec.md §3/§4.D). Forks are created lazily: a
// single fork persists until two incompatible requirements for the same
// package disagree under markers that are neither implied nor disjoint.
type Fork struct {
	ID     string
	Marker markers.Expr
	Parent *Fork

	// pinned records versions assigned directly within this fork. Lookups
	// fall back through Parent so a child fork inherits everything decided
	// before the split without having to copy the whole assignment map —
	// this is the "lazily materialized" fork spec.md §4.D describes.
	pinned map[string]string
}

func newRootFork() *Fork {
	return &Fork{ID: "root", Marker: markers.Always, pinned: map[string]string{}}
}

// assignedVersion looks up pkg's assigned version in this fork or any
// ancestor.
func (f *Fork) assignedVersion(pkg string) (string, bool) {
	for cur := f; cur != nil; cur = cur.Parent {
		if v, ok := cur.pinned[pkg]; ok {
			return v, true
		}
	}

	return "", false
}

func (f *Fork) assign(pkg, version string) {
	f.pinned[pkg] = version
}

func (f *Fork) unassign(pkg string) {
	delete(f.pinned, pkg)
}

// forkRegistry creates and deduplicates forks by normalized marker within a
// parent, per spec.md §4.D's "resolver de-duplicates equivalent forks" and
// the marker-normalization Open Question decision recorded in DESIGN.md.
type forkRegistry struct {
	byParentAndMarker map[string]*Fork
	all               map[string]*Fork
}

func newForkRegistry(root *Fork) *forkRegistry {
	r := &forkRegistry{
		byParentAndMarker: map[string]*Fork{},
		all:               map[string]*Fork{root.ID: root},
	}
	r.byParentAndMarker[root.ID+"|"+markers.Normalize(root.Marker)] = root

	return r
}

// childFork returns the existing child of parent with the given marker, or
// creates a new one with a stable uuid-based identity.
func (r *forkRegistry) childFork(parent *Fork, marker markers.Expr) *Fork {
	key := parent.ID + "|" + markers.Normalize(marker)
	if existing, ok := r.byParentAndMarker[key]; ok {
		return existing
	}

	f := &Fork{
		ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(),
		Marker: marker,
		Parent: parent,
		pinned: map[string]string{},
	}

	r.byParentAndMarker[key] = f
	r.all[f.ID] = f

	return f
}

// splitOnMarker materializes the two children of forking parent on
// requirementMarker: one where it holds, one where it does not. Returns
// (trueFork, falseFork). Both children are created (or reused) and
// registered on every call, whichever of them the caller goes on to use.
func (r *forkRegistry) splitOnMarker(parent *Fork, requirementMarker markers.Expr) (trueFork, falseFork *Fork) {
	trueMarker := markers.And(parent.Marker, requirementMarker)
	falseMarker := markers.And(parent.Marker, markers.Not(requirementMarker))

	return r.childFork(parent, trueMarker), r.childFork(parent, falseMarker)
}
