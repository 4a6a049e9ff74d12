// Package markers implements the PEP 508 environment-marker algebra:
// parsing, tri-state evaluation against a concrete or partially-bound
// environment, and the satisfiability/disjointness/implication operations
// the resolver uses to decide when to fork (spec.md §4.A, §4.D).
package markers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppm-dev/ppm/internal/pep440"
)

// Tri is a three-valued logic result: environment variables that are not
// bound at resolution time (the universal, multi-environment case) leave
// comparisons Indeterminate rather than forcing a guess.
type Tri int

const (
	False Tri = iota
	True
	Indeterminate
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "indeterminate"
	}
}

func not(t Tri) Tri {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Indeterminate
	}
}

// versionVariables names the marker variables whose values order as PEP 440
// versions rather than as opaque strings.
var versionVariables = map[string]bool{
	"python_version":         true,
	"python_full_version":    true,
	"implementation_version": true,
}

// Env is a (possibly partial) binding of marker variables. A variable with
// no entry in Values is left symbolic. Extras and Groups record which
// extras/dependency-groups are active for this evaluation, per spec.md §3.
type Env struct {
	Values map[string]string
	Extras map[string]bool
	Groups map[string]bool
}

// Lookup returns the bound value for name and whether it is bound.
func (e Env) Lookup(name string) (string, bool) {
	if e.Values == nil {
		return "", false
	}

	v, ok := e.Values[name]

	return v, ok
}

// Expr is a boolean expression over environment variables.
type Expr interface {
	Evaluate(env Env) Tri
	// toDNF returns the expression in disjunctive-normal form: a set of
	// conjunctive clauses, any one of which being satisfiable makes the
	// whole expression satisfiable.
	toDNF() []clause
	String() string
}

// atom is a single comparison, e.g. python_version >= "3.8".
// op is one of ==, !=, <, <=, >, >= after desugaring of in/not-in.
type atom struct {
	Var, Op, Value string
}

func (a atom) negate() atom {
	neg := map[string]string{
		"==": "!=", "!=": "==", "<": ">=", ">=": "<", "<=": ">", ">": "<=",
		"in": "not in", "not in": "in",
	}

	return atom{Var: a.Var, Op: neg[a.Op], Value: a.Value}
}

func (a atom) key() string { return a.Var + a.Op + a.Value }

// clause is a conjunction of atoms, canonically sorted and deduplicated.
type clause []atom

func (c clause) sortedKey() string {
	keys := make([]string, len(c))
	for i, a := range c {
		keys[i] = a.key()
	}

	sort.Strings(keys)

	return strings.Join(keys, "&")
}

func canonicalizeClauses(cs []clause) []clause {
	seen := map[string]clause{}

	for _, c := range cs {
		sorted := append(clause{}, c...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].key() < sorted[j].key() })

		// dedupe atoms within the clause
		dedup := sorted[:0]
		for i, a := range sorted {
			if i == 0 || a.key() != sorted[i-1].key() {
				dedup = append(dedup, a)
			}
		}

		seen[dedup.sortedKey()] = dedup
	}

	out := make([]clause, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].sortedKey() < out[j].sortedKey() })

	return out
}

// --- AST node types ---

type atomExpr struct{ a atom }

func (e atomExpr) toDNF() []clause { return []clause{{e.a}} }
func (e atomExpr) String() string  { return fmt.Sprintf("%s %s %q", e.a.Var, e.a.Op, e.a.Value) }

func (e atomExpr) Evaluate(env Env) Tri {
	bound, ok := env.Lookup(e.a.Var)
	if !ok {
		return Indeterminate
	}

	if versionVariables[e.a.Var] {
		lv, err1 := pep440.Parse(bound)
		rv, err2 := pep440.Parse(e.a.Value)

		if err1 == nil && err2 == nil {
			return triFromCompare(lv.Compare(rv), e.a.Op)
		}
	}

	switch e.a.Op {
	case "==":
		return triFromBool(bound == e.a.Value)
	case "!=":
		return triFromBool(bound != e.a.Value)
	case "in":
		return triFromBool(strings.Contains(e.a.Value, bound))
	case "not in":
		return triFromBool(!strings.Contains(e.a.Value, bound))
	default:
		return triFromBool(compareStrings(bound, e.a.Op, e.a.Value))
	}
}

func triFromBool(b bool) Tri {
	if b {
		return True
	}

	return False
}

func triFromCompare(cmp int, op string) Tri {
	switch op {
	case "==":
		return triFromBool(cmp == 0)
	case "!=":
		return triFromBool(cmp != 0)
	case "<":
		return triFromBool(cmp < 0)
	case "<=":
		return triFromBool(cmp <= 0)
	case ">":
		return triFromBool(cmp > 0)
	case ">=":
		return triFromBool(cmp >= 0)
	default:
		return Indeterminate
	}
}

func compareStrings(left, op, right string) bool {
	switch op {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	default:
		return left == right
	}
}

type andExpr struct{ left, right Expr }

func (e andExpr) String() string { return fmt.Sprintf("(%s and %s)", e.left, e.right) }

func (e andExpr) Evaluate(env Env) Tri {
	l, r := e.left.Evaluate(env), e.right.Evaluate(env)
	if l == False || r == False {
		return False
	}

	if l == True && r == True {
		return True
	}

	return Indeterminate
}

func (e andExpr) toDNF() []clause {
	var out []clause

	for _, lc := range e.left.toDNF() {
		for _, rc := range e.right.toDNF() {
			merged := append(append(clause{}, lc...), rc...)
			out = append(out, merged)
		}
	}

	return out
}

type orExpr struct{ left, right Expr }

func (e orExpr) String() string { return fmt.Sprintf("(%s or %s)", e.left, e.right) }

func (e orExpr) Evaluate(env Env) Tri {
	l, r := e.left.Evaluate(env), e.right.Evaluate(env)
	if l == True || r == True {
		return True
	}

	if l == False && r == False {
		return False
	}

	return Indeterminate
}

func (e orExpr) toDNF() []clause {
	return append(e.left.toDNF(), e.right.toDNF()...)
}

type notExpr struct{ x Expr }

func (e notExpr) String() string { return fmt.Sprintf("not %s", e.x) }
func (e notExpr) Evaluate(env Env) Tri { return not(e.x.Evaluate(env)) }

// toDNF pushes negation to the leaves via De Morgan, then distributes.
func (e notExpr) toDNF() []clause {
	switch x := e.x.(type) {
	case atomExpr:
		return []clause{{x.a.negate()}}
	case andExpr:
		return (orExpr{left: notExpr{x.left}, right: notExpr{x.right}}).toDNF()
	case orExpr:
		return (andExpr{left: notExpr{x.left}, right: notExpr{x.right}}).toDNF()
	case notExpr:
		return x.x.toDNF()
	default:
		return e.x.toDNF()
	}
}

// And returns the conjunction of a and b.
func And(a, b Expr) Expr { return andExpr{left: a, right: b} }

// Or returns the disjunction of a and b.
func Or(a, b Expr) Expr { return orExpr{left: a, right: b} }

// Not returns the negation of a.
func Not(a Expr) Expr { return notExpr{x: a} }

// Always is the marker that is unconditionally true (an empty marker).
var Always Expr = alwaysExpr{}

type alwaysExpr struct{}

func (alwaysExpr) Evaluate(Env) Tri  { return True }
func (alwaysExpr) toDNF() []clause   { return []clause{{}} }
func (alwaysExpr) String() string    { return "" }

// Parse parses a PEP 508 marker expression.
func Parse(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Always, nil
	}

	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}

	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected trailing input in marker %q", s)
	}

	return e, nil
}

// Satisfiable reports whether there exists an assignment of the symbolic
// variables in e that makes e true.
func Satisfiable(e Expr) bool {
	for _, c := range canonicalizeClauses(e.toDNF()) {
		if clauseSatisfiable(c) {
			return true
		}
	}

	return false
}

// Disjoint reports whether a and b can never both be true under any
// environment: their conjunction is unsatisfiable.
func Disjoint(a, b Expr) bool {
	return !Satisfiable(andExpr{left: a, right: b})
}

// Implies reports whether a being true forces b to be true: a AND NOT b is
// unsatisfiable.
func Implies(a, b Expr) bool {
	return Disjoint(a, notExpr{x: b})
}

// Normalize returns a canonical string form of e: a sorted, deduplicated
// disjunctive-normal-form clause list. Markers that differ only in clause
// order, duplicate clauses, or the `in`/`not in` desugaring (spec.md §9's
// `x == 'a' or x == 'b'` vs `x in {a,b}` example) normalize to the same
// string, which is what fork deduplication compares. Atoms are compared by
// their literal text, so other equivalent markers can normalize differently.
func Normalize(e Expr) string {
	clauses := canonicalizeClauses(e.toDNF())
	parts := make([]string, len(clauses))

	for i, c := range clauses {
		parts[i] = c.sortedKey()
	}

	return strings.Join(parts, "|")
}

// Equivalent reports whether a and b normalize identically.
func Equivalent(a, b Expr) bool { return Normalize(a) == Normalize(b) }

func clauseSatisfiable(c clause) bool {
	byVar := map[string][]atom{}
	for _, a := range c {
		byVar[a.Var] = append(byVar[a.Var], a)
	}

	for v, atoms := range byVar {
		if versionVariables[v] {
			if !versionClauseSatisfiable(atoms) {
				return false
			}

			continue
		}

		if !discreteClauseSatisfiable(atoms) {
			return false
		}
	}

	return true
}

func versionClauseSatisfiable(atoms []atom) bool {
	r := pep440.Universe

	for _, a := range atoms {
		spec, err := pep440.ParseSpecifierSet(a.Op + a.Value)
		if err != nil {
			continue // non-version literal compared against a version var; ignore, treat as unconstrained
		}

		r = pep440.Intersect(r, spec)
	}

	return !r.IsEmpty()
}

func discreteClauseSatisfiable(atoms []atom) bool {
	var eq string

	hasEq := false
	neq := map[string]bool{}

	for _, a := range atoms {
		switch a.Op {
		case "==":
			if hasEq && eq != a.Value {
				return false
			}

			eq, hasEq = a.Value, true
		case "!=":
			neq[a.Value] = true
		}
	}

	if hasEq && neq[eq] {
		return false
	}

	return true
}
