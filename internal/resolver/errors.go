package resolver

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// UnsatisfiableError is returned when the conflict set reaches the root:
// no assignment satisfies every requirement seen so far. The Trace is a
// human-rendered chain of requirements and offending version gaps, per
// spec.md §4.D/§7.
type UnsatisfiableError struct {
	Package string
	Trace   []string
}

func (e *UnsatisfiableError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "no version of %s satisfies the constraints placed on it:\n", e.Package)

	for _, line := range e.Trace {
		fmt.Fprintf(&b, "  %s\n", line)
	}

	return strings.TrimRight(b.String(), "\n")
}

// wrapConflict builds an UnsatisfiableError, chaining the prior cause with
// golang.org/x/xerrors so the narrative derivation survives %+v formatting
// through the CLI's error printer.
func wrapConflict(pkg string, trace []string, cause error) error {
	err := &UnsatisfiableError{Package: pkg, Trace: trace}
	if cause == nil {
		return err
	}

	return xerrors.Errorf("%s: %w", err.Error(), cause)
}
