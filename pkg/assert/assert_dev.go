//go:build !release

// Package assert guards internal invariants. In development builds a violated invariant panics
// with a formatted message; release builds compile the checks away.
package assert

import "fmt"

// That panics with the formatted message when cond is false.
func That(cond bool, format string, args ...any) { //nolint:goprintffuncname // it's ok
	if !cond {
		panic(fmt.Sprintf("invariant violated: "+format, args...))
	}
}

// Never panics unconditionally. Use it in branches that must not be reached.
func Never(format string, args ...any) { //nolint:goprintffuncname // it's ok
	panic(fmt.Sprintf("unreachable: "+format, args...))
}
