// Package filterstub defines the black-box include/exclude predicate
// rcp's source engine consults while walking a tree. Compiling glob
// patterns into a Predicate is out of scope (spec.md §1); this package
// only declares the interface the engine calls.
package filterstub

// Predicate decides whether a tree entry should be included in a
// transfer. relPath is relative to the transfer root; isDir distinguishes
// directories (whose exclusion also prunes everything beneath them) from
// files and symlinks.
type Predicate interface {
	Match(relPath string, isDir bool) bool
}

// MatchAll is the trivial Predicate used when no filter was configured.
type MatchAll struct{}

func (MatchAll) Match(string, bool) bool { return true }
