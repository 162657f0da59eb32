// Package preservestub defines the black-box metadata-preservation
// policy rcp's destination engine consults before writing owner/group/
// mode/time attributes back. Parsing the --preserve flag's settings
// syntax is out of scope (spec.md §1); this package only declares the
// interface the engine calls, and adapts it to internal/metadata.Policy.
package preservestub

import "github.com/wykurz/rcp/internal/metadata"

// Policy decides which metadata fields a transfer restores. field is one
// of "uid", "gid", "mode", "mtime".
type Policy interface {
	ShouldSet(field string) bool
}

// None is the trivial Policy that preserves nothing.
type None struct{}

func (None) ShouldSet(string) bool { return false }

// asMetadataPolicy adapts a preservestub.Policy to internal/metadata.Policy,
// which internal/metadata consumes instead of this
// package's field-name-string interface.
type asMetadataPolicy struct{ p Policy }

// AsMetadataPolicy wraps p as a metadata.Policy.
func AsMetadataPolicy(p Policy) metadata.Policy {
	if p == nil {
		return nil
	}
	return asMetadataPolicy{p: p}
}

func (a asMetadataPolicy) Owner() bool { return a.p.ShouldSet("uid") }
func (a asMetadataPolicy) Group() bool { return a.p.ShouldSet("gid") }
func (a asMetadataPolicy) Mode() bool  { return a.p.ShouldSet("mode") }
func (a asMetadataPolicy) Times() bool { return a.p.ShouldSet("mtime") }
