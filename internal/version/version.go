// Package version carries rcp's version tag: a semantic version plus an
// optional git-describe string, with Tag.Equal as the exact-equality
// comparison. The master and the daemons do not exchange tags, so no
// version comparison takes place before a transfer.
package version

import (
	"fmt"

	semver "github.com/coreos/go-semver/semver"
)

// Tag identifies one build of rcp/rcpd.
type Tag struct {
	Semantic    semver.Version
	GitDescribe string
}

// Current is the Tag this build reports. Nothing in the repository sets
// it, so it is 0.0.0 with an empty GitDescribe.
var Current = Tag{Semantic: *semver.New("0.0.0")}

// Parse builds a Tag from a semantic-version string and a git-describe
// string (may be empty).
func Parse(semanticVersion, gitDescribe string) (Tag, error) {
	v, err := semver.NewVersion(semanticVersion)
	if err != nil {
		return Tag{}, fmt.Errorf("version: parse %q: %w", semanticVersion, err)
	}
	return Tag{Semantic: *v, GitDescribe: gitDescribe}, nil
}

// Equal reports whether t and other have identical semantic versions and
// git-describe strings. Neither the master nor the daemons call it.
func (t Tag) Equal(other Tag) bool {
	return t.Semantic.Compare(other.Semantic) == 0 && t.GitDescribe == other.GitDescribe
}

// String renders "1.2.3 (abcdef1)" or just "1.2.3" when GitDescribe is empty.
func (t Tag) String() string {
	if t.GitDescribe == "" {
		return t.Semantic.String()
	}
	return fmt.Sprintf("%s (%s)", t.Semantic.String(), t.GitDescribe)
}
