package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemotePathJoinsHomeVersionAndDir(t *testing.T) {
	got := RemotePath("/home/alice", "1.2.3")
	assert.Equal(t, "/home/alice/.cache/rcp/bin/rcpd-1.2.3", got)
}

func TestSha256HexMatchesKnownVector(t *testing.T) {
	// sha256("") well-known empty-string digest.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sha256Hex(nil))
}

func TestShQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'plain'`, shQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shQuote("it's"))
}
