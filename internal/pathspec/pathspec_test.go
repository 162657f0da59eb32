package pathspec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocalPath(t *testing.T) {
	p, err := Parse("/var/data/foo", false)
	require.NoError(t, err)
	assert.False(t, p.IsRemote())
	assert.Equal(t, "/var/data/foo", p.RawPath)
	assert.False(t, p.TrailingSlash)
}

func TestParseLocalPathWithColonNotConfusedForRemote(t *testing.T) {
	// A path like "./notes:v1/file" has a slash before its first colon,
	// so it must stay local.
	p, err := Parse("./notes:v1/file", false)
	require.NoError(t, err)
	assert.False(t, p.IsRemote())
}

func TestParseRemoteHostPath(t *testing.T) {
	p, err := Parse("user@host.example.com:/data/foo/", false)
	require.NoError(t, err)
	require.True(t, p.IsRemote())
	assert.Equal(t, "user", p.User)
	assert.Equal(t, "host.example.com", p.Host)
	assert.Equal(t, "", p.Port)
	assert.Equal(t, "/data/foo/", p.RawPath)
	assert.True(t, p.TrailingSlash)
}

func TestParseRemoteHostPortPath(t *testing.T) {
	p, err := Parse("host:2222:/data/foo", false)
	require.NoError(t, err)
	require.True(t, p.IsRemote())
	assert.Equal(t, "2222", p.Port)
	assert.Equal(t, "/data/foo", p.RawPath)
}

func TestParseRejectsDotDotDestination(t *testing.T) {
	_, err := Parse("/data/..", true)
	assert.Error(t, err)
	_, err = Parse("/data/.", true)
	assert.Error(t, err)
}

func TestParseAllowsDotDotOnSource(t *testing.T) {
	_, err := Parse("/data/..", false)
	assert.NoError(t, err)
}

func TestResolveExpandsRemoteHome(t *testing.T) {
	p, err := Parse("host:~/work", false)
	require.NoError(t, err)

	resolver := func() (string, error) { return "/home/remote", nil }
	resolved, err := p.Resolve(resolver)
	require.NoError(t, err)
	assert.Equal(t, "/home/remote/work", resolved)
}

func TestResolveWithoutTildeIsUnchanged(t *testing.T) {
	p, err := Parse("/absolute/path", false)
	require.NoError(t, err)
	resolved, err := p.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path", resolved)
}

func TestResolveRemoteTildeWithoutResolverFails(t *testing.T) {
	p, err := Parse("host:~", false)
	require.NoError(t, err)
	_, err = p.Resolve(nil)
	assert.Error(t, err)
}

func TestResolvePropagatesResolverError(t *testing.T) {
	p, err := Parse("host:~", false)
	require.NoError(t, err)
	_, err = p.Resolve(func() (string, error) { return "", fmt.Errorf("boom") })
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	p, _ := Parse("host:22:/x", false)
	assert.Equal(t, "host:22", p.Addr())
	p2, _ := Parse("/local", false)
	assert.Equal(t, "", p2.Addr())
}
