package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePolicy struct {
	owner, group, mode, times bool
}

func (p fakePolicy) Owner() bool { return p.owner }
func (p fakePolicy) Group() bool { return p.group }
func (p fakePolicy) Mode() bool  { return p.mode }
func (p fakePolicy) Times() bool { return p.times }

func TestLstatReadsModeAndMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o640))

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	meta, err := Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o640), meta.Mode)
	assert.WithinDuration(t, mtime, meta.Mtime, time.Second)
}

func TestLstatMissingPath(t *testing.T) {
	_, err := Lstat(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestApplyModeUpdatesPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	err := Apply(path, Metadata{Mode: 0o600}, false, fakePolicy{mode: true})
	require.NoError(t, err)

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestApplyTimesUpdatesMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	mtime := time.Date(2023, 6, 15, 9, 30, 0, 0, time.UTC)
	err := Apply(path, Metadata{Mtime: mtime}, false, fakePolicy{times: true})
	require.NoError(t, err)

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, mtime, fi.ModTime(), time.Second)
}

func TestApplyZeroMtimeLeavesTimesUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	before, err := os.Lstat(path)
	require.NoError(t, err)

	require.NoError(t, Apply(path, Metadata{}, false, fakePolicy{times: true}))

	after, err := os.Lstat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, before.ModTime(), after.ModTime(), time.Second)
}

func TestApplyNilPolicyNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	assert.NoError(t, Apply(path, Metadata{Mode: 0o600}, false, nil))

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}

func TestApplySkipsModeForSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	err := Apply(link, Metadata{Mode: 0o600}, true, fakePolicy{mode: true, times: true})
	require.NoError(t, err)

	fi, err := os.Lstat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm(), "symlink target mode must be untouched")
}

func TestFromFileInfoExtractsOwnership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	meta := FromFileInfo(fi)
	assert.Equal(t, os.Getuid(), meta.UID)
	assert.Equal(t, os.Getgid(), meta.GID)
}
