package summary

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	s := New()
	s.AddFileCopied(100)
	s.AddFileCopied(50)
	s.AddFileUnchanged()
	s.AddFileSkipped()
	s.AddSymlinkCopied()
	s.AddSymlinkSkipped()
	s.AddDirCreated()
	s.AddDirRemoved()
	s.AddError()
	s.AddError()

	w := s.ToWire()
	assert.Equal(t, int64(2), w.FilesCopied)
	assert.Equal(t, int64(150), w.BytesCopied)
	assert.Equal(t, int64(1), w.FilesUnchanged)
	assert.Equal(t, int64(1), w.FilesSkipped)
	assert.Equal(t, int64(1), w.SymlinksCopied)
	assert.Equal(t, int64(1), w.DirsCreated)
	assert.Equal(t, int64(2), w.Errors)
}

func TestFromWireRendersStringAndJSON(t *testing.T) {
	s := New()
	s.AddFileCopied(1024)
	s.AddError()

	r := FromWire(s.ToWire())
	str := r.String()
	assert.Contains(t, str, "1 copied")
	assert.Contains(t, str, "1024")
	assert.Contains(t, str, "errors: 1")

	data, err := r.JSON()
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"files_copied":1`)
}
