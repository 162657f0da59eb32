package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecTypeOfKnownMessage(t *testing.T) {
	c := Codec{}
	typ, err := c.TypeOf(MasterToSource{SrcPath: "/a"})
	require.NoError(t, err)
	assert.Equal(t, "MasterToSource", typ)
}

func TestCodecTypeOfRejectsUntaggedValue(t *testing.T) {
	c := Codec{}
	_, err := c.TypeOf(struct{ X int }{X: 1})
	assert.Error(t, err)
}

func TestCodecNewRoundTripsEveryRegisteredType(t *testing.T) {
	c := Codec{}
	names := []string{
		"MasterToSource", "MasterToDestination", "SourceMasterHello",
		"RcpdSuccess", "RcpdFailure", "DirStub", "Directory", "Symlink",
		"SymlinkSkipped", "DirectoryEmpty", "FileSkipped",
		"DirStructureComplete", "SourceDone", "DirectoryCreated",
		"DestinationDone", "File",
	}
	for _, name := range names {
		msg, err := c.New(name)
		require.NoErrorf(t, err, "New(%q)", name)
		tagged, ok := msg.(Tagged)
		require.Truef(t, ok, "%q does not implement Tagged", name)
		assert.Equal(t, name, tagged.Type())
	}
}

func TestCodecNewUnknownType(t *testing.T) {
	c := Codec{}
	_, err := c.New("NotARealMessage")
	assert.Error(t, err)
}
