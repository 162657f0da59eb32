package dirtracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp/internal/metadata"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/wire"
)

// drainedWire returns a Wire whose every sent control message is silently
// read and discarded on the other end of the pipe, so SendControl never
// blocks waiting for a reader the test doesn't care about.
func drainedWire(t *testing.T) *wire.Wire {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	sw := wire.New(server, protocol.Codec{})
	go func() {
		for {
			if _, err := sw.RecvObject(); err != nil {
				return
			}
		}
	}()
	return wire.New(client, protocol.Codec{})
}

type fakePolicy struct {
	applied map[string]metadata.Metadata
}

func newFakePolicy() *fakePolicy { return &fakePolicy{applied: make(map[string]metadata.Metadata)} }

func (f *fakePolicy) ApplyDirMetadata(dst string, meta metadata.Metadata) error {
	f.applied[dst] = meta
	return nil
}

func TestSingleDirectoryCompletesWhenFilesReachZero(t *testing.T) {
	w := drainedWire(t)
	policy := newFakePolicy()
	tr := New("a", w, policy)

	require.NoError(t, tr.AddDirectory("/src/a", "a", metadata.Metadata{}, true))
	tr.SetStructureComplete(true)
	assert.False(t, tr.IsDone())

	require.NoError(t, tr.ProcessFile("a", 2))
	assert.False(t, tr.IsDone())
	require.NoError(t, tr.ProcessFile("a", 2))

	assert.Contains(t, policy.applied, "a")
	assert.True(t, tr.IsDone())
}

func TestMarkDirectoryEmptyCompletesImmediately(t *testing.T) {
	w := drainedWire(t)
	tr := New("empty", w, newFakePolicy())

	require.NoError(t, tr.AddDirectory("/src/empty", "empty", metadata.Metadata{}, true))
	require.NoError(t, tr.MarkDirectoryEmpty("empty", false))
	tr.SetStructureComplete(true)
	assert.True(t, tr.IsDone())
}

func TestHasFailedAncestorPropagatesToDescendants(t *testing.T) {
	w := drainedWire(t)
	tr := New("", w, newFakePolicy())

	tr.MarkDirectoryFailed("a")
	assert.True(t, tr.HasFailedAncestor("a/b/c"))
	assert.False(t, tr.HasFailedAncestor("other"))
}

func TestSetStructureCompleteWithNoRootItemFinishesRoot(t *testing.T) {
	w := drainedWire(t)
	tr := New("", w, newFakePolicy())
	tr.SetStructureComplete(false)
	assert.True(t, tr.IsDone())
}

func TestMaybeSendDestinationDoneIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	sw := wire.New(server, protocol.Codec{})

	recvCh := make(chan any, 2)
	go func() {
		for {
			msg, err := sw.RecvObject()
			if err != nil {
				return
			}
			recvCh <- msg
		}
	}()

	tr := New("", wire.New(client, protocol.Codec{}), newFakePolicy())
	tr.SetStructureComplete(false)
	require.NoError(t, tr.MaybeSendDestinationDone())
	require.NoError(t, tr.MaybeSendDestinationDone())

	msg := <-recvCh
	_, ok := msg.(*protocol.DestinationDone)
	assert.True(t, ok)

	select {
	case <-recvCh:
		t.Fatal("DestinationDone was sent more than once")
	default:
	}
}

func TestMarkRootItemCompleteFinishesASingleFileOrSymlinkRoot(t *testing.T) {
	w := drainedWire(t)
	tr := New("", w, newFakePolicy())

	// No root directory was ever added (the root was a File/Symlink, not
	// a directory), so completion must come from MarkRootItemComplete
	// alone, with no entry in pending.
	tr.SetStructureComplete(true)
	assert.False(t, tr.IsDone())

	require.NoError(t, tr.MarkRootItemComplete())
	assert.True(t, tr.IsDone())
}

func TestProcessFileForUnknownDirectoryIsHarmless(t *testing.T) {
	w := drainedWire(t)
	tr := New("", w, newFakePolicy())
	assert.NoError(t, tr.ProcessFile("never-added", 1))
}
