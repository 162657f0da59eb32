package destengine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp/internal/preservestub"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/summary"
	"github.com/wykurz/rcp/internal/wire"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *wire.Wire, *summary.Summary) {
	t.Helper()
	peer, mine := net.Pipe()
	t.Cleanup(func() { peer.Close(); mine.Close() })
	if cfg.Policy == nil {
		cfg.Policy = preservestub.AsMetadataPolicy(preservestub.None{})
	}
	sum := summary.New()
	return New(cfg, wire.New(mine, protocol.Codec{}), sum), wire.New(peer, protocol.Codec{}), sum
}

// TestControlLoopFileSkippedCompletesTransfer is the scenario from
// spec.md §8.4: a file vanishes mid-walk and the source reports it as
// FileSkipped rather than ever sending a File header for it. Without
// accounting for that message, filesRemaining never reaches zero and
// DestinationDone is never sent (see the FileSkipped case in
// controlLoop).
func TestControlLoopFileSkippedCompletesTransfer(t *testing.T) {
	dstRoot := filepath.Join(t.TempDir(), "root")
	e, peer, sum := newTestEngine(t, Config{RootDst: dstRoot})

	loopErr := make(chan error, 1)
	go func() { loopErr <- e.controlLoop(context.Background()) }()

	require.NoError(t, peer.SendControl(protocol.Directory{Dst: "", IsRoot: true}))

	msg, err := peer.RecvObject()
	require.NoError(t, err)
	created, ok := msg.(*protocol.DirectoryCreated)
	require.True(t, ok, "expected DirectoryCreated, got %T", msg)
	assert.Equal(t, "", created.Dst)

	// The one file this (one-file) directory ever had vanished before the
	// source could open it; DirTotalFiles still counts it.
	require.NoError(t, peer.SendControl(protocol.FileSkipped{Src: "gone", Dst: "file1", DirTotalFiles: 1}))

	require.NoError(t, peer.SendControl(protocol.DirStructureComplete{HasRootItem: true}))

	msg, err = peer.RecvObject()
	require.NoError(t, err)
	_, ok = msg.(*protocol.DestinationDone)
	require.True(t, ok, "expected DestinationDone, got %T", msg)

	require.NoError(t, peer.SendControl(protocol.SourceDone{}))
	require.NoError(t, <-loopErr)

	assert.Equal(t, int64(1), sum.ToWire().FilesSkipped)
}

// TestHandleDirectoryReuseScopedToOverwrite covers spec.md §6/§7: without
// --overwrite, an existing directory is a conflict like any other
// pre-existing entry, not something to silently reuse.
func TestHandleDirectoryReuseScopedToOverwrite(t *testing.T) {
	t.Run("no overwrite: existing directory is an error", func(t *testing.T) {
		dstRoot := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dstRoot, "d"), 0o755))
		e, _, sum := newTestEngine(t, Config{RootDst: dstRoot, Overwrite: false})

		err := e.handleDirectory(&protocol.Directory{Dst: "d"})
		require.NoError(t, err) // per-entry failure, not fatal (FailEarly is false)

		assert.Equal(t, int64(1), sum.ToWire().Errors)
		assert.True(t, e.tracker.HasFailedAncestor("d"))
	})

	t.Run("overwrite: existing directory is reused", func(t *testing.T) {
		dstRoot := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dstRoot, "d"), 0o755))
		marker := filepath.Join(dstRoot, "d", "keepme")
		require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
		e, peer, sum := newTestEngine(t, Config{RootDst: dstRoot, Overwrite: true})
		// handleDirectory replies DirectoryCreated on the control pipe;
		// read it so the synchronous net.Pipe write can complete.
		go func() { _, _ = peer.RecvObject() }()

		err := e.handleDirectory(&protocol.Directory{Dst: "d"})
		require.NoError(t, err)

		assert.Equal(t, int64(0), sum.ToWire().Errors)
		assert.False(t, e.tracker.HasFailedAncestor("d"))
		// Reused, not recreated: the pre-existing file survives.
		_, statErr := os.Stat(marker)
		assert.NoError(t, statErr)
	})

	t.Run("fail-early turns the conflict into a fatal error", func(t *testing.T) {
		dstRoot := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dstRoot, "d"), 0o755))
		e, _, _ := newTestEngine(t, Config{RootDst: dstRoot, Overwrite: false, FailEarly: true})

		err := e.handleDirectory(&protocol.Directory{Dst: "d"})
		assert.Error(t, err)
	})
}

// TestReceiveOneFileRefusesOverwriteWithoutFlag covers spec.md §6/§7's
// overwrite-policy-violation case: a second run without --overwrite must
// leave the existing file's content untouched and record an error,
// instead of silently truncating it.
func TestReceiveOneFileRefusesOverwriteWithoutFlag(t *testing.T) {
	dstRoot := t.TempDir()
	dstPath := filepath.Join(dstRoot, "payload.txt")
	require.NoError(t, os.WriteFile(dstPath, []byte("old content"), 0o644))

	e, _, sum := newTestEngine(t, Config{RootDst: dstRoot, Overwrite: false})

	dataPeer, dataMine := net.Pipe()
	defer dataPeer.Close()
	defer dataMine.Close()
	engineWire := wire.New(dataMine, protocol.Codec{})

	payload := []byte("new content")
	hdr := &protocol.File{Dst: "payload.txt", Size: int64(len(payload)), IsRoot: true, DirTotalFiles: 1}

	recvErr := make(chan error, 1)
	go func() { recvErr <- e.receiveOneFile(engineWire, hdr) }()

	_, err := dataPeer.Write(payload)
	require.NoError(t, err)
	require.NoError(t, <-recvErr)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, "old content", string(got), "existing content must survive an overwrite refusal")
	assert.Equal(t, int64(1), sum.ToWire().Errors)
}

// TestReceiveOneFileFailEarlyAbortsOnOverwriteViolation covers the
// fail_early half of the same spec clause: once set, the first overwrite
// violation must tear down the run rather than merely recording it.
func TestReceiveOneFileFailEarlyAbortsOnOverwriteViolation(t *testing.T) {
	dstRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dstRoot, "payload.txt"), []byte("old"), 0o644))

	e, _, _ := newTestEngine(t, Config{RootDst: dstRoot, Overwrite: false, FailEarly: true})

	dataPeer, dataMine := net.Pipe()
	defer dataPeer.Close()
	defer dataMine.Close()
	engineWire := wire.New(dataMine, protocol.Codec{})

	payload := []byte("new")
	hdr := &protocol.File{Dst: "payload.txt", Size: int64(len(payload)), IsRoot: true, DirTotalFiles: 1}

	recvErr := make(chan error, 1)
	go func() { recvErr <- e.receiveOneFile(engineWire, hdr) }()

	_, err := dataPeer.Write(payload)
	require.NoError(t, err)
	assert.Error(t, <-recvErr)
}
