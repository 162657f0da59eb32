// Package dirtracker ports the destination-side directory completion
// state machine from original_source/rcp/src/directory_tracker.rs: it
// tracks, per destination directory, how many files remain before the
// directory can be considered complete, and raises DestinationDone once
// the whole tree is done.
//
// A directory completes the instant its file count reaches zero; rcp does
// not wait for descendant directories to complete first (see the
// keep_if_empty note on MarkDirectoryEmpty). Implementing true post-order
// completion is tracked as a possible follow-up, not attempted here.
package dirtracker

import (
	"sync"

	"github.com/wykurz/rcp/internal/metadata"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/wire"
)

var log = rlog.For("dirtracker")

// Policy applies deferred metadata once a directory is known complete.
// Implemented by internal/destengine; kept as an interface here so this
// package stays free of a dependency on the metadata-application code
// path and its os/filesystem calls.
type Policy interface {
	ApplyDirMetadata(dst string, meta metadata.Metadata) error
}

type dirState struct {
	filesExpected *int // nil means "not yet known"
	filesRemaining int
	meta           metadata.Metadata
	created        bool // true if we created it, false if reused an existing dir
}

// Tracker is the shared, mutex-guarded completion state machine. A single
// instance is shared between the control-receiver goroutine and every
// file-receiver goroutine for one destination-engine run.
//
// The mutex is held only across state mutation, never across I/O or a
// Wire send: in particular, unlike directory_tracker.rs's add_directory
// (which sends DirectoryCreated while still holding its lock), this port
// releases the lock before sending — a deliberate deviation recorded in
// DESIGN.md, since holding a Go mutex across a network write would
// violate the "never across I/O" rule more literally than the original.
type Tracker struct {
	mu sync.Mutex

	pending map[string]*dirState
	failed  map[string]bool

	policy Policy

	rootDir          string
	structureComplete bool
	rootComplete      bool
	doneSent          bool

	controlStream *wire.Wire
}

// New builds a Tracker for a single transfer rooted at rootDir (the
// destination-side root path, as it will appear in Directory.Dst/File.Dst).
func New(rootDir string, controlStream *wire.Wire, policy Policy) *Tracker {
	return &Tracker{
		pending:       make(map[string]*dirState),
		failed:        make(map[string]bool),
		policy:        policy,
		rootDir:       rootDir,
		controlStream: controlStream,
	}
}

// HasFailedAncestor reports whether dst or any of its ancestors (by
// simple path-prefix walk up to rootDir) has been marked failed, meaning
// its descendants must be skipped rather than created.
func (t *Tracker) HasFailedAncestor(dst string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := dst; ; p = parentOf(p) {
		if t.failed[p] {
			return true
		}
		if p == t.rootDir || p == "" || p == "." {
			return false
		}
	}
}

func parentOf(p string) string {
	i := lastSlash(p)
	if i < 0 {
		return ""
	}
	return p[:i]
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// AddDirectory registers a newly-seen (or reused) directory as pending,
// with an as-yet-unknown file count, and notifies the source it may begin
// streaming files for it. created distinguishes "we ran mkdir" from "we
// reused an existing directory" for correct accounting.
func (t *Tracker) AddDirectory(src, dst string, meta metadata.Metadata, created bool) error {
	t.mu.Lock()
	t.pending[dst] = &dirState{meta: meta, created: created}
	t.mu.Unlock()

	return t.controlStream.SendControl(protocol.DirectoryCreated{Src: src, Dst: dst})
}

// MarkDirectoryFailed records that dst could not be created (or could not
// be recovered from an overwrite conflict); its descendants will be
// skipped by HasFailedAncestor and dst itself is dropped from pending so
// it never blocks completion.
func (t *Tracker) MarkDirectoryFailed(dst string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[dst] = true
	delete(t.pending, dst)
}

// completeLocked finalizes dst: applies deferred metadata, removes it
// from pending, and updates rootComplete if dst was the root. Caller must
// hold t.mu.
func (t *Tracker) completeLocked(dst string) error {
	st, ok := t.pending[dst]
	if !ok {
		return nil
	}
	delete(t.pending, dst)
	isRoot := dst == t.rootDir
	meta := st.meta
	t.mu.Unlock()
	var err error
	if t.policy != nil {
		err = t.policy.ApplyDirMetadata(dst, meta)
	}
	t.mu.Lock()
	if isRoot {
		t.rootComplete = true
	}
	return err
}

// ProcessFile accounts for one file (successful or skipped) under dst. On
// the first call for a given directory it fixes filesExpected at
// dirTotalFiles; on every call it decrements filesRemaining, completing
// the directory when it reaches zero.
func (t *Tracker) ProcessFile(dst string, dirTotalFiles int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[dst]
	if !ok {
		log.Warnf("process_file for unknown/already-complete directory %s", dst)
		return nil
	}
	if st.filesExpected == nil {
		n := dirTotalFiles
		st.filesExpected = &n
		st.filesRemaining = dirTotalFiles
	}
	st.filesRemaining--
	if st.filesRemaining <= 0 {
		return t.completeLocked(dst)
	}
	return nil
}

// MarkDirectoryEmpty seals a directory's file count at zero, completing
// it immediately. keepIfEmpty is accepted for wire compatibility but not
// acted on further: pruning the destination tree when an intermediate
// directory ends up with no descendants is not implemented (see package
// doc and DESIGN.md's Open Question log).
func (t *Tracker) MarkDirectoryEmpty(dst string, keepIfEmpty bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[dst]
	if !ok {
		return nil
	}
	zero := 0
	st.filesExpected = &zero
	st.filesRemaining = 0
	return t.completeLocked(dst)
}

// SetStructureComplete records that the skeleton walk finished. If
// hasRootItem is false (e.g. everything was filtered out, or a dry run
// saw no entries), root_complete is also set immediately since no root
// Directory/File/Symlink will ever arrive to complete it.
func (t *Tracker) SetStructureComplete(hasRootItem bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.structureComplete = true
	if !hasRootItem {
		t.rootComplete = true
	}
}

// IsDone reports whether all three completion predicates hold:
// structure_complete, every pending directory at zero remaining (i.e. the
// pending map is empty, since completion removes entries), and
// root_complete.
func (t *Tracker) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isDoneLocked()
}

func (t *Tracker) isDoneLocked() bool {
	return t.structureComplete && len(t.pending) == 0 && t.rootComplete
}

// MarkRootItemComplete records that the root item itself finished: used
// when the root is a File or Symlink rather than a directory, since those
// never pass through completeLocked (there is no pending dirState for
// them to begin with).
func (t *Tracker) MarkRootItemComplete() error {
	t.mu.Lock()
	t.rootComplete = true
	t.mu.Unlock()
	return t.MaybeSendDestinationDone()
}

// MaybeSendDestinationDone sends DestinationDone exactly once, the first
// time IsDone becomes true. Safe to call after every state-mutating
// event; idempotent via done_sent.
func (t *Tracker) MaybeSendDestinationDone() error {
	t.mu.Lock()
	if !t.isDoneLocked() || t.doneSent {
		t.mu.Unlock()
		return nil
	}
	t.doneSent = true
	t.mu.Unlock()
	log.Info("sending DestinationDone")
	return t.controlStream.SendControl(protocol.DestinationDone{})
}

// CloseStream closes the control stream used for DirectoryCreated/
// DestinationDone notifications.
func (t *Tracker) CloseStream() error {
	return t.controlStream.Close()
}
