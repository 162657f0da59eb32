// Package destengine implements the destination daemon's half of a
// remote copy: it receives the directory/symlink skeleton on the control
// stream, creates the tree, accepts file streams from the source's
// connection pool, writes and verifies file contents, applies metadata,
// and reports completion via the directory tracker, per SPEC_FULL.md §4.7.
package destengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp/internal/dirtracker"
	"github.com/wykurz/rcp/internal/metadata"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/summary"
	"github.com/wykurz/rcp/internal/wire"
)

var log = rlog.For("destination")

// CompareAttr names one field --overwrite-compare can key on.
type CompareAttr string

const (
	CompareSize  CompareAttr = "size"
	CompareMtime CompareAttr = "mtime"
	CompareUID   CompareAttr = "uid"
	CompareGID   CompareAttr = "gid"
	CompareMode  CompareAttr = "mode"
)

// Config bundles everything one Run invocation needs.
type Config struct {
	RootDst      string // absolute local filesystem path data lands under
	Overwrite    bool
	CompareAttrs []CompareAttr
	FailEarly    bool
	DryRun       bool
	Policy       metadata.Policy
}

// Engine drives one destination-side transfer.
type Engine struct {
	cfg     Config
	control *wire.Wire
	tracker *dirtracker.Tracker
	summary *summary.Summary
}

// New builds an Engine. control is the bidirectional control Wire back
// to the source.
func New(cfg Config, control *wire.Wire, sum *summary.Summary) *Engine {
	e := &Engine{cfg: cfg, control: control, summary: sum}
	// The tracker keys directories by their protocol-relative Dst (""
	// for the root), never by e.cfg.RootDst's absolute filesystem path.
	e.tracker = dirtracker.New("", control, metadataPolicyAdapter{e})
	return e
}

type metadataPolicyAdapter struct{ e *Engine }

func (a metadataPolicyAdapter) ApplyDirMetadata(dst string, meta metadata.Metadata) error {
	path := a.e.resolveDst(dst)
	if err := metadata.Apply(path, meta, false, a.e.cfg.Policy); err != nil {
		return fmt.Errorf("destination: apply deferred directory metadata %s: %w", path, err)
	}
	return nil
}

func (e *Engine) resolveDst(relOrEmpty string) string {
	if relOrEmpty == "" {
		return e.cfg.RootDst
	}
	return filepath.Join(e.cfg.RootDst, relOrEmpty)
}

// Run handles the control stream until SourceDone/DestinationDone, and
// spawns one file-receiving goroutine per inbound data connection
// accepted from dataListener. It returns once the transfer is complete or
// a fatal error occurs.
func (e *Engine) Run(ctx context.Context, dataListener net.Listener) error {
	group, gctx := errgroup.WithContext(ctx)
	controlDone := make(chan struct{})

	group.Go(func() error {
		err := e.controlLoop(gctx)
		// Unblock acceptDataConns's Accept(): the control stream finishing
		// (SourceDone, or any error) is the only signal that no further
		// data connections will ever arrive, and Accept itself does not
		// otherwise observe gctx cancellation.
		close(controlDone)
		_ = dataListener.Close()
		return err
	})
	group.Go(func() error { return e.acceptDataConns(gctx, dataListener, controlDone, group) })

	return group.Wait()
}

func (e *Engine) controlLoop(ctx context.Context) error {
	for {
		msg, err := e.control.RecvObject()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("destination: control stream: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.DirStub:
			// Optional pre-announce; nothing to do with num_entries today.
			_ = m
		case *protocol.Directory:
			if err := e.handleDirectory(m); err != nil {
				return err
			}
		case *protocol.Symlink:
			if err := e.handleSymlink(m); err != nil {
				return err
			}
		case *protocol.SymlinkSkipped:
			e.summary.AddSymlinkSkipped()
			if m.IsRoot {
				if err := e.tracker.MarkRootItemComplete(); err != nil {
					return err
				}
			}
		case *protocol.DirectoryEmpty:
			if err := e.tracker.MarkDirectoryEmpty(m.Dst, m.KeepIfEmpty); err != nil {
				return err
			}
			if err := e.tracker.MaybeSendDestinationDone(); err != nil {
				return err
			}
		case *protocol.DirStructureComplete:
			// HasRootItem is the source's own determination: a root File
			// travels the data stream, invisible to this control-stream
			// reader, so it cannot be inferred from messages seen here.
			e.tracker.SetStructureComplete(m.HasRootItem)
			if err := e.tracker.MaybeSendDestinationDone(); err != nil {
				return err
			}
		case *protocol.FileSkipped:
			e.summary.AddFileSkipped()
			if err := e.tracker.ProcessFile(m.Dst[:lastSlashOrEmpty(m.Dst)], m.DirTotalFiles); err != nil {
				return err
			}
			if err := e.tracker.MaybeSendDestinationDone(); err != nil {
				return err
			}
		case *protocol.SourceDone:
			return nil
		default:
			log.Warnf("unexpected message on destination control stream: %T", msg)
		}
	}
}

func (e *Engine) handleDirectory(m *protocol.Directory) error {
	if e.tracker.HasFailedAncestor(m.Dst) {
		e.tracker.MarkDirectoryFailed(m.Dst)
		return nil
	}
	path := e.resolveDst(m.Dst)
	created := true
	if err := os.Mkdir(path, 0o755); err != nil {
		if !os.IsExist(err) {
			if m.IsRoot {
				return fmt.Errorf("destination: create root directory %s: %w", path, err)
			}
			log.Warnf("create directory %s: %v", path, err)
			e.summary.AddError()
			e.tracker.MarkDirectoryFailed(m.Dst)
			return nil
		}
		fi, statErr := os.Lstat(path)
		isExistingDir := statErr == nil && fi.IsDir()
		switch {
		case e.cfg.Overwrite && isExistingDir:
			created = false // reused existing directory
		case e.cfg.Overwrite:
			if err := os.RemoveAll(path); err != nil {
				log.Warnf("remove conflicting non-directory %s: %v", path, err)
				e.summary.AddError()
				e.tracker.MarkDirectoryFailed(m.Dst)
				return e.failEarlyErr(path)
			}
			if err := os.Mkdir(path, 0o755); err != nil {
				log.Warnf("recreate directory %s: %v", path, err)
				e.summary.AddError()
				e.tracker.MarkDirectoryFailed(m.Dst)
				return e.failEarlyErr(path)
			}
		default:
			// Reuse is scoped to the overwrite branch above: without
			// --overwrite an existing directory is as much a conflict
			// as an existing non-directory entry.
			if isExistingDir {
				log.Warnf("directory %s already exists (no --overwrite)", path)
			} else {
				log.Warnf("directory %s conflicts with an existing non-directory (no --overwrite)", path)
			}
			e.summary.AddError()
			e.tracker.MarkDirectoryFailed(m.Dst)
			return e.failEarlyErr(path)
		}
	}
	if created {
		e.summary.AddDirCreated()
	}
	return e.tracker.AddDirectory(m.Src, m.Dst, m.Metadata, created)
}

func (e *Engine) handleSymlink(m *protocol.Symlink) error {
	path := e.resolveDst(m.Dst)
	if e.tracker.HasFailedAncestor(m.Dst) {
		return nil
	}
	if err := os.Symlink(m.Target, path); err != nil {
		if os.IsExist(err) && e.cfg.Overwrite {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warnf("remove conflicting entry before symlink %s: %v", path, rmErr)
				e.summary.AddError()
				return e.maybeRootDone(m.IsRoot)
			}
			err = os.Symlink(m.Target, path)
		}
		if err != nil {
			log.Warnf("create symlink %s: %v", path, err)
			e.summary.AddError()
			return e.maybeRootDone(m.IsRoot)
		}
	}
	if err := metadata.Apply(path, m.Metadata, true, e.cfg.Policy); err != nil {
		log.Warnf("apply symlink metadata %s: %v", path, err)
		e.summary.AddError()
	}
	e.summary.AddSymlinkCopied()
	return e.maybeRootDone(m.IsRoot)
}

func (e *Engine) maybeRootDone(isRoot bool) error {
	if !isRoot {
		return nil
	}
	return e.tracker.MarkRootItemComplete()
}

// failEarlyErr turns a per-entry failure at path into a fatal error when
// --fail-early is set, tearing down the whole transfer on first error
// instead of letting the run continue and reporting it in the summary.
func (e *Engine) failEarlyErr(path string) error {
	if !e.cfg.FailEarly {
		return nil
	}
	return fmt.Errorf("destination: fail-early: %s", path)
}

// acceptDataConns accepts inbound data connections from the source's
// pool and spawns a file-receiving goroutine for each. controlDone is
// closed once the control stream finishes, at which point dataListener
// has also been closed and any resulting Accept error is expected, not
// fatal.
func (e *Engine) acceptDataConns(ctx context.Context, l net.Listener, controlDone <-chan struct{}, group *errgroup.Group) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-controlDone:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("destination: accept data connection: %w", err)
			}
		}
		dataWire := wire.New(conn, protocol.Codec{})
		group.Go(func() error { return e.receiveFiles(ctx, dataWire) })
	}
}

// receiveFiles reads one File header after another off a single data
// connection until it's closed (EOF), matching the "one connection, many
// files over its lifetime" reuse the source's pool implements.
func (e *Engine) receiveFiles(ctx context.Context, w *wire.Wire) error {
	for {
		msg, err := w.RecvObject()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("destination: data stream: %w", err)
		}
		hdr, ok := msg.(*protocol.File)
		if !ok {
			return fmt.Errorf("destination: unexpected message %T on data stream", msg)
		}
		if err := e.receiveOneFile(w, hdr); err != nil {
			return err
		}
	}
}

func (e *Engine) receiveOneFile(w *wire.Wire, hdr *protocol.File) error {
	path := e.resolveDst(hdr.Dst)

	if e.tracker.HasFailedAncestor(hdr.Dst[:lastSlashOrEmpty(hdr.Dst)]) {
		if _, err := w.CopyTo(io.Discard, hdr.Size); err != nil {
			return fmt.Errorf("destination: drain skipped file %s: %w", hdr.Dst, err)
		}
		return e.accountFile(hdr)
	}

	if unchanged, err := e.compareUnchanged(path, hdr); err != nil {
		log.Warnf("stat existing file %s: %v", path, err)
	} else if unchanged {
		if _, err := w.CopyTo(io.Discard, hdr.Size); err != nil {
			return fmt.Errorf("destination: drain unchanged file %s: %w", hdr.Dst, err)
		}
		e.summary.AddFileUnchanged()
		return e.accountFile(hdr)
	}

	if e.cfg.DryRun {
		if _, err := w.CopyTo(io.Discard, hdr.Size); err != nil {
			return fmt.Errorf("destination: drain (dry-run) file %s: %w", hdr.Dst, err)
		}
		return e.accountFile(hdr)
	}

	if _, err := os.Lstat(path); err == nil && !e.cfg.Overwrite {
		log.Warnf("file %s already exists (no --overwrite)", path)
		e.summary.AddError()
		if _, derr := w.CopyTo(io.Discard, hdr.Size); derr != nil {
			return fmt.Errorf("destination: drain overwrite-refused file %s: %w", hdr.Dst, derr)
		}
		if err := e.accountFile(hdr); err != nil {
			return err
		}
		return e.failEarlyErr(path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("remove conflicting entry before write %s: %v", path, err)
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		log.Warnf("create file %s: %v", path, err)
		e.summary.AddError()
		if _, derr := w.CopyTo(io.Discard, hdr.Size); derr != nil {
			return fmt.Errorf("destination: drain after create failure %s: %w", hdr.Dst, derr)
		}
		return e.accountFile(hdr)
	}

	copied, err := w.CopyTo(out, hdr.Size)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("destination: write file %s (fatal, tearing down transfer): %w", hdr.Dst, err)
	}
	if closeErr != nil {
		log.Warnf("close file %s: %v", path, closeErr)
	}
	if err := metadata.Apply(path, hdr.Metadata, false, e.cfg.Policy); err != nil {
		log.Warnf("apply metadata %s: %v", path, err)
		e.summary.AddError()
	}
	e.summary.AddFileCopied(copied)
	return e.accountFile(hdr)
}

func (e *Engine) accountFile(hdr *protocol.File) error {
	if hdr.IsRoot {
		return e.tracker.MarkRootItemComplete()
	}
	if err := e.tracker.ProcessFile(hdr.Dst[:lastSlashOrEmpty(hdr.Dst)], hdr.DirTotalFiles); err != nil {
		return err
	}
	return e.tracker.MaybeSendDestinationDone()
}

func lastSlashOrEmpty(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return 0
}

// compareUnchanged applies the configured --overwrite-compare attribute
// set to decide whether an existing destination file can be left alone.
// When it differs, the mismatching attributes are rendered via
// pmezard/go-difflib for the log line explaining the decision.
func (e *Engine) compareUnchanged(path string, hdr *protocol.File) (bool, error) {
	if !e.cfg.Overwrite {
		return false, nil
	}
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	existing := metadata.FromFileInfo(fi)
	var mismatches []string
	for _, attr := range e.cfg.CompareAttrs {
		switch attr {
		case CompareSize:
			if fi.Size() != hdr.Size {
				mismatches = append(mismatches, diffLine("size", fi.Size(), hdr.Size))
			}
		case CompareMtime:
			if !existing.Mtime.Equal(hdr.Metadata.Mtime) {
				mismatches = append(mismatches, diffLine("mtime", existing.Mtime, hdr.Metadata.Mtime))
			}
		case CompareUID:
			if existing.UID != hdr.Metadata.UID {
				mismatches = append(mismatches, diffLine("uid", existing.UID, hdr.Metadata.UID))
			}
		case CompareGID:
			if existing.GID != hdr.Metadata.GID {
				mismatches = append(mismatches, diffLine("gid", existing.GID, hdr.Metadata.GID))
			}
		case CompareMode:
			if existing.Mode != hdr.Metadata.Mode {
				mismatches = append(mismatches, diffLine("mode", existing.Mode, hdr.Metadata.Mode))
			}
		}
	}
	if len(mismatches) == 0 {
		return true, nil
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.Join(mismatches, "\n")),
		B:        difflib.SplitLines(""),
		FromFile: "existing",
		ToFile:   "incoming",
		Context:  0,
	})
	log.Debugf("overwrite %s: %s", path, diff)
	return false, nil
}

func diffLine(field string, existing, incoming any) string {
	return fmt.Sprintf("%s: %v -> %v", field, existing, incoming)
}
