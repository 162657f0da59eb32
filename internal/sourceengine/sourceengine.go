// Package sourceengine implements the source daemon's half of a remote
// copy: it walks the source tree, announces a directory/symlink skeleton
// on the control stream, and streams file contents over a pool of data
// streams once the destination signals each directory is ready to
// receive them, per SPEC_FULL.md §4.5.
package sourceengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp/internal/filterstub"
	"github.com/wykurz/rcp/internal/metadata"
	"github.com/wykurz/rcp/internal/pool"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/summary"
	"github.com/wykurz/rcp/internal/throttle"
	"github.com/wykurz/rcp/internal/wire"
)

var log = rlog.For("source")

// Config bundles everything one Run invocation needs.
type Config struct {
	RootSrc   string // absolute local filesystem path
	RootDst   string // destination-relative root ("" = copy root itself)
	FailEarly bool
	DryRun    bool
	Filter    filterstub.Predicate
}

// Engine drives one source-side transfer.
type Engine struct {
	cfg       Config
	control   *wire.Wire
	pool      *pool.Pool
	throttles *throttle.Set
	summary   *summary.Summary

	mu          sync.Mutex
	pendingDirs map[string]*dirRecord // keyed by destination-relative path
}

type fileEntry struct {
	name string
	size int64
}

type dirRecord struct {
	srcAbs string
	dstRel string
	files  []fileEntry
}

// New builds an Engine. control is the bidirectional control Wire to the
// destination; dataPool hands out file-transfer connections.
func New(cfg Config, control *wire.Wire, dataPool *pool.Pool, throttles *throttle.Set, sum *summary.Summary) *Engine {
	if cfg.Filter == nil {
		cfg.Filter = filterstub.MatchAll{}
	}
	return &Engine{
		cfg:         cfg,
		control:     control,
		pool:        dataPool,
		throttles:   throttles,
		summary:     sum,
		pendingDirs: make(map[string]*dirRecord),
	}
}

// Run executes the full skeleton-then-files transfer and blocks until
// SourceDone has been sent and every directory's files have been
// delivered (or the run fails fatally). It returns a fatal error only for
// transport failures or a root-entry failure; per-entry failures are
// recorded in the summary and logged.
func (e *Engine) Run(ctx context.Context) error {
	rootInfo, err := os.Lstat(e.cfg.RootSrc)
	if err != nil {
		return fmt.Errorf("source: stat root %s: %w", e.cfg.RootSrc, err)
	}

	group, gctx := errgroup.WithContext(ctx)

	// File-phase: consume DirectoryCreated/DestinationDone from the
	// destination as they arrive, concurrently with the skeleton walk.
	group.Go(func() error { return e.controlReceiveLoop(gctx, group) })

	group.Go(func() error {
		defer func() {
			if err := e.control.SendControl(protocol.SourceDone{}); err != nil {
				log.Warnf("send SourceDone: %v", err)
			}
		}()

		switch {
		case rootInfo.Mode().IsRegular():
			if err := e.sendSingleFile(gctx, rootInfo); err != nil {
				return err
			}
		case rootInfo.Mode()&os.ModeSymlink != 0:
			if err := e.emitRootSymlink(rootInfo); err != nil {
				return err
			}
		default:
			if err := e.walkDir(gctx, e.cfg.RootSrc, "", true); err != nil {
				return err
			}
		}
		// Reaching here means the root was processed successfully by
		// whichever branch above ran (each returns early on its own
		// root-level failure), so a root item always exists now.
		return e.control.SendControl(protocol.DirStructureComplete{HasRootItem: true})
	})

	return group.Wait()
}

// controlReceiveLoop reads DirectoryCreated/DestinationDone messages from
// the destination and, for each DirectoryCreated, spawns the goroutine
// that streams that directory's files.
func (e *Engine) controlReceiveLoop(ctx context.Context, group *errgroup.Group) error {
	for {
		msg, err := e.control.RecvObject()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("source: control stream: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.DirectoryCreated:
			rec := e.takePending(m.Dst)
			if rec == nil {
				log.Warnf("DirectoryCreated for unknown directory %s", m.Dst)
				continue
			}
			group.Go(func() error { return e.sendDirFiles(ctx, rec) })
		case *protocol.DestinationDone:
			return nil
		default:
			log.Warnf("unexpected message on source control stream: %T", msg)
		}
	}
}

func (e *Engine) takePending(dst string) *dirRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.pendingDirs[dst]
	delete(e.pendingDirs, dst)
	return rec
}

// walkDir recurses depth-first. It emits Directory/Symlink/SymlinkSkipped
// before descending further, and registers the directory's files (if any)
// for later delivery once DirectoryCreated arrives.
func (e *Engine) walkDir(ctx context.Context, srcAbs, dstRel string, isRoot bool) error {
	if err := e.throttles.Ops.Wait(ctx); err != nil {
		return fmt.Errorf("source: ops throttle: %w", err)
	}

	meta, err := metadata.Lstat(srcAbs)
	if err != nil {
		if isRoot {
			return fmt.Errorf("source: root directory %s: %w", srcAbs, err)
		}
		log.Warnf("skipping directory %s: %v", srcAbs, err)
		e.summary.AddError()
		return nil
	}
	if err := e.control.SendBatch(protocol.Directory{Src: srcAbs, Dst: dstRel, Metadata: meta, IsRoot: isRoot}); err != nil {
		return fmt.Errorf("source: send Directory %s: %w", dstRel, err)
	}

	entries, err := os.ReadDir(srcAbs)
	if err != nil {
		if isRoot {
			return fmt.Errorf("source: read root directory %s: %w", srcAbs, err)
		}
		log.Warnf("reading directory %s: %v", srcAbs, err)
		e.summary.AddError()
		return nil
	}

	var files []fileEntry
	directMatch := e.cfg.Filter.Match(dstRel, true)

	for _, ent := range entries {
		childSrc := filepath.Join(srcAbs, ent.Name())
		childDst := filepath.Join(dstRel, ent.Name())
		if !e.cfg.Filter.Match(childDst, ent.IsDir()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			log.Warnf("stat %s: %v", childSrc, err)
			e.summary.AddError()
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := e.emitSymlink(childSrc, childDst, false); err != nil {
				return err
			}
		case info.IsDir():
			if err := e.walkDir(ctx, childSrc, childDst, false); err != nil {
				return err
			}
		default:
			files = append(files, fileEntry{name: ent.Name(), size: info.Size()})
		}
	}

	if len(files) == 0 {
		keepIfEmpty := directMatch
		if err := e.control.SendBatch(protocol.DirectoryEmpty{Src: srcAbs, Dst: dstRel, KeepIfEmpty: keepIfEmpty}); err != nil {
			return fmt.Errorf("source: send DirectoryEmpty %s: %w", dstRel, err)
		}
		return nil
	}

	e.mu.Lock()
	e.pendingDirs[dstRel] = &dirRecord{srcAbs: srcAbs, dstRel: dstRel, files: files}
	e.mu.Unlock()
	return nil
}

func (e *Engine) emitSymlink(srcAbs, dstRel string, isRoot bool) error {
	meta, err := metadata.Lstat(srcAbs)
	if err != nil {
		return e.symlinkSkipped(srcAbs, dstRel, isRoot, err)
	}
	target, err := os.Readlink(srcAbs)
	if err != nil {
		return e.symlinkSkipped(srcAbs, dstRel, isRoot, err)
	}
	if err := e.control.SendBatch(protocol.Symlink{Src: srcAbs, Dst: dstRel, Target: target, Metadata: meta, IsRoot: isRoot}); err != nil {
		return fmt.Errorf("source: send Symlink %s: %w", dstRel, err)
	}
	e.summary.AddSymlinkCopied()
	return nil
}

func (e *Engine) emitRootSymlink(info os.FileInfo) error {
	return e.emitSymlink(e.cfg.RootSrc, "", true)
}

func (e *Engine) symlinkSkipped(srcAbs, dstRel string, isRoot bool, cause error) error {
	if isRoot {
		return fmt.Errorf("source: root symlink %s: %w", srcAbs, cause)
	}
	log.Warnf("skipping symlink %s: %v", srcAbs, cause)
	e.summary.AddSymlinkSkipped()
	if err := e.control.SendBatch(protocol.SymlinkSkipped{Src: srcAbs, Dst: dstRel, IsRoot: isRoot}); err != nil {
		return fmt.Errorf("source: send SymlinkSkipped %s: %w", dstRel, err)
	}
	return nil
}

// sendSingleFile handles the single-file-source short circuit: no
// skeleton messages at all, just one File header with IsRoot=true and
// DirTotalFiles=1 on a borrowed data stream.
func (e *Engine) sendSingleFile(ctx context.Context, info os.FileInfo) error {
	meta := metadata.FromFileInfo(info)
	return e.sendOneFile(ctx, e.cfg.RootSrc, "", fileEntry{name: "", size: info.Size()}, true, 1, meta)
}

// sendDirFiles streams every file collected for rec, after it has been
// released to do so by a DirectoryCreated message.
func (e *Engine) sendDirFiles(ctx context.Context, rec *dirRecord) error {
	total := len(rec.files)
	for _, f := range rec.files {
		srcAbs := filepath.Join(rec.srcAbs, f.name)
		dstRel := filepath.Join(rec.dstRel, f.name)
		meta, err := metadata.Lstat(srcAbs)
		if err != nil {
			log.Warnf("skipping file %s: %v", srcAbs, err)
			e.summary.AddError()
			// Dst must be the file's own path, matching sendOneFile's
			// convention below: the destination derives the parent
			// directory key from it by slicing at the last '/'.
			if err := e.control.SendControl(protocol.FileSkipped{Src: srcAbs, Dst: dstRel, DirTotalFiles: total}); err != nil {
				return fmt.Errorf("source: send FileSkipped: %w", err)
			}
			continue
		}
		if err := e.sendOneFile(ctx, srcAbs, dstRel, f, false, total, meta); err != nil {
			return err
		}
	}
	return nil
}

// sendOneFile opens, throttles, borrows a data stream, and ships a single
// file. A failure to open the file is file-local (FileSkipped, continue);
// a failure once the stream has been borrowed is always a fatal transport
// error, since the destination is now blocked waiting for bytes that will
// never arrive.
func (e *Engine) sendOneFile(ctx context.Context, srcAbs, dstRel string, f fileEntry, isRoot bool, dirTotal int, meta metadata.Metadata) error {
	if err := e.throttles.Ops.Wait(ctx); err != nil {
		return fmt.Errorf("source: ops throttle: %w", err)
	}
	if err := e.throttles.OpenFiles.Acquire(ctx); err != nil {
		return fmt.Errorf("source: open-files throttle: %w", err)
	}
	defer e.throttles.OpenFiles.Release()

	file, err := os.Open(srcAbs)
	if err != nil {
		if isRoot {
			return fmt.Errorf("source: open root file %s: %w", srcAbs, err)
		}
		log.Warnf("skipping file %s: %v", srcAbs, err)
		e.summary.AddError()
		return e.control.SendControl(protocol.FileSkipped{Src: srcAbs, Dst: dstRel, DirTotalFiles: dirTotal})
	}
	defer file.Close()

	if err := e.throttles.IOPS.WaitForFile(ctx, f.size); err != nil {
		return fmt.Errorf("source: iops throttle: %w", err)
	}

	lease, err := e.pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("source: borrow data stream: %w", err)
	}

	header := protocol.File{Src: srcAbs, Dst: dstRel, Size: f.size, Metadata: meta, IsRoot: isRoot, DirTotalFiles: dirTotal}
	dataWire := wire.New(lease.Conn(), protocol.Codec{})
	if _, err := dataWire.SendWithData(header, bufio.NewReaderSize(file, 256*1024), f.size); err != nil {
		lease.Discard()
		return fmt.Errorf("source: send file %s (fatal, tearing down transfer): %w", srcAbs, err)
	}
	lease.Release()
	e.summary.AddFileCopied(f.size)
	return nil
}
