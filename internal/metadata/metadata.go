// Package metadata captures and applies the owner/mode/time attributes
// rcp preserves across a remote copy. Preservation policy (which fields a
// given invocation actually wants restored) is an external collaborator;
// this package only knows how to read a Metadata off a POSIX path and how
// to set one back.
package metadata

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// Metadata is the wire-level representation of the attributes a Directory,
// File or Symlink entry carries. A zero Mtime means Apply leaves both
// times untouched; a zero Atime alone is replaced by Mtime.
type Metadata struct {
	UID   int
	GID   int
	Mode  uint32
	Atime time.Time
	Mtime time.Time
}

// Policy decides which fields of a Metadata should actually be written
// back to the destination. It is the black-box "--preserve-settings"
// collaborator described in SPEC_FULL.md §6; rcp only consumes it.
type Policy interface {
	Owner() bool
	Group() bool
	Mode() bool
	Times() bool
}

// FromFileInfo extracts Metadata from a Lstat'd os.FileInfo.
func FromFileInfo(fi os.FileInfo) Metadata {
	meta := Metadata{
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime(),
	}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		meta.UID = int(stat.Uid)
		meta.GID = int(stat.Gid)
		meta.Atime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return meta
}

// Lstat reads Metadata directly from a path without following a trailing
// symlink, matching the "verbatim, not resolved" symlink handling in
// SPEC_FULL.md §3.
func Lstat(path string) (Metadata, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("lstat %s: %w", path, err)
	}
	return FromFileInfo(fi), nil
}

// Apply restores the Metadata fields selected by policy onto path. For a
// symlink, ownership and times are set on the link itself (lchown/lchtimes);
// mode is skipped, since most POSIX filesystems have no lchmod for
// symlinks and the target's mode is meaningless here.
func Apply(path string, meta Metadata, isSymlink bool, policy Policy) error {
	if policy == nil {
		return nil
	}
	if policy.Owner() || policy.Group() {
		uid, gid := -1, -1
		if policy.Owner() {
			uid = meta.UID
		}
		if policy.Group() {
			gid = meta.GID
		}
		if err := lchown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	if policy.Mode() && !isSymlink {
		if err := lChmod(path, os.FileMode(meta.Mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	if policy.Times() && !meta.Mtime.IsZero() {
		atime := meta.Atime
		if atime.IsZero() {
			atime = meta.Mtime
		}
		if err := lChtimes(path, atime, meta.Mtime); err != nil {
			return fmt.Errorf("chtimes %s: %w", path, err)
		}
	}
	return nil
}
