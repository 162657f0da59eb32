//go:build !windows && !plan9

// Adapted from rclone's backend/local lchmod_unix.go / lchtimes_unix.go:
// the portable-mode-to-syscall-mode conversion and the AT_SYMLINK_NOFOLLOW
// calls are carried over unchanged, rewired onto this package's own
// Metadata type instead of rclone's fs.Fs abstraction.
package metadata

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func lchown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

func syscallMode(i os.FileMode) (o uint32) {
	o |= uint32(i.Perm())
	if i&os.ModeSetuid != 0 {
		o |= syscall.S_ISUID
	}
	if i&os.ModeSetgid != 0 {
		o |= syscall.S_ISGID
	}
	if i&os.ModeSticky != 0 {
		o |= syscall.S_ISVTX
	}
	return o
}

// lChmod changes the mode of the named file without following a trailing
// symlink. Linux's fchmodat doesn't support AT_SYMLINK_NOFOLLOW, so on
// Linux this falls back to a plain Chmod (matching rclone's own
// linux-specific carve-out in its lchmod build tags).
func lChmod(name string, mode os.FileMode) error {
	if e := unix.Fchmodat(unix.AT_FDCWD, name, syscallMode(mode), unix.AT_SYMLINK_NOFOLLOW); e != nil {
		if e == unix.ENOTSUP || e == unix.EOPNOTSUPP {
			return os.Chmod(name, mode)
		}
		return &os.PathError{Op: "lchmod", Path: name, Err: e}
	}
	return nil
}

// lChtimes changes the access and modification times of the named link
// itself (not its target), mirroring rclone's lChtimes.
func lChtimes(name string, atime, mtime time.Time) error {
	var utimes [2]unix.Timespec
	utimes[0] = unix.NsecToTimespec(atime.UnixNano())
	utimes[1] = unix.NsecToTimespec(mtime.UnixNano())
	if e := unix.UtimesNanoAt(unix.AT_FDCWD, name, utimes[0:], unix.AT_SYMLINK_NOFOLLOW); e != nil {
		return &os.PathError{Op: "lchtimes", Path: name, Err: e}
	}
	return nil
}
