// Package fsutil collects small filesystem helpers shared across ciel's
// components: existence checks, recursive copy/remove, and an advisory
// file lock with stale-holder detection.
//
// Grounded on the teacher's util/util.go (FileExists, DirExists, CopyDir,
// RemoveAll-with-retry), minus AskYN (interactive, no place in a
// non-interactive core library) and minus the shell-out CopyDir/CopyFile
// (reimplemented with os/filepath so a failure returns a real Go error
// instead of an opaque `cp` exit status).
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CopyFile copies src to dst, preserving permissions and extended
// attributes, creating dst fresh.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return CopyXattrs(src, dst)
}

// CopyTree recursively copies src onto dst, preserving the directory
// structure, regular file permissions, symlinks, and extended attributes on
// every directory and regular file (symlinks are recreated without them) — the base
// snapshot staged ahead of a commit merge carries whatever xattrs the
// archive that produced it set, and those must survive the staging copy the
// same as the upper layer's do (internal/instance's applyUpperOnto handles
// the upper side).
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
			return CopyXattrs(path, target)
		default:
			return CopyFile(path, target)
		}
	})
}

// CopyXattrs best-effort copies all extended attributes from src to dst.
// Filesystems or attribute namespaces that reject the set (e.g. a
// non-privileged process touching "trusted.*") are ignored rather than
// failing the copy.
func CopyXattrs(src, dst string) error {
	size, err := unix.Llistxattr(src, nil)
	if err != nil || size == 0 {
		return nil
	}
	namesBuf := make([]byte, size)
	if _, err := unix.Llistxattr(src, namesBuf); err != nil {
		return nil
	}
	for _, name := range splitXattrNames(namesBuf) {
		valSize, err := unix.Lgetxattr(src, name, nil)
		if err != nil {
			continue
		}
		val := make([]byte, valSize)
		if _, err := unix.Lgetxattr(src, name, val); err != nil {
			continue
		}
		_ = unix.Lsetxattr(dst, name, val, 0)
	}
	return nil
}

// splitXattrNames splits the NUL-separated name list Llistxattr returns.
func splitXattrNames(buf []byte) []string {
	var names []string
	for _, part := range strings.Split(strings.TrimRight(string(buf), "\x00"), "\x00") {
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

// RemoveTree removes path recursively, retrying briefly on transient
// "directory not empty" races against concurrently-exiting processes that
// still hold an open file in the tree.
func RemoveTree(path string) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := os.RemoveAll(path); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return lastErr
}

// Lock is an advisory, PID-tagged file lock (spec §5 workspace/instance
// locks, plus the stale-holder reclaim supplement).
//
// It is deliberately not built on flock(2): the kernel already releases a
// flock automatically when its holder dies, which would make "detect and
// reclaim a stale holder" unreachable dead code. Instead the lock file's
// own existence plus a recorded PID is the source of truth, checked
// explicitly against the process table on every acquire attempt, and the
// file is created with O_EXCL to make the create-if-absent step atomic.
type Lock struct {
	path string
}

// lockInfo is the payload written into the lock file so a later acquirer
// can tell a live holder from a dead one.
type lockInfo struct {
	PID       int
	StartedAt time.Time
}

// Acquire takes the lock at path. If an existing lock file names a PID
// that is no longer alive, it is removed and reclaimed (the caller is
// expected to log a warning when reclaimed is true) — mirroring the
// teacher's self-healing stale-state philosophy in service/cleanup.go.
func Acquire(path string) (lock *Lock, reclaimed bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, err
	}

	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, err := f.WriteString(encodeLockInfo(lockInfo{PID: os.Getpid(), StartedAt: time.Now()})); err != nil {
				f.Close()
				os.Remove(path)
				return nil, false, err
			}
			f.Close()
			return &Lock{path: path}, reclaimed, nil
		}
		if !os.IsExist(err) {
			return nil, false, err
		}

		info, rerr := readLockInfo(path)
		if rerr != nil || processAlive(info.PID) {
			return nil, false, errBusy
		}

		// Holder is dead: remove the stale file and retry the exclusive
		// create. A concurrent acquirer racing us here just loses the
		// O_EXCL race and retries in turn.
		os.Remove(path)
		reclaimed = true
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// Release removes the lock file. Safe to call once per successful Acquire.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}

func encodeLockInfo(info lockInfo) string {
	return "pid=" + strconv.Itoa(info.PID) + "\n" +
		"started=" + info.StartedAt.Format(time.RFC3339Nano) + "\n"
}

func readLockInfo(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}

	info := lockInfo{}
	for _, line := range strings.Split(string(data), "\n") {
		if pid, ok := strings.CutPrefix(line, "pid="); ok {
			if n, err := strconv.Atoi(pid); err == nil {
				info.PID = n
			}
		}
	}
	return info, nil
}

// errBusy is returned by Acquire when the lock is genuinely held by a live
// process. Callers in other packages detect it with IsBusy below.
var errBusy = &busyError{}

type busyError struct{}

func (*busyError) Error() string { return "lock is held by a live process" }

// IsBusy reports whether err is the "held by a live process" outcome of
// Acquire, as opposed to a genuine I/O failure.
func IsBusy(err error) bool {
	_, ok := err.(*busyError)
	return ok
}
