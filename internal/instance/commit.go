package instance

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"ciel/internal/fsutil"
)

// opaqueXattr is the overlayfs marker set on a directory in the upper layer
// that should fully replace (not merge into) the corresponding base
// directory: its presence means "everything below this directory in the
// lower layers is hidden" (spec §4.5.1 whiteout handling).
const opaqueXattr = "trusted.overlay.opaque"

// applyUpperOnto merges upper onto staged in place, upper-wins, handling
// overlayfs whiteouts (character devices with a 0/0 device number) and
// opaque directories, and propagating extended attributes (spec §4.5.1:
// "preserves extended attributes").
func applyUpperOnto(upper, staged string) error {
	return filepath.Walk(upper, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(upper, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(staged, rel)

		if isWhiteout(info) {
			if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
				return err
			}
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
			if isOpaque(path) {
				if err := clearDirContents(target); err != nil {
					return err
				}
			}
			return fsutil.CopyXattrs(path, target)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			if err := copyRegularFile(path, target, info.Mode()); err != nil {
				return err
			}
			return fsutil.CopyXattrs(path, target)
		}
	})
}

// isWhiteout reports whether info describes an overlayfs whiteout marker: a
// character device file with major and minor number both 0.
func isWhiteout(info os.FileInfo) bool {
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	return unix.Major(uint64(stat.Rdev)) == 0 && unix.Minor(uint64(stat.Rdev)) == 0
}

func isOpaque(path string) bool {
	buf := make([]byte, 8)
	n, err := unix.Lgetxattr(path, opaqueXattr, buf)
	return err == nil && n > 0 && buf[0] == 'y'
}

func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyRegularFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return out.Sync()
}

// copyXattrs (extended-attribute propagation) lives in fsutil.CopyXattrs now,
// shared with the base-staging copy ahead of this merge.
