package tree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/logging"
)

// openSource opens a file being copied.
var openSource = os.Open

// copyFile copies a regular file. With exclusive set the destination must not
// exist; otherwise it is truncated, and a symlink in its place is replaced
// rather than followed. Timestamps are not carried over.
func copyFile(src, dst string, exclusive bool) error {
	in, err := openSource(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if !exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if li, err := os.Lstat(dst); err == nil && li.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(dst); err != nil {
				return err
			}
		}
	}
	out, err := os.OpenFile(dst, flags, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// copyTree recursively copies directory src to dst, which must not exist.
// Symlinks are skipped; anything they point at may lie outside the root.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		switch {
		case e.Type()&fs.ModeSymlink != 0:
			logging.Warn("copy skipped symlink", zap.String("path", s))
		case e.IsDir():
			if err := copyTree(s, d); err != nil {
				return err
			}
		case e.Type().IsRegular():
			if err := copyFile(s, d, true); err != nil {
				return err
			}
		default:
			logging.Warn("copy skipped special file", zap.String("path", s))
		}
	}
	return nil
}

// moveNode renames src to dst, falling back to copy and remove when they
// sit on different filesystems.
func moveNode(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !crossDevice(err) {
		return err
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = copyTree(src, dst)
	} else {
		err = copyFile(src, dst, false)
	}
	if err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("cross-device move: %w", err)
	}
	if err := keepTimes(src, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("cross-device move: %w", err)
	}
	return os.RemoveAll(src)
}

// keepTimes copies modification times from the tree at src onto its copy at
// dst. Entries missing from dst are ignored.
func keepTimes(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		err = os.Chtimes(filepath.Join(dst, rel), info.ModTime(), info.ModTime())
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
}

// writeNew creates p exclusively and writes data to it.
func writeNew(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return err
	}
	return nil
}

// writeAtomic replaces p with data via a temp file in the same directory.
func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".flowshelf-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// cause strips the absolute paths an *fs.PathError or *os.LinkError
// carries, leaving only the underlying reason.
func cause(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}
