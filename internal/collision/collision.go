// Package collision picks a free name in a directory by appending a numeric
// suffix to the stem.
package collision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Scheme selects the suffix format.
type Scheme int

const (
	// SchemeCopy produces "{stem}_copy{N}{ext}".
	SchemeCopy Scheme = iota
	// SchemeUpload produces "{stem}_{N}{ext}".
	SchemeUpload
)

func (s Scheme) String() string {
	switch s {
	case SchemeCopy:
		return "copy"
	case SchemeUpload:
		return "upload"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// Candidate formats the n-th alternative for name.
func (s Scheme) Candidate(name string, n int) string {
	stem, ext := SplitExt(name)
	if s == SchemeCopy {
		return fmt.Sprintf("%s_copy%d%s", stem, n, ext)
	}
	return fmt.Sprintf("%s_%d%s", stem, n, ext)
}

// Free returns name if nothing named so exists in dir, otherwise the first
// candidate for N = 1, 2, ... that is free. Existence is checked with Lstat,
// so a dangling symlink occupies its name.
//
// The result is only a hint under concurrency: callers must create the node
// exclusively and call Free again when they lose the race.
func Free(dir, name string, scheme Scheme) (string, error) {
	taken, err := exists(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if !taken {
		return name, nil
	}
	for n := 1; ; n++ {
		candidate := scheme.Candidate(name, n)
		taken, err := exists(filepath.Join(dir, candidate))
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// SplitExt splits name at its last dot. Leading dots belong to the stem, so
// ".hidden" has no extension and "a.tar.gz" splits into "a.tar" and ".gz".
func SplitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || strings.Trim(name[:i], ".") == "" {
		return name, ""
	}
	return name[:i], name[i:]
}

func exists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
