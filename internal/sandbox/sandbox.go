// Package sandbox resolves caller-supplied relative paths against a single
// root directory and guarantees the result never escapes it.
//
// Relative paths use forward slashes. Backslashes are treated as separators
// so that Windows-style input cannot smuggle a ".." segment past the check.
// A path is rejected with ErrInvalidPath when it is absolute, contains a ".."
// segment or a NUL byte, or when its canonical form (symlinks evaluated on
// the deepest existing ancestor) lies outside the root.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath reports a containment or traversal violation.
	ErrInvalidPath = errors.New("invalid path")
	// ErrIllegalName reports a node name with forbidden characters.
	ErrIllegalName = errors.New("illegal name")
)

// ForbiddenChars may not appear in any single node name.
const ForbiddenChars = `<>:"/\|?*`

// Resolver maps relative paths onto a canonical root directory.
type Resolver struct {
	root string
}

// New creates the root directory if needed and returns a Resolver for it.
// The stored root is absolute with symlinks evaluated.
func New(root string) (*Resolver, error) {
	if root == "" {
		return nil, errors.New("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %s: %w", abs, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", canon, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", canon)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical absolute root.
func (r *Resolver) Root() string { return r.root }

// Resolve joins segment onto base (both relative to the root) and returns the
// absolute path. Either argument may be empty; Resolve("", "") is the root.
func (r *Resolver) Resolve(base, segment string) (string, error) {
	b, err := cleanRel(base)
	if err != nil {
		return "", err
	}
	s, err := cleanRel(segment)
	if err != nil {
		return "", err
	}

	rel := path.Join(b, s)
	if rel == "." {
		rel = ""
	}
	abs := filepath.Join(r.root, filepath.FromSlash(rel))

	canon, err := canonicalize(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, rel, err)
	}
	if !Within(r.root, canon) {
		return "", fmt.Errorf("%w: %s escapes root", ErrInvalidPath, rel)
	}
	return abs, nil
}

// Rel converts an absolute path under the root back into its relative,
// forward-slash form. The root itself maps to "".
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// IsRoot reports whether abs is the root directory.
func (r *Resolver) IsRoot(abs string) bool {
	return filepath.Clean(abs) == r.root
}

// ValidateName checks a single node name for creation or renaming.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrIllegalName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q is reserved", ErrIllegalName, name)
	}
	if i := strings.IndexAny(name, ForbiddenChars); i >= 0 {
		return fmt.Errorf("%w: %q contains %q", ErrIllegalName, name, name[i])
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: name contains NUL", ErrIllegalName)
	}
	return nil
}

// Within reports whether p equals root or lies beneath it. Both must be clean
// absolute paths.
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func cleanRel(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	if strings.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("%w: NUL byte", ErrInvalidPath)
	}
	p := strings.ReplaceAll(raw, `\`, "/")
	if strings.HasPrefix(p, "/") || filepath.VolumeName(raw) != "" || hasDriveLetter(p) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, raw)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q contains '..'", ErrInvalidPath, raw)
		}
	}
	return path.Clean(p), nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// canonicalize evaluates symlinks on the deepest existing ancestor of abs and
// re-appends the missing tail. A dangling symlink anywhere on the way is an
// error: its target cannot be checked.
func canonicalize(abs string) (string, error) {
	p := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(p); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs, nil
		}
		tail = append(tail, filepath.Base(p))
		p = parent
	}
}
