package tree

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fruitsalade/flowshelf/internal/companion"
	"github.com/fruitsalade/flowshelf/internal/models"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
)

// OpList names listing in errors.
const OpList = "list"

// Lister enumerates directories. It never modifies the tree.
type Lister struct {
	resolver *sandbox.Resolver
}

// NewLister creates a Lister over resolver's root.
func NewLister(resolver *sandbox.Resolver) *Lister {
	return &Lister{resolver: resolver}
}

// List returns the subdirectories and workflow files directly inside dirPath,
// in filename order. Other entries are omitted. Symlinks are followed for
// classification; dangling ones and those resolving outside the root are
// skipped.
func (l *Lister) List(ctx context.Context, dirPath string) ([]models.Node, error) {
	abs, err := l.resolver.Resolve("", dirPath)
	if err != nil {
		return nil, wrapError(OpList, dirPath, err)
	}
	rel := l.resolver.Rel(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return nil, statError(OpList, rel, err)
	}
	if !info.IsDir() {
		return nil, newError(OpList, rel, ErrNotFound, "not a directory")
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioError(OpList, rel, err)
	}

	nodes := make([]models.Node, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, ioError(OpList, rel, err)
		}
		full := filepath.Join(abs, e.Name())
		if e.Type()&fs.ModeSymlink != 0 && !l.contained(full) {
			continue
		}
		fi, err := os.Stat(full)
		if err != nil {
			continue
		}
		childRel := l.resolver.Rel(full)
		switch {
		case fi.IsDir():
			nodes = append(nodes, models.Node{
				Name:          e.Name(),
				Type:          models.NodeDirectory,
				Path:          childRel,
				ModTime:       fi.ModTime(),
				WorkflowCount: countWorkflows(full),
			})
		case companion.IsWorkflow(e.Name()):
			n := models.Node{
				Name:    e.Name(),
				Type:    models.NodeWorkflow,
				Path:    childRel,
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			}
			if c, ok := companion.Find(l.resolver.Root(), full); ok {
				n.Preview = l.resolver.Rel(c.Path)
			}
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// contained reports whether p, with symlinks evaluated, stays under the root.
func (l *Lister) contained(p string) bool {
	canon, err := filepath.EvalSymlinks(p)
	if err != nil {
		return false
	}
	return sandbox.Within(l.resolver.Root(), canon)
}

// countWorkflows counts workflow files directly inside dir. Unreadable
// directories count as empty.
func countWorkflows(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !companion.IsWorkflow(e.Name()) {
			continue
		}
		n++
	}
	return n
}

// Exists reports whether p resolves to an existing node.
func (l *Lister) Exists(p string) (bool, error) {
	abs, err := l.resolver.Resolve("", p)
	if err != nil {
		return false, wrapError(OpList, p, err)
	}
	_, err = os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, ioError(OpList, p, err)
	}
	return true, nil
}
