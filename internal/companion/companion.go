// Package companion locates the preview image that sits next to a workflow
// document. A workflow "flows/a.json" may have at most one companion that
// matters: the first existing "flows/a<ext>" in Extensions order.
package companion

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/flowshelf/internal/sandbox"
)

// WorkflowExt is the extension that marks a file as a workflow document.
const WorkflowExt = ".json"

// Extensions lists companion image extensions in priority order.
var Extensions = []string{".webp", ".png", ".jpg", ".jpeg", ".gif", ".bmp"}

var contentTypes = map[string]string{
	".webp": "image/webp",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// Companion is a located preview image.
type Companion struct {
	Path string // absolute
	Ext  string // one of Extensions
}

// IsWorkflow reports whether name carries the workflow extension.
// The comparison ignores case.
func IsWorkflow(name string) bool {
	n := len(WorkflowExt)
	return len(name) >= n && strings.EqualFold(name[len(name)-n:], WorkflowExt)
}

// Base strips the workflow extension. Names without it are returned as is.
func Base(workflowPath string) string {
	if !IsWorkflow(workflowPath) {
		return workflowPath
	}
	return workflowPath[:len(workflowPath)-len(WorkflowExt)]
}

// Find returns the companion of the workflow at workflowPath. A candidate
// that cannot be stat'ed, is a directory, or resolves outside root counts
// as absent.
func Find(root, workflowPath string) (Companion, bool) {
	if !IsWorkflow(workflowPath) {
		return Companion{}, false
	}
	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return Companion{}, false
	}
	base := Base(workflowPath)
	for _, ext := range Extensions {
		p := base + ext
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		canon, err := filepath.EvalSymlinks(p)
		if err != nil || !sandbox.Within(canonRoot, canon) {
			continue
		}
		return Companion{Path: p, Ext: ext}, true
	}
	return Companion{}, false
}

// Target returns where a companion with extension ext belongs once its
// workflow lives at newWorkflowPath.
func Target(newWorkflowPath, ext string) string {
	return Base(newWorkflowPath) + ext
}

// ContentType returns the MIME type for a companion path or extension.
func ContentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
