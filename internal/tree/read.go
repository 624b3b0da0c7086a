package tree

import (
	"context"
	"os"
	"time"

	"github.com/fruitsalade/flowshelf/internal/companion"
	"github.com/fruitsalade/flowshelf/internal/events"
)

// Read-side operation names.
const (
	OpReadWorkflow = "read_workflow"
	OpPreview      = "preview"
)

// Preview is a companion image ready to serve.
type Preview struct {
	Path        string // relative path of the image
	ContentType string
	Content     []byte
}

// ReadWorkflow returns the raw document at p after checking it is JSON.
func (l *Lister) ReadWorkflow(ctx context.Context, p string) ([]byte, error) {
	abs, err := l.resolver.Resolve("", p)
	if err != nil {
		return nil, wrapError(OpReadWorkflow, p, err)
	}
	rel := l.resolver.Rel(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return nil, statError(OpReadWorkflow, rel, err)
	}
	if info.IsDir() {
		return nil, newError(OpReadWorkflow, rel, ErrNotFound, "is a directory")
	}
	if !companion.IsWorkflow(abs) {
		return nil, newError(OpReadWorkflow, rel, ErrUnsupportedType, "not a %s file", companion.WorkflowExt)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, ioError(OpReadWorkflow, rel, err)
	}
	if err := validateDocument(data); err != nil {
		return nil, wrapError(OpReadWorkflow, rel, err)
	}
	return data, nil
}

// Preview loads the companion image of the workflow at p. The workflow
// itself need not exist.
func (l *Lister) Preview(ctx context.Context, p string) (*Preview, error) {
	abs, err := l.resolver.Resolve("", p)
	if err != nil {
		return nil, wrapError(OpPreview, p, err)
	}
	rel := l.resolver.Rel(abs)
	if !companion.IsWorkflow(abs) {
		return nil, newError(OpPreview, rel, ErrUnsupportedType, "not a %s file", companion.WorkflowExt)
	}

	c, ok := companion.Find(l.resolver.Root(), abs)
	if !ok {
		return nil, newError(OpPreview, rel, ErrNotFound, "no preview image")
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, statError(OpPreview, rel, err)
	}
	return &Preview{
		Path:        l.resolver.Rel(c.Path),
		ContentType: companion.ContentType(c.Ext),
		Content:     data,
	}, nil
}

// SavePreview stores content as the ".webp" companion of the workflow at
// workflowPath, replacing any existing one. It returns the image's
// relative path.
func (m *Mutator) SavePreview(ctx context.Context, workflowPath string, content []byte) (target string, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpSavePreview, workflowPath, target, start, err) }()

	abs, err := m.resolver.Resolve("", workflowPath)
	if err != nil {
		return "", wrapError(OpSavePreview, workflowPath, err)
	}
	rel := m.resolver.Rel(abs)

	unlock, err := m.lock(ctx, OpSavePreview, rel)
	if err != nil {
		return "", err
	}
	defer unlock()

	info, err := os.Stat(abs)
	if err != nil {
		return "", statError(OpSavePreview, rel, err)
	}
	if info.IsDir() || !companion.IsWorkflow(abs) {
		return "", newError(OpSavePreview, rel, ErrUnsupportedType, "not a %s file", companion.WorkflowExt)
	}
	if len(content) == 0 {
		return "", newError(OpSavePreview, rel, ErrInvalidDocument, "empty preview image")
	}

	dst := companion.Target(abs, ".webp")
	if err := writeAtomic(dst, content); err != nil {
		return "", ioError(OpSavePreview, rel, err)
	}
	target = m.resolver.Rel(dst)
	m.publish(events.Event{Type: events.EventModify, Path: target})
	return target, nil
}
