// Package tree implements the mutating and listing operations on a workflow
// tree: directories holding ".json" workflow documents, each optionally
// accompanied by a preview image with the same base name.
//
// Every operation resolves its paths through a sandbox.Resolver before
// touching the filesystem. Companion previews follow their workflow on
// rename, move, copy and delete when sync is requested; a companion failure
// is reported in the result and never fails the primary operation.
package tree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/collision"
	"github.com/fruitsalade/flowshelf/internal/companion"
	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/locks"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/models"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
)

// Operation names used in errors, metrics and the journal.
const (
	OpCreateDirectory = "create_directory"
	OpRename          = "rename"
	OpMove            = "move"
	OpCopy            = "copy"
	OpDelete          = "delete"
	OpUpload          = "upload"
	OpSavePreview     = "save_preview"
)

// maxCreateAttempts bounds retries when a freshly chosen name is taken by a
// concurrent writer before we create it.
const maxCreateAttempts = 8

// Recorder persists an activity record. Implemented by journal.Journal.
type Recorder interface {
	Record(ctx context.Context, a models.Activity) error
}

// CompanionResult reports what happened to a workflow's preview image.
type CompanionResult struct {
	Source  string `json:"source"`
	Target  string `json:"target,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Synced reports whether the companion followed its workflow.
func (c *CompanionResult) Synced() bool { return c != nil && c.Warning == "" }

// Result is the outcome of a single-node mutation.
type Result struct {
	Path      string           // relative path of the node afterwards (deleted path for Delete)
	IsDir     bool
	Companion *CompanionResult // nil when no companion was involved
}

// Mutator performs tree mutations under a sandbox root.
type Mutator struct {
	resolver  *sandbox.Resolver
	locker    locks.Locker
	publisher events.Publisher
	recorder  Recorder
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithLocker sets the path locker. The default is an in-process locker.
func WithLocker(l locks.Locker) Option {
	return func(m *Mutator) { m.locker = l }
}

// WithPublisher sets where change events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Mutator) { m.publisher = p }
}

// WithRecorder sets the activity journal.
func WithRecorder(r Recorder) Option {
	return func(m *Mutator) { m.recorder = r }
}

// New creates a Mutator over resolver's root.
func New(resolver *sandbox.Resolver, opts ...Option) *Mutator {
	m := &Mutator{resolver: resolver, locker: locks.NewLocal()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolver returns the sandbox the mutator operates in.
func (m *Mutator) Resolver() *sandbox.Resolver { return m.resolver }

// CreateDirectory creates parentPath/name, including missing ancestors.
func (m *Mutator) CreateDirectory(ctx context.Context, parentPath, name string) (res Result, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpCreateDirectory, path.Join(parentPath, name), "", start, err) }()

	if err := sandbox.ValidateName(name); err != nil {
		return res, wrapError(OpCreateDirectory, name, err)
	}
	abs, err := m.resolver.Resolve(parentPath, name)
	if err != nil {
		return res, wrapError(OpCreateDirectory, parentPath, err)
	}
	rel := m.resolver.Rel(abs)

	unlock, err := m.lock(ctx, OpCreateDirectory, rel)
	if err != nil {
		return res, err
	}
	defer unlock()

	if exists, err := lexists(abs); err != nil {
		return res, ioError(OpCreateDirectory, rel, err)
	} else if exists {
		return res, newError(OpCreateDirectory, rel, ErrAlreadyExists, "%s already exists", name)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return res, ioError(OpCreateDirectory, rel, err)
	}

	m.publish(events.Event{Type: events.EventCreate, Path: rel, IsDir: true})
	return Result{Path: rel, IsDir: true}, nil
}

// Rename gives the node at oldPath a new name in the same directory. A
// workflow keeps its ".json" extension: it is appended to newName when
// missing. With sync set, the workflow's companion is renamed alongside.
func (m *Mutator) Rename(ctx context.Context, oldPath, newName string, sync bool) (res Result, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpRename, oldPath, res.Path, start, err) }()

	if err := sandbox.ValidateName(newName); err != nil {
		return res, wrapError(OpRename, oldPath, err)
	}
	oldAbs, err := m.resolver.Resolve("", oldPath)
	if err != nil {
		return res, wrapError(OpRename, oldPath, err)
	}
	if m.resolver.IsRoot(oldAbs) {
		return res, newError(OpRename, oldPath, ErrInvalidPath, "cannot rename the root")
	}
	oldRel := m.resolver.Rel(oldAbs)

	// The parent lock covers the new name, which lives in the same directory.
	unlock, err := m.lock(ctx, OpRename, oldRel)
	if err != nil {
		return res, err
	}
	defer unlock()

	info, err := os.Lstat(oldAbs)
	if err != nil {
		return res, statError(OpRename, oldRel, err)
	}
	isWorkflow := !info.IsDir() && companion.IsWorkflow(oldAbs)
	if isWorkflow && !companion.IsWorkflow(newName) {
		newName += companion.WorkflowExt
	}

	newAbs, err := m.resolver.Resolve(parentRel(oldRel), newName)
	if err != nil {
		return res, wrapError(OpRename, oldRel, err)
	}
	newRel := m.resolver.Rel(newAbs)
	if exists, err := lexists(newAbs); err != nil {
		return res, ioError(OpRename, newRel, err)
	} else if exists {
		return res, newError(OpRename, oldRel, ErrAlreadyExists, "%s already exists", newName)
	}

	comp, hasComp := m.findCompanion(sync && isWorkflow, oldAbs)

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return res, ioError(OpRename, oldRel, err)
	}
	m.publish(events.Event{Type: events.EventRename, Path: newRel, OldPath: oldRel, IsDir: info.IsDir()})

	res = Result{Path: newRel, IsDir: info.IsDir()}
	if hasComp {
		res.Companion = m.syncCompanion(ctx, OpRename, events.EventRename, comp, newAbs, os.Rename)
	}
	return res, nil
}

// Move relocates the node at srcPath into the existing directory targetDir,
// keeping its name. It fails with ErrAlreadyExists rather than overwrite.
func (m *Mutator) Move(ctx context.Context, srcPath, targetDir string, sync bool) (res Result, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpMove, srcPath, res.Path, start, err) }()

	srcAbs, dirAbs, err := m.resolvePair(OpMove, srcPath, targetDir)
	if err != nil {
		return res, err
	}
	srcRel, dirRel := m.resolver.Rel(srcAbs), m.resolver.Rel(dirAbs)

	unlock, err := m.lock(ctx, OpMove, srcRel, dirRel)
	if err != nil {
		return res, err
	}
	defer unlock()

	info, err := m.checkPair(OpMove, srcAbs, srcRel, dirAbs, dirRel)
	if err != nil {
		return res, err
	}

	destAbs := filepath.Join(dirAbs, filepath.Base(srcAbs))
	destRel := m.resolver.Rel(destAbs)
	if exists, err := lexists(destAbs); err != nil {
		return res, ioError(OpMove, destRel, err)
	} else if exists {
		return res, newError(OpMove, srcRel, ErrAlreadyExists, "%s already exists", destRel)
	}

	isWorkflow := !info.IsDir() && companion.IsWorkflow(srcAbs)
	comp, hasComp := m.findCompanion(sync && isWorkflow, srcAbs)

	if err := moveNode(srcAbs, destAbs); err != nil {
		return res, ioError(OpMove, srcRel, err)
	}
	m.publish(events.Event{Type: events.EventMove, Path: destRel, OldPath: srcRel, IsDir: info.IsDir()})

	res = Result{Path: destRel, IsDir: info.IsDir()}
	if hasComp {
		res.Companion = m.syncCompanion(ctx, OpMove, events.EventMove, comp, destAbs, moveNode)
	}
	return res, nil
}

// Copy duplicates the node at srcPath into targetDir. When the name is taken
// the copy is named "{stem}_copy{N}{ext}" with the smallest free N.
// Directories are copied recursively.
func (m *Mutator) Copy(ctx context.Context, srcPath, targetDir string, sync bool) (res Result, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpCopy, srcPath, res.Path, start, err) }()

	srcAbs, dirAbs, err := m.resolvePair(OpCopy, srcPath, targetDir)
	if err != nil {
		return res, err
	}
	srcRel, dirRel := m.resolver.Rel(srcAbs), m.resolver.Rel(dirAbs)

	unlock, err := m.lock(ctx, OpCopy, srcRel, dirRel)
	if err != nil {
		return res, err
	}
	defer unlock()

	info, err := m.checkPair(OpCopy, srcAbs, srcRel, dirAbs, dirRel)
	if err != nil {
		return res, err
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return res, newError(OpCopy, srcRel, ErrUnsupportedType, "only files and directories can be copied")
	}

	isWorkflow := !info.IsDir() && companion.IsWorkflow(srcAbs)
	comp, hasComp := m.findCompanion(sync && isWorkflow, srcAbs)

	var destAbs string
	for attempt := 1; ; attempt++ {
		name, err := collision.Free(dirAbs, filepath.Base(srcAbs), collision.SchemeCopy)
		if err != nil {
			return res, ioError(OpCopy, dirRel, err)
		}
		destAbs = filepath.Join(dirAbs, name)
		if info.IsDir() {
			err = copyTree(srcAbs, destAbs)
		} else {
			err = copyFile(srcAbs, destAbs, true)
		}
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrExist) && attempt < maxCreateAttempts {
			continue
		}
		return res, ioError(OpCopy, srcRel, err)
	}
	destRel := m.resolver.Rel(destAbs)
	m.publish(events.Event{Type: events.EventCopy, Path: destRel, OldPath: srcRel, IsDir: info.IsDir()})

	res = Result{Path: destRel, IsDir: info.IsDir()}
	if hasComp {
		res.Companion = m.syncCompanion(ctx, OpCopy, events.EventCopy, comp, destAbs, func(src, dst string) error {
			return copyFile(src, dst, false)
		})
	}
	return res, nil
}

// Delete removes the node at p; directories are removed recursively. With
// sync set, a workflow's companion is removed too.
func (m *Mutator) Delete(ctx context.Context, p string, sync bool) (res Result, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, OpDelete, p, "", start, err) }()

	abs, err := m.resolver.Resolve("", p)
	if err != nil {
		return res, wrapError(OpDelete, p, err)
	}
	if m.resolver.IsRoot(abs) {
		return res, newError(OpDelete, p, ErrInvalidPath, "cannot delete the root")
	}
	rel := m.resolver.Rel(abs)

	unlock, err := m.lock(ctx, OpDelete, rel)
	if err != nil {
		return res, err
	}
	defer unlock()

	info, err := os.Lstat(abs)
	if err != nil {
		return res, statError(OpDelete, rel, err)
	}
	isWorkflow := !info.IsDir() && companion.IsWorkflow(abs)
	comp, hasComp := m.findCompanion(sync && isWorkflow, abs)

	if info.IsDir() {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		return res, ioError(OpDelete, rel, err)
	}
	m.publish(events.Event{Type: events.EventDelete, Path: rel, IsDir: info.IsDir()})

	res = Result{Path: rel, IsDir: info.IsDir()}
	if hasComp {
		res.Companion = m.removeCompanion(ctx, comp)
	}
	return res, nil
}

// resolvePair resolves a source node and a target directory.
func (m *Mutator) resolvePair(op, srcPath, targetDir string) (string, string, error) {
	srcAbs, err := m.resolver.Resolve("", srcPath)
	if err != nil {
		return "", "", wrapError(op, srcPath, err)
	}
	if m.resolver.IsRoot(srcAbs) {
		return "", "", newError(op, srcPath, ErrInvalidPath, "cannot %s the root", op)
	}
	dirAbs, err := m.resolver.Resolve("", targetDir)
	if err != nil {
		return "", "", wrapError(op, targetDir, err)
	}
	return srcAbs, dirAbs, nil
}

// checkPair verifies the source exists, the target is a directory, and the
// target is not the source or one of its descendants.
func (m *Mutator) checkPair(op, srcAbs, srcRel, dirAbs, dirRel string) (fs.FileInfo, error) {
	info, err := os.Lstat(srcAbs)
	if err != nil {
		return nil, statError(op, srcRel, err)
	}
	dirInfo, err := os.Stat(dirAbs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(op, dirRel, ErrNotFound, "target directory does not exist")
		}
		return nil, ioError(op, dirRel, err)
	}
	if !dirInfo.IsDir() {
		return nil, newError(op, dirRel, ErrNotFound, "target is not a directory")
	}
	if info.IsDir() && sandbox.Within(canonical(srcAbs), canonical(dirAbs)) {
		return nil, newError(op, srcRel, ErrInvalidPath, "cannot %s a directory into itself", op)
	}
	return info, nil
}

func (m *Mutator) findCompanion(enabled bool, workflowAbs string) (companion.Companion, bool) {
	if !enabled {
		return companion.Companion{}, false
	}
	return companion.Find(m.resolver.Root(), workflowAbs)
}

// syncCompanion applies fn to move or copy the companion next to the
// workflow now at workflowAbs. An existing file at the destination is
// overwritten.
func (m *Mutator) syncCompanion(ctx context.Context, op, eventType string, c companion.Companion, workflowAbs string, fn func(src, dst string) error) *CompanionResult {
	dst := companion.Target(workflowAbs, c.Ext)
	res := &CompanionResult{Source: m.resolver.Rel(c.Path), Target: m.resolver.Rel(dst)}

	if err := fn(c.Path, dst); err != nil {
		res.Warning = fmt.Sprintf("preview not updated: %v", cause(err))
		metrics.RecordCompanionSync(op, false)
		logging.WithContext(ctx).Warn("companion sync failed",
			zap.String("op", op),
			zap.String("source", res.Source),
			zap.String("target", res.Target),
			zap.Error(err),
		)
		return res
	}
	metrics.RecordCompanionSync(op, true)

	e := events.Event{Type: eventType, Path: res.Target}
	if eventType != events.EventCopy {
		e.OldPath = res.Source
	}
	m.publish(e)
	return res
}

func (m *Mutator) removeCompanion(ctx context.Context, c companion.Companion) *CompanionResult {
	res := &CompanionResult{Source: m.resolver.Rel(c.Path)}
	if err := os.Remove(c.Path); err != nil {
		res.Warning = fmt.Sprintf("preview not deleted: %v", cause(err))
		metrics.RecordCompanionSync(OpDelete, false)
		logging.WithContext(ctx).Warn("companion delete failed",
			zap.String("source", res.Source),
			zap.Error(err),
		)
		return res
	}
	metrics.RecordCompanionSync(OpDelete, true)
	m.publish(events.Event{Type: events.EventDelete, Path: res.Source})
	return res
}

// lock acquires locks on each relative path and its parent directory.
func (m *Mutator) lock(ctx context.Context, op string, rels ...string) (func(), error) {
	keys := make([]string, 0, 2*len(rels))
	for _, r := range rels {
		keys = append(keys, r, parentRel(r))
	}
	start := time.Now()
	unlock, err := m.locker.Lock(ctx, keys...)
	metrics.RecordLockWait(time.Since(start))
	if err != nil {
		return nil, ioError(op, rels[0], fmt.Errorf("acquire path lock: %w", err))
	}
	return unlock, nil
}

func (m *Mutator) publish(e events.Event) {
	if m.publisher != nil {
		m.publisher.Publish(e)
	}
}

// finish records metrics, logs and journals the outcome of an operation.
func (m *Mutator) finish(ctx context.Context, op, p, target string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = KindOf(err)
	}
	metrics.RecordTreeOperation(op, result, time.Since(start))

	log := logging.WithContext(ctx)
	fields := []zap.Field{zap.String("op", op), zap.String("path", p)}
	if target != "" {
		fields = append(fields, zap.String("target", target))
	}
	switch {
	case err == nil:
		log.Info("tree operation", fields...)
	case result == KindIOFailure:
		log.Error("tree operation failed", append(fields, zap.Error(err))...)
	default:
		log.Debug("tree operation rejected", append(fields, zap.String("kind", result), zap.Error(err))...)
	}

	if m.recorder == nil {
		return
	}
	a := models.Activity{Op: op, Path: p, Target: target, Result: result, At: time.Now().UTC()}
	if err != nil {
		a.Message = err.Error()
	}
	if rerr := m.recorder.Record(context.WithoutCancel(ctx), a); rerr != nil {
		log.Warn("journal record failed", zap.String("op", op), zap.Error(rerr))
	}
}

func statError(op, rel string, err error) *Error {
	if errors.Is(err, fs.ErrNotExist) {
		return newError(op, rel, ErrNotFound, "no such file or directory")
	}
	return ioError(op, rel, err)
}

func lexists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func parentRel(rel string) string {
	d := path.Dir(rel)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// canonical evaluates symlinks, falling back to the lexical path.
func canonical(p string) string {
	if c, err := filepath.EvalSymlinks(p); err == nil {
		return c
	}
	return filepath.Clean(p)
}
