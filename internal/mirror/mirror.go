// Package mirror replicates the workflow tree into a storage.Backend.
//
// The mirror consumes change events: each event names paths to reconcile
// against the backend. Reconciling a path looks at the tree as it is now,
// so events may be coalesced, reordered or replayed without harm. When the
// queue overflows the mirror falls back to a full resync.
package mirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/retry"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
	"github.com/fruitsalade/flowshelf/internal/storage"
)

const queueSize = 256

// Mirror pushes tree changes to a backend in the background.
type Mirror struct {
	resolver *sandbox.Resolver
	backend  storage.Backend
	prefix   string
	retry    retry.Config

	queue chan string
	wake  chan struct{}
	dirty atomic.Bool
}

// New creates a mirror of resolver's root under prefix in backend.
func New(resolver *sandbox.Resolver, backend storage.Backend, prefix string) *Mirror {
	return &Mirror{
		resolver: resolver,
		backend:  backend,
		prefix:   strings.Trim(prefix, "/"),
		retry:    retry.DefaultConfig(),
		queue:    make(chan string, queueSize),
		wake:     make(chan struct{}, 1),
	}
}

// Publish implements events.Publisher. It never blocks.
func (m *Mirror) Publish(e events.Event) {
	m.enqueue(e.Path)
	if e.OldPath != "" {
		m.enqueue(e.OldPath)
	}
}

func (m *Mirror) enqueue(rel string) {
	select {
	case m.queue <- rel:
	default:
		metrics.RecordMirrorDrop()
		m.dirty.Store(true)
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Run resyncs once, then processes queued paths until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.Resync(ctx); err != nil && ctx.Err() == nil {
		logging.Error("initial mirror resync failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rel := <-m.queue:
			m.reconcile(ctx, rel)
		case <-m.wake:
		}
		if m.dirty.Swap(false) {
			m.drainQueue()
			if err := m.Resync(ctx); err != nil && ctx.Err() == nil {
				logging.Error("mirror resync failed", zap.Error(err))
			}
		}
	}
}

// processPending reconciles everything queued so far.
func (m *Mirror) processPending(ctx context.Context) {
	for {
		select {
		case rel := <-m.queue:
			m.reconcile(ctx, rel)
		default:
			return
		}
	}
}

// drainQueue discards queued paths; a resync is about to cover them.
func (m *Mirror) drainQueue() {
	for {
		select {
		case <-m.queue:
		default:
			return
		}
	}
}

func (m *Mirror) reconcile(ctx context.Context, rel string) {
	if err := m.syncPath(ctx, rel); err != nil {
		metrics.RecordMirrorOperation("sync", false)
		logging.Warn("mirror sync failed", zap.String("path", rel), zap.Error(err))
		return
	}
	metrics.RecordMirrorOperation("sync", true)
}

// syncPath makes the backend match the tree at rel.
func (m *Mirror) syncPath(ctx context.Context, rel string) error {
	abs, err := m.resolver.Resolve("", rel)
	if err != nil {
		return err
	}
	key := storage.Key(m.prefix, m.resolver.Rel(abs))

	info, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if key == "" {
			return nil
		}
		return retry.Do(ctx, m.retry, func() error {
			return m.backend.DeletePrefix(ctx, key)
		})
	case err != nil:
		return err
	case info.IsDir():
		_, err := m.putTree(ctx, abs)
		return err
	case info.Mode().IsRegular():
		return m.put(ctx, abs, key)
	default:
		return nil
	}
}

// Resync uploads every file in the tree and deletes backend keys that no
// longer have a file.
func (m *Mirror) Resync(ctx context.Context) error {
	local, err := m.putTree(ctx, m.resolver.Root())
	if err != nil {
		return err
	}

	remote, err := m.backend.ListKeys(ctx, m.prefix)
	if err != nil {
		metrics.RecordMirrorOperation("resync", false)
		return err
	}
	for _, k := range remote {
		if _, ok := local[k]; ok {
			continue
		}
		if err := retry.Do(ctx, m.retry, func() error { return m.backend.DeleteObject(ctx, k) }); err != nil {
			logging.Warn("mirror delete stale key failed", zap.String("key", k), zap.Error(err))
		}
	}
	metrics.RecordMirrorOperation("resync", true)
	logging.Info("mirror resync complete", zap.Int("files", len(local)), zap.Int("remote", len(remote)))
	return nil
}

// putTree uploads every regular file under dir and returns their keys.
// Symlinks and temp files are skipped.
func (m *Mirror) putTree(ctx context.Context, dir string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".flowshelf-") {
			return nil
		}
		key := storage.Key(m.prefix, m.resolver.Rel(p))
		if err := m.put(ctx, p, key); err != nil {
			logging.Warn("mirror put failed", zap.String("key", key), zap.Error(err))
			return nil
		}
		keys[key] = struct{}{}
		return nil
	})
	return keys, err
}

func (m *Mirror) put(ctx context.Context, abs, key string) error {
	return retry.Do(ctx, m.retry, func() error {
		f, err := os.Open(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return retry.Permanent(err)
			}
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return m.backend.PutObject(ctx, key, f, info.Size())
	})
}
