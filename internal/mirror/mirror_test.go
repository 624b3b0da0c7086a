package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
	"github.com/fruitsalade/flowshelf/internal/storage/local"
)

func setup(t *testing.T) (*Mirror, string, *local.LocalBackend) {
	t.Helper()
	f, _ := setupDirs(t)
	return f.m, f.root, f.backend
}

type fixture struct {
	m       *Mirror
	root    string
	backend *local.LocalBackend
}

func setupDirs(t *testing.T) (*fixture, string) {
	t.Helper()
	res, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	store := t.TempDir()
	be, err := local.New(local.Config{RootPath: store})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	m := New(res, be, "mirror")
	m.retry.InitialWait = time.Millisecond
	return &fixture{m: m, root: res.Root(), backend: be}, store
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func keys(t *testing.T, be *local.LocalBackend) []string {
	t.Helper()
	ks, err := be.ListKeys(context.Background(), "")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	sort.Strings(ks)
	return ks
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResync(t *testing.T) {
	f, store := setupDirs(t)
	m, root, be := f.m, f.root, f.backend
	ctx := context.Background()

	writeFile(t, root, "a.json", "{}")
	writeFile(t, root, "a.png", "png")
	writeFile(t, root, "sub/b.json", "[]")

	// Stale key with no local file.
	writeFile(t, store, "mirror/gone.json", "{}")

	if err := m.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	want := []string{"mirror/a.json", "mirror/a.png", "mirror/sub/b.json"}
	if got := keys(t, be); !equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestEventsReconcile(t *testing.T) {
	m, root, be := setup(t)
	ctx := context.Background()

	writeFile(t, root, "dir/x.json", "{}")
	m.Publish(events.Event{Type: events.EventCreate, Path: "dir", IsDir: true})
	m.processPending(ctx)
	if got := keys(t, be); !equal(got, []string{"mirror/dir/x.json"}) {
		t.Fatalf("after create keys = %v", got)
	}

	if err := os.Rename(filepath.Join(root, "dir"), filepath.Join(root, "moved")); err != nil {
		t.Fatal(err)
	}
	m.Publish(events.Event{Type: events.EventMove, Path: "moved", OldPath: "dir", IsDir: true})
	m.processPending(ctx)
	if got := keys(t, be); !equal(got, []string{"mirror/moved/x.json"}) {
		t.Fatalf("after move keys = %v", got)
	}

	if err := os.RemoveAll(filepath.Join(root, "moved")); err != nil {
		t.Fatal(err)
	}
	m.Publish(events.Event{Type: events.EventDelete, Path: "moved", IsDir: true})
	m.processPending(ctx)
	if got := keys(t, be); len(got) != 0 {
		t.Fatalf("after delete keys = %v", got)
	}
}

func TestOverflowMarksDirty(t *testing.T) {
	m, root, be := setup(t)
	writeFile(t, root, "a.json", "{}")

	for i := 0; i < queueSize+1; i++ {
		m.Publish(events.Event{Type: events.EventModify, Path: "a.json"})
	}
	if !m.dirty.Load() {
		t.Fatal("expected dirty flag after overflow")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	want := []string{"mirror/a.json"}
	deadline := time.Now().Add(5 * time.Second)
	for !equal(keys(t, be), want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if got := keys(t, be); !equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}
