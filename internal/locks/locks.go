// Package locks serializes tree mutations that touch the same paths.
//
// Keys are relative paths. A Lock call acquires all of its keys in sorted
// order, so two callers locking overlapping key sets cannot deadlock.
package locks

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires a set of path locks. The returned unlock function releases
// all of them and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// Nop is a Locker that never blocks.
type Nop struct{}

// Lock implements Locker.
func (Nop) Lock(context.Context, ...string) (func(), error) {
	return func() {}, nil
}

// normalize de-duplicates and sorts keys.
func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}
