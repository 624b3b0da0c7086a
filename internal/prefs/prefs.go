// Package prefs holds the browser view preferences in memory.
package prefs

import (
	"fmt"
	"sync"

	"github.com/fruitsalade/flowshelf/internal/models"
)

// View modes.
const (
	ViewList = "list"
	ViewGrid = "grid"
)

// Store is a concurrency-safe preference holder.
type Store struct {
	mu    sync.RWMutex
	prefs models.Preferences
}

// New returns a Store with the default preferences.
func New() *Store {
	return &Store{prefs: Defaults()}
}

// Defaults returns list view sorted by name ascending.
func Defaults() models.Preferences {
	return models.Preferences{ViewMode: ViewList, SortBy: "name", SortOrder: "asc"}
}

// Get returns a copy of the current preferences.
func (s *Store) Get() models.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// SetViewMode switches between list and grid views.
func (s *Store) SetViewMode(mode string) error {
	if mode != ViewList && mode != ViewGrid {
		return fmt.Errorf("invalid view mode %q", mode)
	}
	s.mu.Lock()
	s.prefs.ViewMode = mode
	s.mu.Unlock()
	return nil
}
