// Package memory provides an in-process ShareStore backed by a map
// guarded by a single mutex. Suitable for a single fenwickd process, or
// for tests that want no persistence.
package memory

import (
	"context"
	"sync"

	"github.com/fenwickfs/fenwick/pkg/openfile"
)

// Store implements openfile.ShareStore in memory. All operations serialize
// through mu, so Mutate calls for different FileIds never run concurrently
// in this implementation — the ShareStore contract only requires that they
// *may* run in parallel, not that they must.
type Store struct {
	mu   sync.Mutex
	sets map[string]*openfile.ShareModeSet
}

// New returns an empty in-memory ShareStore.
func New() *Store {
	return &Store{sets: make(map[string]*openfile.ShareModeSet)}
}

// Mutate implements openfile.ShareStore.
func (s *Store) Mutate(ctx context.Context, id openfile.FileId, fn func(set *openfile.ShareModeSet) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	set, ok := s.sets[key]
	if !ok {
		set = openfile.NewShareModeSet(id)
	} else {
		set = cloneSet(set)
	}

	if err := fn(set); err != nil {
		return err
	}

	if set.IsEmpty() {
		delete(s.sets, key)
		return nil
	}
	s.sets[key] = set
	return nil
}

// Peek implements openfile.ShareStore.
func (s *Store) Peek(ctx context.Context, id openfile.FileId) (*openfile.ShareModeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[id.String()]
	if !ok {
		return nil, openfile.ErrShareSetNotFound
	}
	return cloneSet(set), nil
}

// Close implements openfile.ShareStore. There is nothing to release.
func (s *Store) Close() error { return nil }

func cloneSet(set *openfile.ShareModeSet) *openfile.ShareModeSet {
	clone := &openfile.ShareModeSet{
		FileID:        set.FileID,
		DeleteOnClose: set.DeleteOnClose,
		LastWriteTime: set.LastWriteTime,
	}
	if len(set.Entries) > 0 {
		clone.Entries = make([]openfile.ShareEntry, len(set.Entries))
		copy(clone.Entries, set.Entries)
	}
	return clone
}

var _ openfile.ShareStore = (*Store)(nil)
