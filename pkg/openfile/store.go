package openfile

import "context"

// ShareStore persists ShareModeSets across the process boundary: a
// transactional keyed map with per-key locking, passed explicitly rather
// than held as an ambient singleton. A cluster of server processes
// sharing one FileId must observe the same ShareModeSet, so every mutation
// goes through Mutate rather than a separate Get/Put pair that could race.
//
// Implementations must serialize concurrent Mutate calls for the same
// FileId (e.g. per-key mutex, or the backend's own transaction isolation)
// but may run calls for different FileIds fully in parallel.
type ShareStore interface {
	// Mutate loads the ShareModeSet for id (creating an empty one if
	// absent), passes it to fn, and persists the
	// result unless fn returns an error. If fn leaves the set empty, the
	// store garbage-collects the entry instead of persisting it, matching
	// the "destroyed when last entry is removed" lifecycle rule.
	//
	// fn must not retain set beyond its call; some implementations reuse
	// the buffer backing set.Entries across calls.
	Mutate(ctx context.Context, id FileId, fn func(set *ShareModeSet) error) error

	// Peek returns a snapshot of the ShareModeSet for id without taking
	// the mutation lease, for read-only diagnostics (audit.go, metrics).
	// The returned set must not be mutated.
	Peek(ctx context.Context, id FileId) (*ShareModeSet, error)

	// Close releases resources held by the store.
	Close() error
}

// ErrShareSetNotFound is returned by Peek when no ShareModeSet exists for
// the requested FileId — distinct from an empty set, which cannot be
// observed because the store garbage-collects it on emptiness.
var ErrShareSetNotFound = NewStatusError(StatusObjectNameNotFound, "")
