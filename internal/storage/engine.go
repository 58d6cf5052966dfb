// Package storage defines the Engine abstraction over the local event store.
//
// Design principle: the pipelines only ever read through this interface, and
// only the relay importer writes. Nothing above this layer touches bbolt or
// any other backend directly, so the on-disk store can be swapped for the
// in-memory one without touching pipeline logic.
package storage

import (
	"context"
	"errors"
	"slices"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/types"
)

// ErrNotFound is returned when an event does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored event cannot be decoded.
var ErrCorrupted = errors.New("storage: entry corrupted")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("storage: closed")

// Engine is the single abstraction through which events are persisted and
// queried.
//
// Implementations:
//   - local.Storage   bbolt-backed, durable
//   - memory.Storage  map-backed, for tests and ephemeral runs
//
// All methods must be safe for concurrent use. There are no transactional
// snapshots across calls: successive reads may observe new writes.
type Engine interface {
	// Put stores ev. It reports false when an event with the same id was
	// already present.
	Put(ev *nostr.Event) (bool, error)

	// Get returns the event with the given id, or ErrNotFound.
	Get(id string) (*nostr.Event, error)

	// Query returns every stored event matching f, newest first. A positive
	// f.Limit bounds the result.
	Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)

	// Events returns the stored events among ids, skipping absent ones.
	Events(ctx context.Context, ids []string) ([]*nostr.Event, error)

	// ExistingIDs returns the id of every stored event.
	ExistingIDs(ctx context.Context) (types.IDSet, error)

	// Close releases the backend.
	Close() error
}

// SortNewestFirst orders events by created_at descending, then id ascending,
// and applies limit when positive. Backends share it so their results agree.
func SortNewestFirst(evs []*nostr.Event, limit int) []*nostr.Event {
	slices.SortFunc(evs, func(a, b *nostr.Event) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return evs
}
