// Package memory is a map-backed storage.Engine. Nothing is persisted.
package memory

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// Storage keeps every event in memory.
type Storage struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
	closed bool
}

// New creates an empty store.
func New() *Storage {
	return &Storage{events: make(map[string]*nostr.Event)}
}

var _ storage.Engine = (*Storage)(nil)

func (s *Storage) Put(ev *nostr.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return true, nil
}

func (s *Storage) Get(id string) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Storage) Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*nostr.Event
	for _, ev := range s.events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return storage.SortNewestFirst(out, f.Limit), nil
}

func (s *Storage) Events(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*nostr.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, ctx.Err()
}

func (s *Storage) ExistingIDs(ctx context.Context) (types.IDSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ids := make(types.IDSet, len(s.events))
	for id := range s.events {
		ids.Add(id)
	}
	return ids, ctx.Err()
}

// Len returns the number of stored events.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
