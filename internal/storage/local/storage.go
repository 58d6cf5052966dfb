// Package local is the durable storage.Engine: events as JSON in a single
// bbolt file, with kind and author indices for time-window queries and an LRU
// of decoded events in front of it.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/types"
)

const dbFileName = "events.db"

// ─── Local Storage Config ────────────────────────────────────────────────────

// Config holds options that tune local.Storage behaviour.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	// CacheEntries bounds the decoded-event LRU.
	CacheEntries int
	// NoSync skips fsync on commit. Only for tests and throwaway stores.
	NoSync bool
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{CacheEntries: 4096}
}

// ─── Storage ─────────────────────────────────────────────────────────────────

// Storage is the bbolt implementation of storage.Engine.
// All methods are safe for concurrent use.
type Storage struct {
	db     *bbolt.DB
	cache  *lru.Cache[string, *nostr.Event]
	closed atomic.Bool
}

var _ storage.Engine = (*Storage)(nil)

// Open opens (or creates) events.db inside dir.
func Open(dir string, cfgs ...Config) (*Storage, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		cfg = cfgs[0]
		if cfg.CacheEntries <= 0 {
			cfg.CacheEntries = DefaultConfig().CacheEntries
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, dbFileName)

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketKindTime, bucketAuthorTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w", err)
	}

	cache, err := lru.New[string, *nostr.Event](cfg.CacheEntries)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: cache: %w", err)
	}
	return &Storage{db: db, cache: cache}, nil
}

// Put stores ev and its index entries in one transaction.
func (s *Storage) Put(ev *nostr.Event) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrClosed
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("local: marshal %s: %w", ev.ID, err)
	}
	aKey, err := authorKey(ev)
	if err != nil {
		return false, err
	}

	inserted := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events.Get([]byte(ev.ID)) != nil {
			return nil
		}
		if err := events.Put([]byte(ev.ID), body); err != nil {
			return err
		}
		if err := tx.Bucket(bucketKindTime).Put(kindKey(ev), nil); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAuthorTime).Put(aKey, nil); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("local: put %s: %w", ev.ID, err)
	}
	return inserted, nil
}

// Get returns a single event by id.
func (s *Storage) Get(id string) (*nostr.Event, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if ev, ok := s.cache.Get(id); ok {
		return copyEvent(ev), nil
	}
	var ev *nostr.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ev, err = s.load(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return copyEvent(ev), nil
}

// load decodes id from the events bucket, consulting the cache first.
func (s *Storage) load(tx *bbolt.Tx, id string) (*nostr.Event, error) {
	if ev, ok := s.cache.Get(id); ok {
		return ev, nil
	}
	raw := tx.Bucket(bucketEvents).Get([]byte(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	ev := &nostr.Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrCorrupted, id, err)
	}
	s.cache.Add(id, ev)
	return ev, nil
}

// Query picks the narrowest index for f, scans the [since, until] window,
// and applies f.Matches to every candidate.
func (s *Storage) Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if len(f.IDs) > 0 {
		evs, err := s.Events(ctx, f.IDs)
		if err != nil {
			return nil, err
		}
		out := evs[:0]
		for _, ev := range evs {
			if f.Matches(ev) {
				out = append(out, ev)
			}
		}
		return storage.SortNewestFirst(out, f.Limit), nil
	}

	var out []*nostr.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen := make(map[string]struct{})
		visit := func(id string) error {
			if _, dup := seen[id]; dup {
				return nil
			}
			seen[id] = struct{}{}
			ev, err := s.load(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if f.Matches(ev) {
				out = append(out, copyEvent(ev))
			}
			return nil
		}

		switch {
		case len(f.Kinds) > 0:
			b := tx.Bucket(bucketKindTime)
			for _, kind := range f.Kinds {
				if err := scanRange(ctx, b, kindPrefix(kind), f.Since, f.Until, visit); err != nil {
					return err
				}
			}
		case len(f.Authors) > 0:
			b := tx.Bucket(bucketAuthorTime)
			for _, pk := range f.Authors {
				prefix, err := authorPrefix(pk)
				if err != nil {
					continue
				}
				if err := scanRange(ctx, b, prefix, f.Since, f.Until, visit); err != nil {
					return err
				}
			}
		default:
			c := tx.Bucket(bucketEvents).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := visit(string(k)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: query: %w", err)
	}
	return storage.SortNewestFirst(out, f.Limit), nil
}

// scanRange visits every id under prefix whose timestamp lies in [since, until].
func scanRange(ctx context.Context, b *bbolt.Bucket, prefix []byte, since, until *nostr.Timestamp, visit func(string) error) error {
	var lo nostr.Timestamp
	if since != nil {
		lo = *since
	}
	c := b.Cursor()
	for k, _ := c.Seek(withTime(prefix, lo)); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ts, id := splitIndexKey(k, len(prefix))
		if until != nil && ts > *until {
			break
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the stored events among ids in the order given.
func (s *Storage) Events(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	out := make([]*nostr.Event, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev, err := s.load(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, copyEvent(ev))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: events: %w", err)
	}
	return out, nil
}

// ExistingIDs walks the events bucket keys.
func (s *Storage) ExistingIDs(ctx context.Context) (types.IDSet, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ids := make(types.IDSet)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids.Add(string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("local: existing ids: %w", err)
	}
	return ids, nil
}

// Close flushes and closes the database file.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	return s.db.Close()
}

// copyEvent shields the cached value from caller mutation. Tags are shared;
// callers treat them as read-only.
func copyEvent(ev *nostr.Event) *nostr.Event {
	cp := *ev
	return &cp
}
