// Package storagetest holds the behaviour every storage.Engine must share.
// Backend test files call Run with a constructor.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayfeed/internal/storage"
)

// Pubkey returns a deterministic 64-char hex pubkey for a one-letter name.
func Pubkey(name string) string {
	return strings.Repeat(fmt.Sprintf("%x", name[0]), 32)
}

// ID left-pads short to a 64-char event id.
func ID(short string) string {
	return strings.Repeat("0", 64-len(short)) + short
}

// Event builds an event whose id is ID(id).
func Event(id, author string, kind int, at nostr.Timestamp, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        ID(id),
		PubKey:    Pubkey(author),
		Kind:      kind,
		CreatedAt: at,
		Tags:      nostr.Tags(tags),
	}
}

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func ids(evs []*nostr.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = strings.TrimLeft(ev.ID, "0")
	}
	return out
}

// Run exercises open() against the shared contract.
func Run(t *testing.T, open func(t *testing.T) storage.Engine) {
	ctx := context.Background()

	t.Run("PutIsIdempotent", func(t *testing.T) {
		s := open(t)
		ev := Event("1", "a", 1, 100)
		ok, err := s.Put(ev)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Put(ev)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.Kind, got.Kind)
		assert.Equal(t, ev.CreatedAt, got.CreatedAt)

		_, err = s.Get(ID("missing"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("QueryByKindAndWindow", func(t *testing.T) {
		s := open(t)
		for _, ev := range []*nostr.Event{
			Event("1", "a", 7, 100),
			Event("2", "b", 7, 200),
			Event("3", "a", 7, 300),
			Event("4", "a", 1, 250),
		} {
			_, err := s.Put(ev)
			require.NoError(t, err)
		}

		got, err := s.Query(ctx, nostr.Filter{Kinds: []int{7}, Since: ts(150)})
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "2"}, ids(got), "newest first, window applied")

		got, err = s.Query(ctx, nostr.Filter{Kinds: []int{7}, Until: ts(200)})
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "1"}, ids(got))

		got, err = s.Query(ctx, nostr.Filter{Kinds: []int{1, 7}, Authors: []string{Pubkey("a")}, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "4"}, ids(got))
	})

	t.Run("QueryByAuthorOnly", func(t *testing.T) {
		s := open(t)
		_, _ = s.Put(Event("1", "a", 1, 100))
		_, _ = s.Put(Event("2", "b", 1, 100))
		got, err := s.Query(ctx, nostr.Filter{Authors: []string{Pubkey("b")}})
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(got))
	})

	t.Run("QueryByTag", func(t *testing.T) {
		s := open(t)
		target := ID("t")
		_, _ = s.Put(Event("1", "a", 7, 100, nostr.Tag{"e", target}))
		_, _ = s.Put(Event("2", "a", 7, 100, nostr.Tag{"e", "other"}))
		got, err := s.Query(ctx, nostr.Filter{Kinds: []int{7}, Tags: nostr.TagMap{"e": []string{target}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(got))
	})

	t.Run("QueryByIDs", func(t *testing.T) {
		s := open(t)
		_, _ = s.Put(Event("1", "a", 1, 100))
		_, _ = s.Put(Event("2", "a", 6, 200))
		got, err := s.Query(ctx, nostr.Filter{
			IDs:   []string{ID("1"), ID("2"), ID("9")},
			Kinds: []int{1},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(got))
	})

	t.Run("EventsSkipsMissing", func(t *testing.T) {
		s := open(t)
		_, _ = s.Put(Event("1", "a", 1, 100))
		got, err := s.Events(ctx, []string{ID("1"), ID("2")})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(got))
	})

	t.Run("ExistingIDs", func(t *testing.T) {
		s := open(t)
		_, _ = s.Put(Event("1", "a", 1, 100))
		_, _ = s.Put(Event("2", "b", 7, 100))
		got, err := s.ExistingIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Len())
		assert.True(t, got.Has(ID("2")))
	})

	t.Run("ClosedRejects", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.Put(Event("1", "a", 1, 100))
		assert.ErrorIs(t, err, storage.ErrClosed)
		_, err = s.ExistingIDs(ctx)
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}
