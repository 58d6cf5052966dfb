package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/subid"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ContactList is the follow source backed by the account's newest kind 3
// event in the local store. Without one it falls back to a static list.
type ContactList struct {
	store  storage.Engine
	pubkey string
	log    *slog.Logger

	mu       sync.Mutex
	fallback []string
}

// NewContactList creates the follow source for pubkey.
func NewContactList(store storage.Engine, pubkey string, fallback []string, log *slog.Logger) *ContactList {
	if log == nil {
		log = slog.Default()
	}
	return &ContactList{
		store:    store,
		pubkey:   pubkey,
		fallback: slices.Clone(fallback),
		log:      log.With("component", "contacts"),
	}
}

// SetFallback replaces the static follow list.
func (c *ContactList) SetFallback(follows []string) {
	c.mu.Lock()
	c.fallback = slices.Clone(follows)
	c.mu.Unlock()
}

func (c *ContactList) filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{types.KindContactList}, Authors: []string{c.pubkey}, Limit: 1}
}

// Follows implements feed.FollowSource. Duplicate p-tags are collapsed.
func (c *ContactList) Follows(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	fallback := slices.Clone(c.fallback)
	c.mu.Unlock()

	if c.pubkey == "" {
		return fallback, nil
	}
	evs, err := c.store.Query(ctx, c.filter())
	if err != nil {
		return fallback, fmt.Errorf("feeds: contact list: %w", err)
	}
	if len(evs) == 0 {
		return fallback, nil
	}
	return types.NewIDSet(types.ContactListPubkeys(evs[0])...).Sorted(), nil
}

// Sync asks the relays for the account's newest contact list through b.
// onDone runs once the request settles; changed reports whether the follow
// set gained a pubkey it did not have when Sync was called. A shrinking or
// unchanged list is not a change.
func (c *ContactList) Sync(ctx context.Context, b *backlog.Backlog, send func(request.Descriptor), onDone func(changed bool)) error {
	if c.pubkey == "" {
		return fmt.Errorf("feeds: contact sync: %w", ErrNoPubkey)
	}
	prev, err := c.Follows(ctx)
	if err != nil {
		c.log.Warn("contact list read failed", "err", err)
	}
	before := types.NewIDSet(prev...)

	settle := func() {
		next, err := c.Follows(ctx)
		if err != nil {
			c.log.Warn("contact list read failed", "err", err)
		}
		changed := slices.ContainsFunc(next, func(pk string) bool { return !before.Has(pk) })
		if onDone != nil {
			onDone(changed)
		}
	}
	t := request.NewTask(request.Descriptor{
		SubscriptionID: subid.MustNew("CONTACTS"),
		Filter:         c.filter(),
	}, request.Handlers{
		OnSend:     send,
		OnResponse: settle,
		OnTimeout: func() {
			c.log.Info("contact list request timed out")
			settle()
		},
	})
	return b.Add(t)
}
