package feed_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/scheduler"
	"github.com/snehjoshi/relayfeed/internal/storage/memory"
	"github.com/snehjoshi/relayfeed/internal/storage/storagetest"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ─── strategy ────────────────────────────────────────────────────────────────

// likes ranks kind 1 notes by how many follows reacted to them.
type likes struct{ limit int }

func (likes) Name() string { return "likes" }

func (likes) DiscoveryFilter(q feed.Query) (nostr.Filter, bool) {
	if len(q.Follows) == 0 {
		return nostr.Filter{}, false
	}
	f := nostr.Filter{Kinds: []int{types.KindReaction}, Authors: q.Follows}
	if q.Since != 0 {
		since := q.Since
		f.Since = &since
	}
	return f, true
}

func (l likes) LocalFilter(q feed.Query) (nostr.Filter, bool) { return l.DiscoveryFilter(q) }

func (likes) Extract(ev *nostr.Event) (feed.Candidate, bool) {
	id := types.ReactionTargetID(ev)
	return feed.Candidate{ContentID: id, ActorID: ev.PubKey, At: ev.CreatedAt}, id != ""
}

func (likes) Rules() filter.Chain         { return filter.Standard(types.KindTextNote) }
func (likes) Ranking() candidates.Ranking { return candidates.ByRecommenders }
func (l likes) DisplayLimit() int         { return l.limit }
func (likes) Windowed() bool              { return true }

// ─── fake relay ──────────────────────────────────────────────────────────────

// relay answers every REQ from its own event set: matching events are written
// to the store, then the batch is reported, like the real importer does.
type relay struct {
	store *memory.Storage

	mu        sync.Mutex
	events    []*nostr.Event
	sent      []request.Descriptor
	listeners []backlog.Listener
	silent    func(d request.Descriptor) bool
}

func (r *relay) publish(evs ...*nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
}

func (r *relay) setSilent(fn func(d request.Descriptor) bool) {
	r.mu.Lock()
	r.silent = fn
	r.mu.Unlock()
}

func (r *relay) AddListener(l backlog.Listener) func() {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, x := range r.listeners {
			if x == l {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *relay) Send(d request.Descriptor) {
	r.mu.Lock()
	r.sent = append(r.sent, d)
	silent := r.silent != nil && r.silent(d)
	var match []*nostr.Event
	for _, ev := range r.events {
		if d.Filter.Matches(ev) {
			match = append(match, ev)
		}
	}
	r.mu.Unlock()

	if silent {
		return
	}
	for _, ev := range match {
		_, _ = r.store.Put(ev)
	}
	r.deliver(d.SubscriptionID)
}

func (r *relay) deliver(ids ...string) {
	r.mu.Lock()
	ls := append([]backlog.Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range ls {
		l.OnBatchDelivered(ids)
	}
}

func (r *relay) sentWith(stage string) []request.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []request.Descriptor
	for _, d := range r.sent {
		if strings.Contains(d.SubscriptionID, "-"+stage+"-") {
			out = append(out, d)
		}
	}
	return out
}

// ─── counts ──────────────────────────────────────────────────────────────────

type counts struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *counts) Prefetch(ids []string) {
	c.mu.Lock()
	c.batches = append(c.batches, ids)
	c.mu.Unlock()
}

func (c *counts) all() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.batches...)
}

// ─── harness ─────────────────────────────────────────────────────────────────

type staticFollows []string

func (s staticFollows) Follows(context.Context) ([]string, error) { return s, nil }

type clock struct{ offset atomic.Int64 }

func (c *clock) now() time.Time          { return time.Now().Add(time.Duration(c.offset.Load())) }
func (c *clock) advance(d time.Duration) { c.offset.Add(int64(d)) }

type harness struct {
	p      *feed.Pipeline
	relay  *relay
	store  *memory.Storage
	lists  *filter.MemoryLists
	counts *counts
	clock  *clock
	timers *scheduler.Scheduler
}

// testConfig keeps every timer short. A one hour lookback makes the scaled
// task timeout 250ms and leaves the watchdog at its base.
func testConfig() feed.Config {
	return feed.Config{
		Debounce:        5 * time.Millisecond,
		TaskTimeout:     100 * time.Millisecond,
		WatchdogTimeout: 2 * time.Second,
		Lookback:        time.Hour,
		StaleAfter:      10 * time.Minute,
		PrefetchBatch:   2,
	}
}

func newHarness(t *testing.T, cfg feed.Config, limit int, follows ...string) *harness {
	t.Helper()
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	h := &harness{
		store:  memory.New(),
		lists:  filter.NewMemoryLists(nil, nil),
		counts: &counts{},
		clock:  &clock{},
		timers: s,
	}
	h.relay = &relay{store: h.store}
	h.p = feed.New(likes{limit: limit}, h.store, h.relay, s, cfg,
		feed.WithLists(h.lists),
		feed.WithFollows(staticFollows(follows)),
		feed.WithCounts(h.counts),
		feed.WithClock(h.clock.now),
	)
	h.p.Start(ctx)
	t.Cleanup(func() {
		h.p.Close()
		s.Stop()
		cancel()
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, phase feed.Phase) feed.State {
	t.Helper()
	var st feed.State
	require.Eventually(t, func() bool {
		st = h.p.Current()
		return st.Phase == phase
	}, 3*time.Second, 5*time.Millisecond, "never reached %s", phase)
	return st
}

// ─── event builders ──────────────────────────────────────────────────────────

func note(id, author string, age time.Duration, tags ...nostr.Tag) *nostr.Event {
	return storagetest.Event(id, author, types.KindTextNote, nostr.Timestamp(time.Now().Add(-age).Unix()), tags...)
}

func like(id, author, target string, age time.Duration) *nostr.Event {
	return storagetest.Event(id, author, types.KindReaction, nostr.Timestamp(time.Now().Add(-age).Unix()),
		nostr.Tag{"e", storagetest.ID(target)})
}

func pk(name string) string { return storagetest.Pubkey(name) }

func itemIDs(st feed.State) []string {
	out := make([]string, len(st.Items))
	for i, it := range st.Items {
		out[i] = strings.TrimLeft(it.Event.ID, "0")
	}
	return out
}
