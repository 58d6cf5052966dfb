// Package stats prefetches and tallies the interaction counts shown next to
// feed items: replies, reposts, reactions and zaps.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/subid"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// Kinds are the event kinds that reference a counted item.
var Kinds = []int{types.KindTextNote, types.KindRepost, types.KindReaction, types.KindZapReceipt}

// Counts are the interactions recorded locally for one event.
type Counts struct {
	Replies   int   `json:"replies"`
	Reposts   int   `json:"reposts"`
	Reactions int   `json:"reactions"`
	Zaps      int   `json:"zaps"`
	ZapSats   int64 `json:"zap_sats"`
}

// Config tunes the fetcher.
type Config struct {
	// Debounce delays each prefetch request so bursts of visibility changes
	// collapse. Prefetching is low priority.
	Debounce time.Duration
	// Timeout bounds each prefetch request.
	Timeout time.Duration
	// Remember is how many ids are remembered as already prefetched.
	Remember int
}

// DefaultConfig returns the fetcher defaults.
func DefaultConfig() Config {
	return Config{Debounce: time.Second, Timeout: 10 * time.Second, Remember: 4096}
}

// Option is a functional option for the Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(f *Fetcher) { f.metrics = m } }

// Fetcher implements feed.CountFetcher. Every prefetch is a request task in
// the fetcher's own backlog, so relay replies resolve it like any other.
type Fetcher struct {
	store     storage.Engine
	transport feed.Transport
	backlog   *backlog.Backlog
	cfg       Config

	seen   *lru.Cache[string, struct{}]
	flight singleflight.Group

	mu     sync.Mutex
	detach func()

	log     *slog.Logger
	metrics *metrics.Registry
}

var _ feed.CountFetcher = (*Fetcher)(nil)

// New creates a fetcher.
func New(store storage.Engine, tr feed.Transport, timers request.Timers, cfg Config, opts ...Option) (*Fetcher, error) {
	d := DefaultConfig()
	if cfg.Remember <= 0 {
		cfg.Remember = d.Remember
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	f := &Fetcher{store: store, transport: tr, cfg: cfg}
	for _, o := range opts {
		o(f)
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	f.log = f.log.With("component", "stats")

	var err error
	if f.seen, err = lru.New[string, struct{}](cfg.Remember); err != nil {
		return nil, fmt.Errorf("stats: new: %w", err)
	}
	f.backlog = backlog.New("stats", timers,
		backlog.WithLogger(f.log),
		backlog.WithMetrics(f.metrics),
		backlog.WithDefaultTimeout(cfg.Timeout),
	)
	return f, nil
}

// Start attaches the fetcher to its transport.
func (f *Fetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detach == nil {
		f.detach = f.backlog.Attach(f.transport)
	}
}

// Close detaches from the transport and drops pending prefetches.
func (f *Fetcher) Close() {
	f.mu.Lock()
	detach := f.detach
	f.detach = nil
	f.mu.Unlock()
	if detach != nil {
		detach()
	}
	f.backlog.Clear()
}

// Backlog exposes the fetcher's request registry.
func (f *Fetcher) Backlog() *backlog.Backlog { return f.backlog }

// Prefetch requests the interactions of ids not requested before. It never
// blocks on the network.
func (f *Fetcher) Prefetch(ids []string) {
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if ok, _ := f.seen.ContainsOrAdd(id, struct{}{}); ok {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return
	}

	t := request.NewTask(request.Descriptor{
		SubscriptionID: subid.MustNew("COUNTS"),
		Filter:         nostr.Filter{Kinds: Kinds, Tags: nostr.TagMap{"e": fresh}},
		Debounce:       f.cfg.Debounce,
	}, request.Handlers{
		OnSend:     f.transport.Send,
		OnResponse: func() { f.log.Debug("count prefetch done", "ids", len(fresh)) },
		// Whatever arrived before the timeout is in the store already.
		OnTimeout: func() { f.log.Debug("count prefetch timed out", "ids", len(fresh)) },
	})
	if err := f.backlog.Add(t); err != nil {
		f.log.Warn("count prefetch rejected", "err", err)
	}
}

// Counts tallies the interactions with id from the local store, so events
// imported by any request show up on the next call. Concurrent calls for the
// same id share one store query; a caller that gives up does not cancel it
// for the others.
func (f *Fetcher) Counts(ctx context.Context, id string) (Counts, error) {
	qctx := context.WithoutCancel(ctx)
	ch := f.flight.DoChan(id, func() (any, error) {
		evs, err := f.store.Query(qctx, nostr.Filter{Kinds: Kinds, Tags: nostr.TagMap{"e": {id}}})
		if err != nil {
			return Counts{}, err
		}
		return Tally(id, evs), nil
	})
	select {
	case <-ctx.Done():
		return Counts{}, fmt.Errorf("stats: counts %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Counts{}, fmt.Errorf("stats: counts %s: %w", id, res.Err)
		}
		return res.Val.(Counts), nil
	}
}

// Tally counts the events in evs that interact with id. Each event is counted
// once; a note only counts as a reply when it sits in id's thread.
func Tally(id string, evs []*nostr.Event) Counts {
	var c Counts
	seen := types.NewIDSet()
	for _, ev := range evs {
		if seen.Has(ev.ID) {
			continue
		}
		seen.Add(ev.ID)
		switch ev.Kind {
		case types.KindTextNote:
			if types.ReplyToID(ev) == id || types.RootID(ev) == id {
				c.Replies++
			}
		case types.KindRepost:
			if types.RepostedID(ev) == id {
				c.Reposts++
			}
		case types.KindReaction:
			if types.ReactionTargetID(ev) == id {
				c.Reactions++
			}
		case types.KindZapReceipt:
			if types.ZappedEventID(ev) == id {
				c.Zaps++
				c.ZapSats += types.ZapAmountSats(ev)
			}
		}
	}
	return c
}
