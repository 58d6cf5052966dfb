// Package feed implements the convergent fetch-then-rank pipeline and the
// feed lifecycle every view is built from.
//
// One run of a Pipeline goes through four stages:
//
//  1. remote discovery of candidate ids (reactions, zaps) via the backlog
//  2. local candidate query into the accumulator, then the new-id delta
//  3. a bounded remote fetch of exactly the new ids, skipped when none
//  4. local materialization, filter chain, rank, truncate, publish Ready
//
// A stage never fails: a timeout proceeds with whatever is local. Every
// callback carries the generation it was started under and is dropped if a
// reload has started a newer one since.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/subid"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

// ErrClosed is returned by Refresh on a closed pipeline.
var ErrClosed = errors.New("feed: pipeline closed")

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds the numeric policies of a pipeline.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	RequestIDsLimit int           // max ids in one content request
	Debounce        time.Duration // stage 1 send debounce
	TaskTimeout     time.Duration // floor for per-request timeouts
	WatchdogTimeout time.Duration // floor for the whole-run watchdog
	Lookback        time.Duration
	StaleAfter      time.Duration // Load on a Ready feed refetches after this
	FollowsCap      int
	PrefetchBatch   int
}

// DefaultConfig returns the production policies.
func DefaultConfig() Config {
	return Config{
		RequestIDsLimit: 500,
		Debounce:        500 * time.Millisecond,
		TaskTimeout:     5 * time.Second,
		WatchdogTimeout: 12 * time.Second,
		Lookback:        12 * time.Hour,
		StaleAfter:      10 * time.Minute,
		FollowsCap:      2000,
		PrefetchBatch:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestIDsLimit <= 0 {
		c.RequestIDsLimit = d.RequestIDsLimit
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = d.WatchdogTimeout
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.FollowsCap <= 0 {
		c.FollowsCap = d.FollowsCap
	}
	if c.PrefetchBatch <= 0 {
		c.PrefetchBatch = d.PrefetchBatch
	}
	return c
}

// TaskTimeoutFor scales the per-request timeout with the lookback: a quarter
// second per hour, never below floor.
func TaskTimeoutFor(lookback, floor time.Duration) time.Duration {
	return max(time.Duration(lookback.Hours()/4*float64(time.Second)), floor)
}

// WatchdogFor grows the watchdog by a quarter second per hour of lookback
// beyond eight hours, never below base.
func WatchdogFor(lookback, base time.Duration) time.Duration {
	extra := time.Duration((lookback.Hours() - 8) / 4 * float64(time.Second))
	return max(base, base+extra)
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option { return func(p *Pipeline) { p.metrics = reg } }

// WithLists sets the block and mute list provider.
func WithLists(l filter.Lists) Option { return func(p *Pipeline) { p.lists = l } }

// WithFollows sets the follow source.
func WithFollows(f FollowSource) Option { return func(p *Pipeline) { p.follows = f } }

// WithCounts sets the count prefetcher.
func WithCounts(c CountFetcher) Option { return func(p *Pipeline) { p.counts = c } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// ─── Pipeline ────────────────────────────────────────────────────────────────

// Pipeline drives one feed.
type Pipeline struct {
	strategy  Strategy
	store     storage.Engine
	transport Transport
	timers    request.Timers
	backlog   *backlog.Backlog
	acc       *candidates.Accumulator
	state     *StateMachine
	work      *worker
	key       string // unique per pipeline, prefixes timer keys

	log     *slog.Logger
	metrics *metrics.Registry
	lists   filter.Lists
	follows FollowSource
	counts  CountFetcher
	now     func() time.Time

	// Owned by the worker goroutine.
	cfg          Config
	watchdog     time.Duration
	gen          uint64
	lastFetch    time.Time
	pendingFetch time.Time
	stageStart   time.Time
	followSet    []string
	items        []Item
	prefetched   types.IDSet
	waiters      map[uint64][]chan State

	closeOnce sync.Once
	detach    func()
}

// New builds a pipeline. Start must be called before any operation has an
// effect.
func New(s Strategy, store storage.Engine, tr Transport, timers request.Timers, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		strategy:   s,
		store:      store,
		transport:  tr,
		timers:     timers,
		acc:        candidates.New(s.Ranking()),
		state:      NewStateMachine(),
		work:       newWorker(),
		key:        subid.MustNew(strings.ToUpper(s.Name())),
		now:        time.Now,
		cfg:        cfg.withDefaults(),
		prefetched: types.NewIDSet(),
		waiters:    make(map[uint64][]chan State),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("feed", s.Name())
	if p.lists == nil {
		p.lists = filter.NewMemoryLists(nil, nil)
	}
	p.watchdog = WatchdogFor(p.cfg.Lookback, p.cfg.WatchdogTimeout)
	p.backlog = backlog.New(s.Name(), timers,
		backlog.WithLogger(p.log),
		backlog.WithMetrics(p.metrics),
		backlog.WithDefaultTimeout(TaskTimeoutFor(p.cfg.Lookback, p.cfg.TaskTimeout)),
	)
	return p
}

// Name returns the strategy name.
func (p *Pipeline) Name() string { return p.strategy.Name() }

// Current returns the latest FeedState.
func (p *Pipeline) Current() State { return p.state.Current() }

// Subscribe registers a FeedState observer. See StateMachine.Subscribe.
func (p *Pipeline) Subscribe() (<-chan State, func()) { return p.state.Subscribe() }

// Backlog exposes the pipeline's backlog, for inspection.
func (p *Pipeline) Backlog() *backlog.Backlog { return p.backlog }

// Start attaches the backlog to the transport and starts the worker.
func (p *Pipeline) Start(ctx context.Context) {
	p.detach = p.backlog.Attach(p.transport)
	p.work.start(ctx)
}

// Close stops the pipeline. In-flight tasks are discarded, observers are
// closed and pending Refresh calls return ErrClosed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.detach != nil {
			p.detach()
		}
		p.work.stop()
		p.backlog.Clear()
		p.timers.Cancel(p.watchdogKey())
		p.state.Close()
	})
}

// Load starts the first run, or refetches a Ready feed whose data is stale.
// It is a no-op while Loading.
func (p *Pipeline) Load() {
	p.work.submit(func(ctx context.Context) {
		switch p.state.Current().Phase {
		case PhaseInitializing, PhaseTimeout:
			p.begin(ctx, false, true)
		case PhaseReady:
			if age := p.now().Sub(p.lastFetch); age < p.cfg.StaleAfter {
				p.log.Debug("load skipped, data fresh", "age", age)
				return
			}
			// Background refetch: the current items stay visible.
			p.begin(ctx, false, false)
		case PhaseLoading:
			p.log.Debug("load skipped, already loading")
		}
	})
}

// Reload hard-resets the feed (account switch) and starts over.
func (p *Pipeline) Reload() {
	p.work.submit(func(ctx context.Context) { p.begin(ctx, true, true) })
}

// Refresh resets like Reload and waits until the new run publishes Ready or
// its watchdog fires. It returns the state reached.
func (p *Pipeline) Refresh(ctx context.Context) (State, error) {
	ch := make(chan State, 1)
	p.work.submit(func(wctx context.Context) {
		// Register first: begin may complete synchronously.
		next := p.gen + 1
		p.waiters[next] = append(p.waiters[next], ch)
		p.begin(wctx, true, true)
	})

	select {
	case st, ok := <-ch:
		if !ok {
			return State{}, ErrClosed
		}
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-p.work.done:
		return State{}, ErrClosed
	}
}

// RetryAfterTimeout re-enters loading from the Timeout state.
func (p *Pipeline) RetryAfterTimeout() {
	p.work.submit(func(ctx context.Context) {
		if p.state.Current().Phase != PhaseTimeout {
			return
		}
		p.begin(ctx, false, true)
	})
}

// SetLookback changes the window. Shrinking re-materializes from the local
// store; widening forgets the last fetch time and refetches.
func (p *Pipeline) SetLookback(d time.Duration) {
	p.work.submit(func(ctx context.Context) {
		if d <= 0 || d == p.cfg.Lookback {
			return
		}
		old := p.cfg.Lookback
		p.cfg.Lookback = d
		p.watchdog = WatchdogFor(d, p.cfg.WatchdogTimeout)
		p.backlog.SetDefaultTimeout(TaskTimeoutFor(d, p.cfg.TaskTimeout))
		p.log.Info("lookback changed", "from", old, "to", d)

		phase := p.state.Current().Phase
		switch {
		case phase == PhaseInitializing:
		case d < old && phase == PhaseReady:
			p.republish(ctx)
		case d > old:
			p.lastFetch = time.Time{}
			p.begin(ctx, false, true)
		}
	})
}

// Refilter re-applies the content rules with the current block and mute
// lists and republishes. Only acts on a Ready feed.
func (p *Pipeline) Refilter() {
	p.work.submit(func(ctx context.Context) {
		if p.state.Current().Phase != PhaseReady {
			return
		}
		p.republish(ctx)
	})
}

// Visible reports that the item with the given id scrolled into view. When
// it closes a batch, counts for the next batch are prefetched.
func (p *Pipeline) Visible(id string) {
	p.work.submit(func(context.Context) {
		i := slices.IndexFunc(p.items, func(it Item) bool { return it.Event.ID == id })
		if i < 0 || (i+1)%p.cfg.PrefetchBatch != 0 {
			return
		}
		p.prefetch(i+1, i+1+p.cfg.PrefetchBatch)
	})
}

// ─── run ─────────────────────────────────────────────────────────────────────

func (p *Pipeline) watchdogKey() string { return "watchdog/" + p.key }

// begin starts a new generation and stage 1. reset clears the accumulator,
// the published items and the fetch bookkeeping. loading publishes Loading.
func (p *Pipeline) begin(ctx context.Context, reset, loading bool) {
	p.gen++
	gen := p.gen

	if n := p.backlog.Clear(); n > 0 {
		p.log.Debug("discarded in-flight requests", "count", n, "gen", gen)
	}
	if reset {
		p.acc.Reset()
		p.items = nil
		p.lastFetch = time.Time{}
		p.prefetched = types.NewIDSet()
		p.metrics.SetCandidates(p.Name(), 0)
	}
	if loading {
		p.publish(State{Phase: PhaseLoading, Generation: gen})
	}

	p.timers.After(p.watchdogKey(), p.watchdog, func() {
		p.work.submit(func(context.Context) { p.onWatchdog(gen) })
	})

	p.discover(ctx, gen)
}

func (p *Pipeline) stale(gen uint64, stage string) bool {
	if gen == p.gen {
		return false
	}
	p.log.Debug("dropping stale callback", "stage", stage, "gen", gen, "current", p.gen)
	p.metrics.PipelineRun(p.Name(), metrics.RunStale)
	return true
}

// windowStart is the beginning of the lookback window, or zero.
func (p *Pipeline) windowStart() nostr.Timestamp {
	if !p.strategy.Windowed() {
		return 0
	}
	return nostr.Timestamp(p.now().Add(-p.cfg.Lookback).Unix())
}

// stage 1
func (p *Pipeline) discover(ctx context.Context, gen uint64) {
	p.followSet = p.loadFollows(ctx)
	p.stageStart = p.now()
	p.pendingFetch = p.now()

	since := p.windowStart()
	if since != 0 && !p.lastFetch.IsZero() {
		since = max(since, nostr.Timestamp(p.lastFetch.Unix()))
	}
	f, ok := p.strategy.DiscoveryFilter(Query{Follows: p.followSet, Since: since})
	if !ok {
		p.log.Info("discovery not possible, using local data")
		p.afterDiscovery(ctx, gen, false)
		return
	}

	if !p.track(gen, "DISCOVERY", f, p.cfg.Debounce, func(ctx context.Context, responded bool) {
		p.afterDiscovery(ctx, gen, responded)
	}) {
		p.afterDiscovery(ctx, gen, false)
	}
}

// track registers a request in the backlog whose response or timeout
// submits next to the worker. It reports false when the request could not be
// registered and will never call back.
func (p *Pipeline) track(gen uint64, stage string, f nostr.Filter, debounce time.Duration, next func(context.Context, bool)) bool {
	id, err := subid.New(strings.ToUpper(p.Name()) + "-" + stage)
	if err != nil {
		p.log.Warn("subscription id", "err", err)
		return false
	}
	task := request.NewTask(request.Descriptor{
		SubscriptionID: id,
		Filter:         f,
		Debounce:       debounce,
	}, request.Handlers{
		OnSend: p.transport.Send,
		OnResponse: func() {
			p.work.submit(func(ctx context.Context) { next(ctx, true) })
		},
		OnTimeout: func() {
			p.work.submit(func(ctx context.Context) { next(ctx, false) })
		},
	})

	err = p.backlog.Add(task)
	switch {
	case err == nil:
		p.log.Debug("request queued", "stage", stage, "sub", id, "gen", gen)
		return true
	case errors.Is(err, backlog.ErrDuplicate):
		return false
	default:
		// Invalid descriptors already fired OnTimeout.
		p.log.Info("request rejected", "stage", stage, "err", err)
		return true
	}
}

// stage 2
func (p *Pipeline) afterDiscovery(ctx context.Context, gen uint64, responded bool) {
	if p.stale(gen, "discovery") {
		return
	}
	p.metrics.ObserveStage(p.Name(), "discovery", p.now().Sub(p.stageStart))
	if responded {
		p.lastFetch = p.pendingFetch
	} else {
		p.log.Info("discovery timed out, continuing with local data", "gen", gen)
	}

	if f, ok := p.strategy.LocalFilter(Query{Follows: p.followSet, Since: p.windowStart()}); ok {
		evs, err := p.store.Query(ctx, f)
		if err != nil {
			p.log.Warn("local candidate query failed", "err", err)
		}
		for _, ev := range evs {
			if c, ok := p.strategy.Extract(ev); ok {
				p.acc.InsertWeighted(c.ContentID, c.ActorID, c.At, c.Weight)
			}
		}
	}
	p.metrics.SetCandidates(p.Name(), p.acc.Len())

	if p.acc.Len() == 0 {
		p.complete(gen, nil)
		return
	}

	known, err := p.store.ExistingIDs(ctx)
	if err != nil {
		p.log.Warn("existing ids query failed", "err", err)
	}
	fresh := p.acc.NewIDs(known, p.cfg.RequestIDsLimit)
	if len(fresh) == 0 {
		p.materialize(ctx, gen)
		return
	}

	// stage 3
	p.stageStart = p.now()
	f := nostr.Filter{IDs: fresh, Limit: len(fresh)}
	if !p.track(gen, "CONTENT", f, 0, func(ctx context.Context, responded bool) {
		if p.stale(gen, "content") {
			return
		}
		p.metrics.ObserveStage(p.Name(), "content", p.now().Sub(p.stageStart))
		if !responded {
			p.log.Info("content fetch timed out, rendering local data", "gen", gen, "requested", len(fresh))
		}
		p.materialize(ctx, gen)
	}) {
		p.materialize(ctx, gen)
	}
}

// stage 4
func (p *Pipeline) materialize(ctx context.Context, gen uint64) {
	if p.stale(gen, "materialize") {
		return
	}
	p.complete(gen, p.render(ctx))
}

// republish re-renders the shown items from the local store. A background
// refetch in flight keeps its watchdog and generation.
func (p *Pipeline) republish(ctx context.Context) {
	items := p.render(ctx)
	p.items = items
	p.publish(State{Phase: PhaseReady, Items: items, Generation: p.state.Current().Generation})
}

// render filters, ranks and truncates the accumulated candidates found
// locally.
func (p *Pipeline) render(ctx context.Context) []Item {
	evs, err := p.store.Events(ctx, p.acc.IDs().Sorted())
	if err != nil {
		p.log.Warn("materialize query failed", "err", err)
	}

	env := filter.Env{
		Blocked: p.lists.Blocked(),
		Muted:   p.lists.Muted(),
		Since:   p.windowStart(),
	}
	kept := p.strategy.Rules().Apply(evs, env)
	slices.SortFunc(kept, func(a, b *nostr.Event) int { return p.acc.Compare(a.ID, b.ID) })
	if limit := p.strategy.DisplayLimit(); limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}

	items := make([]Item, len(kept))
	for i, ev := range kept {
		score, _ := p.acc.Score(ev.ID)
		items[i] = Item{Event: ev, Score: score}
	}
	return items
}

// complete publishes Ready, wakes Refresh waiters and prefetches counts.
func (p *Pipeline) complete(gen uint64, items []Item) {
	p.timers.Cancel(p.watchdogKey())
	if items == nil {
		items = []Item{}
	}
	p.items = items
	p.publish(State{Phase: PhaseReady, Items: items, Generation: gen})
	p.metrics.PipelineRun(p.Name(), metrics.RunReady)
	p.log.Info("feed ready", "items", len(items), "candidates", p.acc.Len(), "gen", gen)

	p.wake(gen)
	p.prefetch(0, p.cfg.PrefetchBatch)
}

func (p *Pipeline) onWatchdog(gen uint64) {
	if gen != p.gen {
		return
	}
	if p.state.Current().Phase != PhaseLoading {
		// Background refetch on a Ready feed: keep what is shown.
		p.log.Debug("watchdog fired on background refetch", "gen", gen)
		p.wake(gen)
		return
	}
	p.log.Warn("feed timed out", "gen", gen, "after", p.watchdog)
	p.publish(State{Phase: PhaseTimeout, Generation: gen})
	p.metrics.PipelineRun(p.Name(), metrics.RunTimeout)
	p.wake(gen)
}

func (p *Pipeline) publish(st State) {
	if err := p.state.Transition(st); err != nil {
		p.log.Warn("state not published", "err", err)
	}
}

// wake resolves every Refresh waiting on gen or an older generation.
func (p *Pipeline) wake(gen uint64) {
	st := p.state.Current()
	for g, chs := range p.waiters {
		if g > gen {
			continue
		}
		for _, ch := range chs {
			ch <- st
		}
		delete(p.waiters, g)
	}
}

func (p *Pipeline) prefetch(from, to int) {
	if p.counts == nil || from >= len(p.items) {
		return
	}
	to = min(to, len(p.items))
	var ids []string
	for _, it := range p.items[from:to] {
		if !p.prefetched.Has(it.Event.ID) {
			p.prefetched.Add(it.Event.ID)
			ids = append(ids, it.Event.ID)
		}
	}
	if len(ids) > 0 {
		p.counts.Prefetch(ids)
	}
}

// loadFollows returns the follow set, capped to a random subset.
func (p *Pipeline) loadFollows(ctx context.Context) []string {
	if p.follows == nil {
		return nil
	}
	fs, err := p.follows.Follows(ctx)
	if err != nil {
		p.log.Warn("follow source failed", "err", err)
		return nil
	}
	return CapFollows(fs, p.cfg.FollowsCap)
}

// CapFollows returns follows unchanged when within limit, else a random
// subset of limit entries.
func CapFollows(follows []string, limit int) []string {
	if limit <= 0 || len(follows) <= limit {
		return follows
	}
	cp := slices.Clone(follows)
	rand.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
	return cp[:limit]
}
