// Package app assembles relayfeed from its configuration: the local store,
// the relay pool, the timer heap, the count fetcher and one pipeline per
// served feed. It owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/config"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/feeds"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/relay"
	"github.com/snehjoshi/relayfeed/internal/scheduler"
	"github.com/snehjoshi/relayfeed/internal/stats"
	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/storage/local"
	transphttp "github.com/snehjoshi/relayfeed/internal/transport/http"
)

// shutdownGrace bounds how long in-flight HTTP requests may take on exit.
const shutdownGrace = 5 * time.Second

// App is a fully wired relayfeed instance.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Store    storage.Engine
	Timers   *scheduler.Scheduler
	Pool     *relay.Pool
	Metrics  *metrics.Registry
	Lists    *filter.MemoryLists
	Contacts *feeds.ContactList
	Counts   *stats.Fetcher // nil when counts are disabled

	pipelines map[string]*feed.Pipeline
	contactsB *backlog.Backlog
}

// New wires every component. Nothing runs until Run or Start.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := local.Open(cfg.StoragePath(), local.Config{
		CacheEntries: cfg.Storage.CacheEntries,
		NoSync:       cfg.Storage.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a, err := newWithStore(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newWithStore(cfg *config.Config, store storage.Engine, log *slog.Logger) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       log,
		Store:     store,
		Timers:    scheduler.New(),
		Metrics:   metrics.New(),
		Lists:     filter.NewMemoryLists(cfg.Account.Blocked, cfg.Account.Muted),
		pipelines: make(map[string]*feed.Pipeline),
	}
	a.Pool = relay.New(store, relay.Config{
		URLs:           cfg.Relays,
		SendRate:       cfg.Relay.SendRate,
		SendBurst:      cfg.Relay.SendBurst,
		DialTimeout:    cfg.Relay.DialTimeout(),
		PingInterval:   cfg.Relay.PingInterval(),
		MaxDialRetries: cfg.Relay.MaxDialRetries,
		RetryBaseDelay: cfg.Relay.RetryBaseDelay(),
		RetryMaxDelay:  cfg.Relay.RetryMaxDelay(),
	}, relay.WithLogger(log), relay.WithMetrics(a.Metrics))

	a.Contacts = feeds.NewContactList(store, cfg.Account.Pubkey, cfg.Account.Follows, log)
	a.contactsB = backlog.New("contacts", a.Timers,
		backlog.WithLogger(log), backlog.WithMetrics(a.Metrics))

	if cfg.Feed.FetchCounts {
		f, err := stats.New(store, a.Pool, a.Timers, stats.DefaultConfig(),
			stats.WithLogger(log), stats.WithMetrics(a.Metrics))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Counts = f
	}

	pcfg := feed.Config{
		RequestIDsLimit: cfg.Feed.RequestIDsLimit,
		Debounce:        cfg.Feed.Debounce(),
		TaskTimeout:     cfg.Feed.TaskTimeout(),
		WatchdogTimeout: cfg.Feed.WatchdogTimeout(),
		Lookback:        cfg.Feed.Lookback(),
		StaleAfter:      cfg.Feed.StaleAfterDuration(),
		FollowsCap:      cfg.Feed.FollowsCap,
		PrefetchBatch:   cfg.Feed.PrefetchBatch,
	}
	names := cfg.Feed.Enabled
	if len(names) == 0 {
		names = feeds.Names()
	}
	for _, name := range names {
		s, err := feeds.ByName(name, feeds.Options{
			DisplayLimit: cfg.Feed.DisplayLimit,
			Emoji:        cfg.Feed.Emoji,
			Pubkey:       cfg.Account.Pubkey,
		})
		if errors.Is(err, feeds.ErrNoPubkey) && len(cfg.Feed.Enabled) == 0 {
			log.Info("feed skipped, no account pubkey", "feed", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("app: feed %q: %w", name, err)
		}
		opts := []feed.Option{
			feed.WithLogger(log),
			feed.WithMetrics(a.Metrics),
			feed.WithLists(a.Lists),
			feed.WithFollows(a.Contacts),
		}
		if a.Counts != nil {
			opts = append(opts, feed.WithCounts(a.Counts))
		}
		a.pipelines[name] = feed.New(s, store, a.Pool, a.Timers, pcfg, opts...)
	}

	// Block and mute edits apply to what is already on screen.
	a.Lists.OnChange(func() {
		for _, p := range a.pipelines {
			p.Refilter()
		}
	})
	return a, nil
}

// Feed returns the pipeline serving name.
func (a *App) Feed(name string) (*feed.Pipeline, bool) {
	p, ok := a.pipelines[name]
	return p, ok
}

// FeedNames lists the served feeds in order.
func (a *App) FeedNames() []string {
	out := make([]string, 0, len(a.pipelines))
	for name := range a.pipelines {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Start begins the timer heap, pipelines and count fetcher. Run calls it;
// one-shot commands use it with RunRelays.
func (a *App) Start(ctx context.Context) {
	a.Timers.Start(ctx)
	if a.Counts != nil {
		a.Counts.Start()
	}
	a.contactsB.Attach(a.Pool)
	for _, p := range a.pipelines {
		p.Start(ctx)
	}
}

// RunRelays keeps the relay pool connected until ctx ends. Without relays it
// returns at once and feeds are served from local data.
func (a *App) RunRelays(ctx context.Context) error {
	err := a.Pool.Run(ctx)
	if errors.Is(err, relay.ErrNoRelays) {
		a.log.Warn("no relays configured, serving local data only")
		return nil
	}
	return err
}

// Run starts everything and serves HTTP until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.RunRelays(ctx) })
	g.Go(func() error { return a.syncContacts(ctx) })

	addr := fmt.Sprintf("%s:%d", a.cfg.Node.Host, a.cfg.Node.Port)
	srv := a.HTTPServer()
	g.Go(func() error {
		a.log.Info("relayfeed ready", "addr", addr, "feeds", a.FeedNames())
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler:           a.Metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.log.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutCtx)
		}
		return nil
	})

	return g.Wait()
}

// HTTPServer builds the local feed server over the pipelines.
func (a *App) HTTPServer() *transphttp.Server {
	served := make([]transphttp.Feed, 0, len(a.pipelines))
	for _, name := range a.FeedNames() {
		served = append(served, a.pipelines[name])
	}
	opts := transphttp.Options{
		Lists:   a.Lists,
		Relays:  a.Pool.Connected,
		Metrics: a.Metrics,
		APIKey:  a.cfg.Node.APIKey,
	}
	if a.Counts != nil {
		opts.Counts = a.Counts
	}
	return transphttp.New(served, opts)
}

// syncContacts refreshes the account's contact list once a relay is
// connected and again whenever feed data goes stale. A list that gains
// follows reloads the follow-driven feeds already in use.
func (a *App) syncContacts(ctx context.Context) error {
	if a.cfg.Account.Pubkey == "" || len(a.cfg.Relays) == 0 {
		return nil
	}
	every := a.cfg.Feed.StaleAfterDuration()
	if every <= 0 {
		every = 10 * time.Minute
	}
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for len(a.Pool.Connected()) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		err := a.Contacts.Sync(ctx, a.contactsB, a.Pool.Send, func(changed bool) {
			if !changed {
				return
			}
			a.log.Info("contact list updated, reloading feeds")
			for name, p := range a.pipelines {
				// Unopened feeds read the new follows on their first load.
				if name == "profile-likes" || p.Current().Phase == feed.PhaseInitializing {
					continue
				}
				p.Reload()
			}
		})
		if err != nil && !errors.Is(err, backlog.ErrDuplicate) {
			a.log.Warn("contact sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops the pipelines and releases the store.
func (a *App) Close() error {
	for _, p := range a.pipelines {
		p.Close()
	}
	if a.Counts != nil {
		a.Counts.Close()
	}
	a.contactsB.Clear()
	a.Timers.Stop()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("app: close store: %w", err)
	}
	return nil
}
