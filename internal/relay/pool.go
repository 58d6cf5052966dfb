// Package relay connects to Nostr relays and imports their replies into the
// local store.
//
// The pool is the transport behind every backlog: Send fans a REQ out to
// each connected relay, EVENT frames are buffered per subscription, and on
// the first EOSE the buffered events are written to the store and the
// subscription id is reported to every listener. Only then does the owning
// task resolve, so a pipeline always finds the reply in the store.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	gorillaws "github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/storage"
)

// ErrNoRelays is returned by Run without relay URLs.
var ErrNoRelays = errors.New("relay: no relays configured")

// Config tunes the pool.
type Config struct {
	URLs           []string
	SendRate       float64 // REQs per second per relay
	SendBurst      int
	DialTimeout    time.Duration
	PingInterval   time.Duration
	MaxDialRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxBuffered bounds the events buffered for one subscription before
	// EOSE. Beyond it events are written through immediately.
	MaxBuffered int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		SendRate:       10,
		SendBurst:      20,
		DialTimeout:    10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxDialRetries: 5,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
		MaxBuffered:    10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendRate <= 0 {
		c.SendRate = d.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxDialRetries < 0 {
		c.MaxDialRetries = d.MaxDialRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = max(d.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	return c
}

// Option is a functional option for the Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(p *Pool) { p.metrics = m } }

// WithDialer overrides the websocket dialer.
func WithDialer(d *gorillaws.Dialer) Option { return func(p *Pool) { p.dialer = d } }

// subscription tracks one REQ across relays.
type subscription struct {
	filter   nostr.Filter
	buffered []*nostr.Event
	waiting  map[string]struct{} // relays that have not sent EOSE
	notified bool
}

// Pool is a set of relay connections.
type Pool struct {
	cfg    Config
	store  storage.Engine
	dialer *gorillaws.Dialer
	retry  failsafe.Executor[*gorillaws.Conn]

	mu        sync.Mutex
	conns     map[string]*conn
	subs      map[string]*subscription
	listeners map[int]backlog.Listener
	nextL     int

	log     *slog.Logger
	metrics *metrics.Registry
}

// New creates a pool writing to store. Connections are made by Run.
func New(store storage.Engine, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		store:     store,
		conns:     make(map[string]*conn),
		subs:      make(map[string]*subscription),
		listeners: make(map[int]backlog.Listener),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "relay")
	if p.dialer == nil {
		p.dialer = &gorillaws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: p.cfg.DialTimeout,
		}
	}
	p.retry = failsafe.With(retrypolicy.NewBuilder[*gorillaws.Conn]().
		WithBackoff(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay).
		WithMaxRetries(p.cfg.MaxDialRetries).
		WithJitterFactor(0.1).
		Build())
	return p
}

// AddListener implements backlog.Notifier.
func (p *Pool) AddListener(l backlog.Listener) func() {
	p.mu.Lock()
	id := p.nextL
	p.nextL++
	p.listeners[id] = l
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Connected returns the urls of the live connections.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for u := range p.conns {
		out = append(out, u)
	}
	return out
}

// Pending returns the number of subscriptions still waiting for some relay.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Send implements the pipeline transport: it fans the REQ out to every
// connected relay. Without connections nothing is sent and the task times
// out on its own.
func (p *Pool) Send(d request.Descriptor) {
	p.mu.Lock()
	if _, dup := p.subs[d.SubscriptionID]; dup {
		p.mu.Unlock()
		return
	}
	sub := &subscription{filter: d.Filter, waiting: make(map[string]struct{}, len(p.conns))}
	targets := make([]*conn, 0, len(p.conns))
	for u, c := range p.conns {
		sub.waiting[u] = struct{}{}
		targets = append(targets, c)
	}
	if len(targets) > 0 {
		p.subs[d.SubscriptionID] = sub
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		p.log.Info("no relay connected, request dropped", "sub", d.SubscriptionID)
		return
	}
	for _, c := range targets {
		if err := c.req(d.SubscriptionID, d.Filter); err != nil {
			p.log.Warn("send failed", "relay", c.url, "sub", d.SubscriptionID, "err", err)
			p.relayDone(d.SubscriptionID, c.url, false)
			continue
		}
		p.metrics.RelayFrame(c.url, "REQ")
	}
}

// Run keeps one connection per configured relay until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.cfg.URLs) == 0 {
		return ErrNoRelays
	}
	var wg sync.WaitGroup
	for _, u := range p.cfg.URLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.maintain(ctx, url)
		}(u)
	}
	wg.Wait()
	return nil
}

// maintain dials url, serves the connection, and redials after it drops.
func (p *Pool) maintain(ctx context.Context, url string) {
	log := p.log.With("relay", url)
	for ctx.Err() == nil {
		ws, err := p.retry.WithContext(ctx).Get(func() (*gorillaws.Conn, error) {
			dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
			defer cancel()
			ws, resp, err := p.dialer.DialContext(dctx, url, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			return ws, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("relay unreachable", "err", err, "retry_in", p.cfg.RetryMaxDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.RetryMaxDelay):
			}
			continue
		}
		log.Info("relay connected")
		err = p.serve(ctx, url, ws)
		if ctx.Err() != nil {
			return
		}
		log.Info("relay disconnected", "err", err)
	}
}

func (p *Pool) serve(ctx context.Context, url string, ws *gorillaws.Conn) error {
	c := newConn(url, ws, rate.NewLimiter(rate.Limit(p.cfg.SendRate), p.cfg.SendBurst))
	p.mu.Lock()
	p.conns[url] = c
	p.mu.Unlock()
	p.metrics.RelayConnected(1)

	errc := make(chan error, 2)
	go func() { errc <- c.writeLoop(ctx, p.cfg.PingInterval) }()
	go func() { errc <- c.readLoop(p.cfg.PingInterval, func(env nostr.Envelope) { p.handle(c, env) }) }()

	err := <-errc
	close(c.done)
	ws.Close()
	<-errc

	p.mu.Lock()
	delete(p.conns, url)
	var orphaned []string
	for id, s := range p.subs {
		if _, ok := s.waiting[url]; ok {
			orphaned = append(orphaned, id)
		}
	}
	p.mu.Unlock()
	p.metrics.RelayConnected(-1)
	// A dropped relay will never send EOSE; treat its part as finished.
	for _, id := range orphaned {
		p.relayDone(id, url, false)
	}
	return err
}

func (p *Pool) handle(c *conn, env nostr.Envelope) {
	switch e := env.(type) {
	case *nostr.EventEnvelope:
		p.metrics.RelayFrame(c.url, "EVENT")
		if e.SubscriptionID == nil {
			return
		}
		p.importEvent(*e.SubscriptionID, &e.Event)
	case *nostr.EOSEEnvelope:
		p.metrics.RelayFrame(c.url, "EOSE")
		id := string(*e)
		p.relayDone(id, c.url, true)
		if err := c.close(id); err != nil {
			p.log.Debug("close failed", "relay", c.url, "sub", id, "err", err)
		}
	case *nostr.ClosedEnvelope:
		p.metrics.RelayFrame(c.url, "CLOSED")
		p.log.Info("subscription refused", "relay", c.url, "sub", e.SubscriptionID, "reason", e.Reason)
		p.relayDone(e.SubscriptionID, c.url, false)
	case *nostr.NoticeEnvelope:
		p.metrics.RelayFrame(c.url, "NOTICE")
		p.log.Debug("relay notice", "relay", c.url, "notice", string(*e))
	}
}

// importEvent buffers ev for its subscription, or writes it through once the
// subscription has been reported or its buffer is full. Events that do not
// match the requested filter are dropped.
func (p *Pool) importEvent(subID string, ev *nostr.Event) {
	p.mu.Lock()
	s, ok := p.subs[subID]
	if !ok || !s.filter.Matches(ev) {
		p.mu.Unlock()
		return
	}
	if !s.notified && len(s.buffered) < p.cfg.MaxBuffered {
		s.buffered = append(s.buffered, ev)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.put(ev)
}

func (p *Pool) put(ev *nostr.Event) {
	added, err := p.store.Put(ev)
	if err != nil {
		p.log.Warn("import failed", "id", ev.ID, "err", err)
		return
	}
	if added {
		p.metrics.EventImported()
	}
}

// relayDone records that url has finished subID. The first EOSE flushes the
// buffer and notifies listeners; the subscription is forgotten once no relay
// is left.
func (p *Pool) relayDone(subID, url string, eose bool) {
	p.mu.Lock()
	s, ok := p.subs[subID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(s.waiting, url)
	var flush []*nostr.Event
	notify := eose && !s.notified
	if notify {
		s.notified = true
	}
	if len(s.waiting) == 0 {
		delete(p.subs, subID)
	}
	if notify || len(s.waiting) == 0 {
		flush, s.buffered = s.buffered, nil
	}
	var ls []backlog.Listener
	if notify {
		ls = make([]backlog.Listener, 0, len(p.listeners))
		for _, l := range p.listeners {
			ls = append(ls, l)
		}
	}
	p.mu.Unlock()

	for _, ev := range flush {
		p.put(ev)
	}
	if !notify {
		return
	}
	batch := []string{subID}
	for _, l := range ls {
		l.OnBatchDelivered(batch)
	}
}
