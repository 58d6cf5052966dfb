package relay_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/relay"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/scheduler"
	"github.com/snehjoshi/relayfeed/internal/storage/memory"
	"github.com/snehjoshi/relayfeed/internal/storage/storagetest"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ─── fake relay ──────────────────────────────────────────────────────────────

type fakeRelay struct {
	srv *httptest.Server

	mu     sync.Mutex
	events []*nostr.Event
	reqs   []string
	closes []string
	// refuse answers REQs with CLOSED instead of events.
	refuse bool
	// extra is sent on every REQ before the matching events.
	extra []*nostr.Event
}

func newFakeRelay(t *testing.T, evs ...*nostr.Event) *fakeRelay {
	t.Helper()
	r := &fakeRelay{events: evs}
	up := gorillaws.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			switch env := nostr.ParseMessage(raw).(type) {
			case *nostr.ReqEnvelope:
				r.answer(ws, env)
			case *nostr.CloseEnvelope:
				r.mu.Lock()
				r.closes = append(r.closes, string(*env))
				r.mu.Unlock()
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) answer(ws *gorillaws.Conn, env *nostr.ReqEnvelope) {
	r.mu.Lock()
	r.reqs = append(r.reqs, env.SubscriptionID)
	refuse := r.refuse
	var out []*nostr.Event
	out = append(out, r.extra...)
	for _, ev := range r.events {
		if env.Filters.Match(ev) {
			out = append(out, ev)
		}
	}
	r.mu.Unlock()

	id := env.SubscriptionID
	if refuse {
		data, _ := nostr.ClosedEnvelope{SubscriptionID: id, Reason: "blocked: test"}.MarshalJSON()
		_ = ws.WriteMessage(gorillaws.TextMessage, data)
		return
	}
	for _, ev := range out {
		data, _ := nostr.EventEnvelope{SubscriptionID: &id, Event: *ev}.MarshalJSON()
		_ = ws.WriteMessage(gorillaws.TextMessage, data)
	}
	data, _ := nostr.EOSEEnvelope(id).MarshalJSON()
	_ = ws.WriteMessage(gorillaws.TextMessage, data)
}

func (r *fakeRelay) closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

func (r *fakeRelay) requested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reqs...)
}

// ─── harness ─────────────────────────────────────────────────────────────────

type listener struct {
	mu   sync.Mutex
	seen []string
}

func (l *listener) OnBatchDelivered(ids []string) {
	l.mu.Lock()
	l.seen = append(l.seen, ids...)
	l.mu.Unlock()
}

func (l *listener) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func startPool(t *testing.T, store *memory.Storage, reg *metrics.Registry, relays ...*fakeRelay) *relay.Pool {
	t.Helper()
	cfg := relay.DefaultConfig()
	for _, r := range relays {
		cfg.URLs = append(cfg.URLs, r.url())
	}
	cfg.PingInterval = time.Second
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	p := relay.New(store, cfg, relay.WithMetrics(reg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return len(p.Connected()) == len(relays) },
		3*time.Second, 5*time.Millisecond)
	return p
}

func reaction(id, author, target string) *nostr.Event {
	return storagetest.Event(id, author, types.KindReaction, 100, nostr.Tag{"e", storagetest.ID(target)})
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRun_NoRelays(t *testing.T) {
	p := relay.New(memory.New(), relay.Config{})
	assert.ErrorIs(t, p.Run(context.Background()), relay.ErrNoRelays)
}

func TestSend_ImportsThenNotifiesThenCloses(t *testing.T) {
	store := memory.New()
	reg := metrics.New()
	fr := newFakeRelay(t, reaction("r1", "a", "n1"), reaction("r2", "b", "n1"), storagetest.Event("x", "a", 1, 100))
	p := startPool(t, store, reg, fr)

	var storedAtNotify atomic.Int64
	l := &listener{}
	remove := p.AddListener(backlog.Listener(listenerFunc(func(ids []string) {
		storedAtNotify.Store(int64(store.Len()))
		l.OnBatchDelivered(ids)
	})))
	defer remove()

	p.Send(request.Descriptor{SubscriptionID: "T-1", Filter: nostr.Filter{Kinds: []int{types.KindReaction}}})

	require.Eventually(t, func() bool { return len(l.ids()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T-1"}, l.ids())
	assert.EqualValues(t, 2, storedAtNotify.Load(), "events are in the store before the batch is reported")
	require.Eventually(t, func() bool { return len(fr.closed()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T-1"}, fr.closed())
	assert.Zero(t, p.Pending())

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.EventsImported))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.RelaysConnected))
}

type listenerFunc func([]string)

func (f listenerFunc) OnBatchDelivered(ids []string) { f(ids) }

func TestSend_DropsEventsNotMatchingFilter(t *testing.T) {
	store := memory.New()
	fr := newFakeRelay(t)
	fr.extra = []*nostr.Event{storagetest.Event("bogus", "a", 1, 100)}
	p := startPool(t, store, nil, fr)
	l := &listener{}
	p.AddListener(l)

	p.Send(request.Descriptor{SubscriptionID: "T-2", Filter: nostr.Filter{Kinds: []int{types.KindReaction}}})
	require.Eventually(t, func() bool { return len(l.ids()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, store.Len())
}

func TestSend_FirstEOSEWinsAcrossRelays(t *testing.T) {
	store := memory.New()
	a := newFakeRelay(t, reaction("r1", "a", "n1"))
	b := newFakeRelay(t, reaction("r2", "b", "n1"))
	p := startPool(t, store, nil, a, b)
	l := &listener{}
	p.AddListener(l)

	p.Send(request.Descriptor{SubscriptionID: "T-3", Filter: nostr.Filter{Kinds: []int{types.KindReaction}}})
	require.Eventually(t, func() bool { return p.Pending() == 0 }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"T-3"}, l.ids(), "notified once")
	assert.Equal(t, 2, store.Len(), "the slower relay's events are written through")
	assert.Equal(t, []string{"T-3"}, a.requested())
	assert.Equal(t, []string{"T-3"}, b.requested())
}

func TestSend_RefusedNeverNotifies(t *testing.T) {
	fr := newFakeRelay(t)
	fr.refuse = true
	p := startPool(t, memory.New(), nil, fr)
	l := &listener{}
	p.AddListener(l)

	p.Send(request.Descriptor{SubscriptionID: "T-4", Filter: nostr.Filter{Kinds: []int{7}}})
	require.Eventually(t, func() bool { return p.Pending() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, l.ids())
}

func TestSend_WithoutConnectionsIsDropped(t *testing.T) {
	p := relay.New(memory.New(), relay.Config{URLs: []string{"ws://127.0.0.1:1"}})
	p.Send(request.Descriptor{SubscriptionID: "T-5", Filter: nostr.Filter{Kinds: []int{7}}})
	assert.Zero(t, p.Pending())
}

// The pool is a full backlog transport: tasks resolve when their reply has
// been imported.
func TestPool_ResolvesBacklogTasks(t *testing.T) {
	store := memory.New()
	fr := newFakeRelay(t, reaction("r1", "a", "n1"))
	p := startPool(t, store, nil, fr)

	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer func() { s.Stop(); cancel() }()

	b := backlog.New("test", s)
	defer b.Attach(p)()

	responded := make(chan struct{})
	task := request.NewTask(request.Descriptor{
		SubscriptionID: "T-6",
		Filter:         nostr.Filter{Kinds: []int{types.KindReaction}},
		Debounce:       time.Millisecond,
		Timeout:        3 * time.Second,
	}, request.Handlers{
		OnSend:     p.Send,
		OnResponse: func() { close(responded) },
	})
	require.NoError(t, b.Add(task))

	select {
	case <-responded:
	case <-time.After(3 * time.Second):
		t.Fatal("task never resolved")
	}
	_, err := store.Get(storagetest.ID("r1"))
	assert.NoError(t, err)
	assert.Zero(t, b.Len())
}

func TestPool_Reconnects(t *testing.T) {
	fr := newFakeRelay(t)
	p := startPool(t, memory.New(), nil, fr)
	l := &listener{}
	p.AddListener(l)

	fr.srv.CloseClientConnections()

	n := 0
	require.Eventually(t, func() bool {
		n++
		p.Send(request.Descriptor{SubscriptionID: fmt.Sprintf("T-7-%d", n), Filter: nostr.Filter{Kinds: []int{7}}})
		return len(l.ids()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
