package backlog_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type counter struct {
	sent, responded, timedOut atomic.Int32
}

func (c *counter) handlers() request.Handlers {
	return request.Handlers{
		OnSend:     func(request.Descriptor) { c.sent.Add(1) },
		OnResponse: func() { c.responded.Add(1) },
		OnTimeout:  func() { c.timedOut.Add(1) },
	}
}

func (c *counter) callbacks() int32 { return c.responded.Load() + c.timedOut.Load() }

func newBacklog(t *testing.T, opts ...backlog.Option) (*backlog.Backlog, *scheduler.Scheduler) {
	t.Helper()
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return backlog.New("test", s, opts...), s
}

func task(id string, timeout time.Duration, c *counter) *request.Task {
	return request.NewTask(request.Descriptor{
		SubscriptionID: id,
		Filter:         nostr.Filter{Kinds: []int{7}},
		Timeout:        timeout,
	}, c.handlers())
}

// fakeNotifier is a transport stand-in.
type fakeNotifier struct {
	mu        sync.Mutex
	listeners []backlog.Listener
}

func (n *fakeNotifier) AddListener(l backlog.Listener) func() {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, x := range n.listeners {
			if x == l {
				n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *fakeNotifier) deliver(ids ...string) {
	n.mu.Lock()
	ls := append([]backlog.Listener(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range ls {
		l.OnBatchDelivered(ids)
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestBacklog_AddSendsAndDeliverResolves(t *testing.T) {
	b, _ := newBacklog(t)
	c := &counter{}

	require.NoError(t, b.Add(task("HOT-1", time.Second, c)))
	assert.Equal(t, 1, b.Len())
	require.Eventually(t, func() bool { return c.sent.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, b.Deliver("HOT-1", "unrelated"))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int32(1), c.responded.Load())
}

func TestBacklog_DuplicateIDIgnored(t *testing.T) {
	b, _ := newBacklog(t)
	first, second := &counter{}, &counter{}

	require.NoError(t, b.Add(task("dup", time.Second, first)))
	err := b.Add(task("dup", time.Second, second))
	require.ErrorIs(t, err, backlog.ErrDuplicate)
	assert.Equal(t, 1, b.Len())

	b.Deliver("dup")
	assert.Equal(t, int32(1), first.responded.Load())
	assert.Equal(t, int32(0), second.callbacks())
}

// Overlapping batches return each task at most once.
func TestBacklog_TasksMatchingAtMostOnce(t *testing.T) {
	b, _ := newBacklog(t)
	c := &counter{}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Add(task(id, time.Second, c)))
	}

	got := b.TasksMatching([]string{"a", "b"})
	assert.Len(t, got, 2)
	got = b.TasksMatching([]string{"b", "c"})
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID())
	assert.Empty(t, b.TasksMatching([]string{"a", "b", "c"}))
}

// Concurrent deliveries of the same id fire OnResponse exactly once.
func TestBacklog_ConcurrentDeliverExactlyOnce(t *testing.T) {
	b, _ := newBacklog(t)
	c := &counter{}
	require.NoError(t, b.Add(task("x", time.Second, c)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Deliver("x")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), c.responded.Load())
}

func TestBacklog_TimeoutRemovesTask(t *testing.T) {
	b, _ := newBacklog(t)
	c := &counter{}
	require.NoError(t, b.Add(task("slow", 30*time.Millisecond, c)))

	require.Eventually(t, func() bool { return c.timedOut.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Len())

	assert.Equal(t, 0, b.Deliver("slow"), "late response is a no-op")
	assert.Equal(t, int32(1), c.callbacks())

	// The id is free again.
	require.NoError(t, b.Add(task("slow", time.Second, &counter{})))
}

func TestBacklog_DefaultTimeoutAppliesToZero(t *testing.T) {
	b, _ := newBacklog(t, backlog.WithDefaultTimeout(20*time.Millisecond))
	c := &counter{}
	require.NoError(t, b.Add(task("zero", 0, c)))

	require.Eventually(t, func() bool { return c.timedOut.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.SetDefaultTimeout(7 * time.Second)
	assert.Equal(t, 7*time.Second, b.DefaultTimeout())
}

// After Clear, stale deliveries and timeouts trigger nothing.
func TestBacklog_ClearOrphansTasks(t *testing.T) {
	b, s := newBacklog(t)
	c := &counter{}
	require.NoError(t, b.Add(task("p1", 40*time.Millisecond, c)))
	require.NoError(t, b.Add(task("p2", 40*time.Millisecond, c)))

	assert.Equal(t, 2, b.Clear())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, s.Len(), "timers must be cancelled")

	assert.Empty(t, b.TasksMatching([]string{"p1", "p2"}))
	assert.Equal(t, 0, b.Deliver("p1", "p2"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), c.callbacks())
}

func TestBacklog_InvalidTaskNeverLive(t *testing.T) {
	b, _ := newBacklog(t)
	c := &counter{}
	bad := request.NewTask(request.Descriptor{SubscriptionID: "empty"}, c.handlers())

	err := b.Add(bad)
	require.ErrorIs(t, err, request.ErrEmptyFilter)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int32(1), c.timedOut.Load())
	assert.Equal(t, int32(0), c.sent.Load())
}

func TestBacklog_SettledTaskRejected(t *testing.T) {
	b, _ := newBacklog(t)
	tk := task("done", time.Second, &counter{})
	require.NoError(t, b.Add(tk))
	b.Deliver("done")

	assert.ErrorIs(t, b.Add(tk), request.ErrSettled)
	assert.Equal(t, 0, b.Len())
}

func TestBacklog_AttachReceivesBatches(t *testing.T) {
	b, _ := newBacklog(t)
	n := &fakeNotifier{}
	detach := b.Attach(n)

	c := &counter{}
	require.NoError(t, b.Add(task("att", time.Second, c)))
	n.deliver("att")
	assert.Equal(t, int32(1), c.responded.Load())

	detach()
	c2 := &counter{}
	require.NoError(t, b.Add(task("att2", time.Second, c2)))
	n.deliver("att2")
	assert.Equal(t, int32(0), c2.responded.Load())
	assert.Equal(t, 1, b.Len())
}

func TestBacklog_Metrics(t *testing.T) {
	reg := metrics.New()
	b, _ := newBacklog(t, backlog.WithMetrics(reg))

	require.NoError(t, b.Add(task("m1", time.Second, &counter{})))
	require.NoError(t, b.Add(task("m2", time.Second, &counter{})))
	_ = b.Add(task("m2", time.Second, &counter{}))
	b.Deliver("m1")
	b.Clear()

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.TasksAdded.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TasksSettled.WithLabelValues("test", metrics.OutcomeResponse)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TasksSettled.WithLabelValues("test", metrics.OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TasksSettled.WithLabelValues("test", metrics.OutcomeDiscarded)))
}
