package request_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayfeed/internal/request"
	"github.com/snehjoshi/relayfeed/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type calls struct {
	sent      atomic.Int32
	responded atomic.Int32
	timedOut  atomic.Int32

	mu      sync.Mutex
	sentAt  time.Time
	firedAt time.Time
}

func (c *calls) handlers() request.Handlers {
	return request.Handlers{
		OnSend: func(request.Descriptor) {
			c.mu.Lock()
			c.sentAt = time.Now()
			c.mu.Unlock()
			c.sent.Add(1)
		},
		OnResponse: func() { c.responded.Add(1) },
		OnTimeout: func() {
			c.mu.Lock()
			c.firedAt = time.Now()
			c.mu.Unlock()
			c.timedOut.Add(1)
		},
	}
}

func timers(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s
}

func desc(id string, debounce, timeout time.Duration) request.Descriptor {
	return request.Descriptor{
		SubscriptionID: id,
		Filter:         nostr.Filter{Kinds: []int{7}, Authors: []string{"a"}},
		Debounce:       debounce,
		Timeout:        timeout,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// ─── Descriptor ──────────────────────────────────────────────────────────────

func TestDescriptor_Validate(t *testing.T) {
	assert.NoError(t, desc("HOT-1", 0, 0).Validate())

	d := desc("", 0, 0)
	assert.ErrorIs(t, d.Validate(), request.ErrMissingSubscriptionID)

	d = request.Descriptor{SubscriptionID: "x", Filter: nostr.Filter{Limit: 10}}
	assert.True(t, d.Empty())
	assert.ErrorIs(t, d.Validate(), request.ErrEmptyFilter)

	d.Filter.IDs = []string{"abc"}
	assert.NoError(t, d.Validate())
}

// ─── Task ────────────────────────────────────────────────────────────────────

func TestTask_UnboundFetch(t *testing.T) {
	task := request.NewTask(desc("x", 0, time.Second), request.Handlers{})
	assert.ErrorIs(t, task.Fetch(), request.ErrUnbound)
}

func TestTask_SendsAfterDebounceThenResponds(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(desc("HOT-a", 40*time.Millisecond, time.Second), c.handlers())
	task.Bind(s, 0, nil)

	start := time.Now()
	require.NoError(t, task.Fetch())
	assert.Equal(t, request.StatusCreated, task.Status())

	eventually(t, func() bool { return c.sent.Load() == 1 })
	c.mu.Lock()
	assert.GreaterOrEqual(t, c.sentAt.Sub(start), 40*time.Millisecond)
	c.mu.Unlock()
	assert.Equal(t, request.StatusSent, task.Status())

	assert.True(t, task.Resolve())
	assert.False(t, task.Resolve(), "second resolve must be a no-op")
	assert.Equal(t, int32(1), c.responded.Load())
	assert.Equal(t, request.StatusResponded, task.Status())
	assert.Equal(t, 0, s.Len(), "timeout must be cancelled")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), c.timedOut.Load())
}

// Rapid repeated Fetch calls collapse into a single send.
func TestTask_DebounceCollapsesFetches(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(desc("HOT-b", 30*time.Millisecond, time.Second), c.handlers())
	task.Bind(s, 0, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, task.Fetch())
		time.Sleep(5 * time.Millisecond)
	}
	eventually(t, func() bool { return c.sent.Load() == 1 })

	require.NoError(t, task.Fetch(), "fetch after send is a no-op")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), c.sent.Load())
}

// Without a response the timeout fires once at about the configured
// duration, and a late response is ignored.
func TestTask_TimeoutThenLateResponse(t *testing.T) {
	s := timers(t)
	c := &calls{}
	var settled atomic.Int32
	task := request.NewTask(desc("HOT-c", 0, 50*time.Millisecond), c.handlers())
	task.Bind(s, 0, func(*request.Task) { settled.Add(1) })

	start := time.Now()
	require.NoError(t, task.Fetch())

	eventually(t, func() bool { return c.timedOut.Load() == 1 })
	c.mu.Lock()
	elapsed := c.firedAt.Sub(start)
	c.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, task.Resolve())
	assert.Equal(t, int32(0), c.responded.Load())
	assert.Equal(t, int32(1), c.timedOut.Load())
	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, request.StatusTimedOut, task.Status())
	assert.ErrorIs(t, task.Fetch(), request.ErrSettled)
}

// The timeout is measured from the first Fetch, not from the send.
func TestTask_TimeoutArmedFromFirstFetch(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(desc("HOT-d", 200*time.Millisecond, 60*time.Millisecond), c.handlers())
	task.Bind(s, 0, nil)

	require.NoError(t, task.Fetch())
	eventually(t, func() bool { return c.timedOut.Load() == 1 })
	assert.Equal(t, int32(0), c.sent.Load(), "debounced send must not fire after the timeout")

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), c.sent.Load())
}

func TestTask_ZeroTimeoutUsesFallback(t *testing.T) {
	s := timers(t)
	task := request.NewTask(desc("HOT-e", 0, 0), request.Handlers{})
	task.Bind(s, 3*time.Second, nil)
	assert.Equal(t, 3*time.Second, task.Timeout())
}

func TestTask_ResolveBeforeSend(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(desc("HOT-f", 100*time.Millisecond, time.Second), c.handlers())
	task.Bind(s, 0, nil)

	require.NoError(t, task.Fetch())
	assert.True(t, task.Resolve())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), c.sent.Load())
	assert.Equal(t, int32(1), c.responded.Load())
}

func TestTask_DiscardRunsNothing(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(desc("HOT-g", 10*time.Millisecond, 30*time.Millisecond), c.handlers())
	task.Bind(s, 0, nil)

	require.NoError(t, task.Fetch())
	assert.True(t, task.Discard())
	assert.False(t, task.Discard())
	assert.False(t, task.Resolve())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), c.sent.Load()+c.responded.Load()+c.timedOut.Load())
	assert.Equal(t, request.StatusDiscarded, task.Status())
}

func TestTask_InvalidDescriptorTimesOutImmediately(t *testing.T) {
	s := timers(t)
	c := &calls{}
	task := request.NewTask(request.Descriptor{SubscriptionID: "bad"}, c.handlers())
	task.Bind(s, time.Second, nil)

	err := task.Fetch()
	require.ErrorIs(t, err, request.ErrEmptyFilter)
	assert.Equal(t, int32(1), c.timedOut.Load())
	assert.Equal(t, int32(0), c.sent.Load())
	assert.Equal(t, request.StatusTimedOut, task.Status())
}

// Racing responses against the timeout never produces both callbacks.
func TestTask_ResponseAndTimeoutAreExclusive(t *testing.T) {
	s := timers(t)
	for i := 0; i < 50; i++ {
		c := &calls{}
		task := request.NewTask(desc("race", 0, 2*time.Millisecond), c.handlers())
		task.Bind(s, 0, nil)
		require.NoError(t, task.Fetch())

		time.Sleep(2 * time.Millisecond)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				task.Resolve()
			}()
		}
		wg.Wait()
		eventually(t, func() bool { return task.Status().Terminal() })
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, int32(1), c.responded.Load()+c.timedOut.Load())
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to request.Status
		ok       bool
	}{
		{request.StatusCreated, request.StatusSent, true},
		{request.StatusCreated, request.StatusResponded, true},
		{request.StatusSent, request.StatusTimedOut, true},
		{request.StatusSent, request.StatusCreated, false},
		{request.StatusTimedOut, request.StatusResponded, false},
		{request.StatusResponded, request.StatusTimedOut, false},
		{request.StatusDiscarded, request.StatusSent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, request.ValidTransition(tc.from, tc.to), "%s → %s", tc.from, tc.to)
	}
}
