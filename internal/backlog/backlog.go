// Package backlog is the registry of live request tasks for one pipeline.
//
// The backlog owns its tasks: callers hand a task to Add and keep no
// reference. Relay replies come back as batches of subscription ids through
// OnBatchDelivered (or Deliver); each matching task is removed from the live
// set before it is resolved, so a task is matched at most once no matter how
// many overlapping batches arrive.
package backlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/relayfeed/internal/metrics"
	"github.com/snehjoshi/relayfeed/internal/request"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

// ErrDuplicate is returned by Add when a live task already uses the same
// subscription id. The new task is ignored.
var ErrDuplicate = errors.New("backlog: duplicate subscription id")

// DefaultTimeout applies to tasks whose descriptor has no timeout.
const DefaultTimeout = 5 * time.Second

// ─── Transport hook ───────────────────────────────────────────────────────────

// Listener receives the ids of subscriptions whose reply batch has been
// imported into the local store.
type Listener interface {
	OnBatchDelivered(subIDs []string)
}

// Notifier is the transport side of the hook. AddListener returns a function
// that removes the listener again.
type Notifier interface {
	AddListener(l Listener) (remove func())
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Backlog.
type Option func(*Backlog)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backlog) { b.log = l }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Backlog) { b.metrics = reg }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Backlog) { b.timeout = d }
}

// ─── Backlog ─────────────────────────────────────────────────────────────────

// Backlog holds the live tasks of one owner, keyed by subscription id.
type Backlog struct {
	name   string
	timers request.Timers

	mu      sync.Mutex
	live    map[string]*request.Task
	timeout time.Duration

	log     *slog.Logger
	metrics *metrics.Registry
}

// New creates an empty backlog. name labels logs and metrics.
func New(name string, timers request.Timers, opts ...Option) *Backlog {
	b := &Backlog{
		name:    name,
		timers:  timers,
		live:    make(map[string]*request.Task),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("backlog", name)
	return b
}

// Add registers t and triggers its debounced send. It is the only way a task
// becomes live.
//
// A task whose id collides with a live task is logged and ignored
// (ErrDuplicate). A task with an invalid descriptor is never registered: it
// times out immediately and the validation error is returned.
func (b *Backlog) Add(t *request.Task) error {
	id := t.ID()
	if t.Status().Terminal() {
		return fmt.Errorf("backlog: add %q: %w", id, request.ErrSettled)
	}

	b.mu.Lock()
	if _, dup := b.live[id]; dup {
		b.mu.Unlock()
		b.log.Warn("duplicate subscription id ignored", "sub", id)
		b.metrics.TaskSettled(b.name, metrics.OutcomeDuplicate)
		return fmt.Errorf("backlog: add %q: %w", id, ErrDuplicate)
	}
	if err := t.Descriptor().Validate(); err == nil {
		b.live[id] = t
	}
	timeout := b.timeout
	b.mu.Unlock()

	t.Bind(b.timers, timeout, b.expired)
	if err := t.Fetch(); err != nil {
		if errors.Is(err, request.ErrSettled) {
			// Resolved by a reply that raced the send.
			return nil
		}
		b.log.Info("request rejected before send", "sub", id, "err", err)
		b.metrics.TaskSettled(b.name, metrics.OutcomeInvalid)
		return err
	}
	b.metrics.TaskAdded(b.name)
	return nil
}

// expired drops a timed-out task from the live set. Called by the task itself.
func (b *Backlog) expired(t *request.Task) {
	b.mu.Lock()
	cur, ok := b.live[t.ID()]
	if ok && cur == t {
		delete(b.live, t.ID())
	}
	b.mu.Unlock()
	if ok && cur == t {
		b.log.Debug("request timed out", "sub", t.ID(), "timeout", t.Timeout())
		b.metrics.TaskSettled(b.name, metrics.OutcomeTimeout)
	}
}

// TasksMatching removes and returns the live tasks whose ids are in ids.
// A task is returned at most once over its lifetime.
func (b *Backlog) TasksMatching(ids []string) []*request.Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*request.Task
	for _, id := range ids {
		if t, ok := b.live[id]; ok {
			delete(b.live, id)
			out = append(out, t)
		}
	}
	return out
}

// Deliver resolves every live task named in ids and returns how many
// responded. Ids that match nothing (stale, already timed out, another
// owner's) are ignored.
func (b *Backlog) Deliver(ids ...string) int {
	n := 0
	for _, t := range b.TasksMatching(ids) {
		if t.Resolve() {
			n++
			b.metrics.TaskSettled(b.name, metrics.OutcomeResponse)
		}
	}
	return n
}

// OnBatchDelivered implements Listener.
func (b *Backlog) OnBatchDelivered(subIDs []string) { b.Deliver(subIDs...) }

// Attach registers the backlog with a transport notifier.
func (b *Backlog) Attach(n Notifier) (detach func()) {
	return n.AddListener(b)
}

// Clear discards every live task without running any callback and returns
// how many were dropped. Replies or timeouts that arrive later for those ids
// find nothing.
func (b *Backlog) Clear() int {
	b.mu.Lock()
	dropped := b.live
	b.live = make(map[string]*request.Task)
	b.mu.Unlock()

	for _, t := range dropped {
		t.Discard()
	}
	if len(dropped) > 0 {
		b.log.Debug("backlog cleared", "dropped", len(dropped))
	}
	b.metrics.TasksDiscarded(b.name, len(dropped))
	return len(dropped)
}

// Len returns the number of live tasks.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// SetDefaultTimeout changes the timeout given to tasks added from now on.
func (b *Backlog) SetDefaultTimeout(d time.Duration) {
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
}

// DefaultTimeout returns the timeout given to tasks without their own.
func (b *Backlog) DefaultTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}
