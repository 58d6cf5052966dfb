package request

import (
	"fmt"
	"sync"
	"time"
)

// Task is one outstanding request: send after the debounce delay, then wait
// for a response or a timeout, whichever comes first.
//
// A Task is driven by its owner (normally a backlog.Backlog) through Bind,
// Fetch, Resolve and Discard. All methods are safe for concurrent use;
// callbacks run without the task lock held.
type Task struct {
	desc Descriptor
	h    Handlers

	mu      sync.Mutex
	status  Status
	timers  Timers
	timeout time.Duration
	armed   bool
	settled func(*Task)
}

// NewTask creates a task in the CREATED state.
func NewTask(desc Descriptor, h Handlers) *Task {
	return &Task{desc: desc, h: h, timeout: desc.Timeout}
}

// ID returns the task's subscription id.
func (t *Task) ID() string { return t.desc.SubscriptionID }

// Descriptor returns the request the task sends.
func (t *Task) Descriptor() Descriptor { return t.desc }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Timeout returns the effective timeout once bound.
func (t *Task) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// Bind attaches the task to timers. fallback replaces a zero descriptor
// timeout. settled, if non-nil, runs once when the task times out, before
// OnTimeout; owners use it to drop the task from their live set.
func (t *Task) Bind(timers Timers, fallback time.Duration, settled func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timers = timers
	if t.timeout <= 0 {
		t.timeout = fallback
	}
	t.settled = settled
}

func (t *Task) sendKey() string    { return "send/" + t.desc.SubscriptionID }
func (t *Task) timeoutKey() string { return "timeout/" + t.desc.SubscriptionID }

// Fetch schedules the send after the debounce delay and, on the first call
// only, arms the timeout. Calling Fetch again before the send fires pushes the
// send back; after the send it is a no-op.
//
// An invalid descriptor is a configuration error: the task moves straight to
// TIMED_OUT, OnTimeout runs so the caller degrades to local data, and the
// validation error is returned.
func (t *Task) Fetch() error {
	t.mu.Lock()
	if t.timers == nil {
		t.mu.Unlock()
		return ErrUnbound
	}
	if t.status.Terminal() {
		t.mu.Unlock()
		return ErrSettled
	}
	if err := t.desc.Validate(); err != nil {
		t.status = StatusTimedOut
		settled := t.settled
		t.mu.Unlock()
		if settled != nil {
			settled(t)
		}
		if t.h.OnTimeout != nil {
			t.h.OnTimeout()
		}
		return fmt.Errorf("request: fetch %q: %w", t.desc.SubscriptionID, err)
	}
	if t.status == StatusSent {
		t.mu.Unlock()
		return nil
	}

	t.timers.After(t.sendKey(), t.desc.Debounce, t.send)
	if !t.armed {
		t.armed = true
		t.timers.After(t.timeoutKey(), t.timeout, t.expire)
	}
	t.mu.Unlock()
	return nil
}

// Resolve completes the task with a response. It reports false, and runs
// nothing, when the task already timed out, was discarded or was resolved.
func (t *Task) Resolve() bool {
	t.mu.Lock()
	if !ValidTransition(t.status, StatusResponded) {
		t.mu.Unlock()
		return false
	}
	t.status = StatusResponded
	t.cancelTimersLocked()
	t.mu.Unlock()

	if t.h.OnResponse != nil {
		t.h.OnResponse()
	}
	return true
}

// Discard orphans the task: timers are cancelled and no callback will ever
// run. It reports whether the task was still live.
func (t *Task) Discard() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ValidTransition(t.status, StatusDiscarded) {
		return false
	}
	t.status = StatusDiscarded
	t.cancelTimersLocked()
	return true
}

// cancelTimersLocked MUST be called with t.mu held.
func (t *Task) cancelTimersLocked() {
	if t.timers == nil {
		return
	}
	t.timers.Cancel(t.sendKey())
	t.timers.Cancel(t.timeoutKey())
}

func (t *Task) send() {
	t.mu.Lock()
	if !ValidTransition(t.status, StatusSent) {
		t.mu.Unlock()
		return
	}
	t.status = StatusSent
	t.mu.Unlock()

	if t.h.OnSend != nil {
		t.h.OnSend(t.desc)
	}
}

func (t *Task) expire() {
	t.mu.Lock()
	if !ValidTransition(t.status, StatusTimedOut) {
		t.mu.Unlock()
		return
	}
	t.status = StatusTimedOut
	if t.timers != nil {
		t.timers.Cancel(t.sendKey())
	}
	settled := t.settled
	t.mu.Unlock()

	if settled != nil {
		settled(t)
	}
	if t.h.OnTimeout != nil {
		t.h.OnTimeout()
	}
}
