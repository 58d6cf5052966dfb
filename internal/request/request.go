// Package request models a single outstanding relay request: what to ask for
// (Descriptor) and the unit of work that sends it and waits for either a
// response or a timeout (Task).
package request

import (
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrEmptyFilter is returned for a descriptor whose filter names no
	// authors, no ids and no kinds. Such a request would ask relays for
	// everything and must never be sent.
	ErrEmptyFilter = errors.New("request: empty filter")

	// ErrMissingSubscriptionID is returned for a descriptor without a
	// subscription id; replies could never be matched back to it.
	ErrMissingSubscriptionID = errors.New("request: missing subscription id")

	// ErrUnbound is returned by Fetch on a task that was never bound to timers.
	ErrUnbound = errors.New("request: task not bound to a scheduler")

	// ErrSettled is returned by Fetch on a task that already reached a
	// terminal state.
	ErrSettled = errors.New("request: task already settled")
)

// Descriptor is the immutable description of one remote request.
type Descriptor struct {
	// SubscriptionID correlates relay replies with this request. It must be
	// unique among live tasks.
	SubscriptionID string

	// Filter is sent verbatim in the REQ frame.
	Filter nostr.Filter

	// Debounce delays the send; repeated Fetch calls inside the window
	// collapse into one send.
	Debounce time.Duration

	// Timeout is measured from the first Fetch. Zero means "use the owning
	// backlog's default".
	Timeout time.Duration
}

// Empty reports whether the filter has no authors, ids or kinds.
func (d Descriptor) Empty() bool {
	f := d.Filter
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0
}

// Validate reports the first configuration error in d, or nil.
func (d Descriptor) Validate() error {
	if d.SubscriptionID == "" {
		return ErrMissingSubscriptionID
	}
	if d.Empty() {
		return ErrEmptyFilter
	}
	return nil
}

// Timers is the slice of the scheduler a Task needs. *scheduler.Scheduler
// satisfies it.
type Timers interface {
	After(key string, d time.Duration, fn func())
	Cancel(key string) bool
}

// Handlers are the three behaviours of a task. OnSend emits the request to
// the transport. Exactly one of OnResponse and OnTimeout ever runs. Any of
// them may be nil.
type Handlers struct {
	OnSend     func(Descriptor)
	OnResponse func()
	OnTimeout  func()
}
