package feed

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/candidates"
)

// state.go: feed lifecycle and its observers.
//
//	INITIALIZING ──► LOADING ──► READY ──┐
//	                  ▲  │ ▲       │     │ reload / refresh / widened lookback
//	                  │  ▼ │       └─────┘
//	                 TIMEOUT
//
// READY → READY republishes after a refilter or a background refetch.
// TIMEOUT → READY lets a run that finishes after its watchdog still land.

// ErrInvalidTransition is returned for a phase change the lifecycle forbids.
var ErrInvalidTransition = errors.New("feed: invalid state transition")

// Phase is the tag of a FeedState.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseLoading
	PhaseReady
	PhaseTimeout
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseTimeout:
		return "timeout"
	}
	return "unknown"
}

// MarshalText renders the phase name in JSON frames.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ValidTransition reports whether from → to is a legal phase change.
func ValidTransition(from, to Phase) bool {
	switch from {
	case PhaseInitializing:
		return to == PhaseLoading
	case PhaseLoading:
		return to == PhaseLoading || to == PhaseReady || to == PhaseTimeout
	case PhaseReady:
		return to == PhaseLoading || to == PhaseReady
	case PhaseTimeout:
		return to == PhaseLoading || to == PhaseReady
	}
	return false
}

// Item is one ranked, displayable event.
type Item struct {
	Event *nostr.Event     `json:"event"`
	Score candidates.Score `json:"score"`
}

// State is one published FeedState value. Items is only set when Phase is
// PhaseReady and is never mutated after publication.
type State struct {
	Phase      Phase  `json:"phase"`
	Items      []Item `json:"items,omitempty"`
	Generation uint64 `json:"generation"`
}

// StateMachine holds the current State and fans it out to observers.
// Each observer channel holds at most one value: a slow reader skips
// intermediate states and always sees the latest.
type StateMachine struct {
	mu     sync.Mutex
	cur    State
	subs   map[int]chan State
	nextID int
	closed bool
}

// NewStateMachine starts in PhaseInitializing.
func NewStateMachine() *StateMachine {
	return &StateMachine{subs: make(map[int]chan State)}
}

// Current returns the latest published state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Subscribe returns a channel primed with the current state and a function
// that unsubscribes. The channel is closed on unsubscribe or Close.
func (m *StateMachine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- m.cur
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Transition publishes next if the lifecycle allows it.
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if !ValidTransition(m.cur.Phase, next.Phase) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.cur.Phase, next.Phase)
	}
	m.cur = next
	for _, ch := range m.subs {
		// Latest value wins: drop an unread older state first.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return nil
}

// Close closes every observer channel. Later transitions are ignored.
func (m *StateMachine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
