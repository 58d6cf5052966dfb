package scheduler

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"
)

// Scheduler runs callbacks at or after their deadline.
//
// Usage:
//
//	s := New()
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.After("timeout/HOT-01J...", 5*time.Second, func() { ... })
//	s.Cancel("timeout/HOT-01J...")
//
// Callbacks run on the scheduler goroutine and must not block: hand real work
// off to another goroutine or queue. All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item

	// notify is a buffered channel of capacity 1. Schedule() sends a signal
	// whenever an entry is added that might be earlier than the current timer
	// deadline, prompting the goroutine to re-evaluate its sleep duration.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Scheduler. Call Start() to begin running callbacks.
// Entries may be scheduled before Start; they wait until it is called.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers fn to run at time at under key.
//
// Scheduling a key that is still pending replaces the old entry: the old
// callback will never run. This is what turns repeated calls into a debounce.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()

	if prev, ok := s.byKey[key]; ok {
		prev.cancelled = true
		s.h.remove(prev.heapIdx)
		delete(s.byKey, key)
	}

	it := &item{key: key, at: at, fn: fn}
	heap.Push(&s.h, it)
	s.byKey[key] = it

	s.mu.Unlock()

	// Non-blocking: if a signal is already pending, the goroutine will wake soon.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// After is Schedule relative to now.
func (s *Scheduler) After(key string, d time.Duration, fn func()) {
	s.Schedule(key, time.Now().Add(d), fn)
}

// Cancel removes the pending entry for key. It reports whether an entry was
// removed; false means it already ran, was cancelled, or never existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byKey[key]
	if !ok {
		return false
	}
	it.cancelled = true
	s.h.remove(it.heapIdx)
	delete(s.byKey, key)
	return true
}

// Pending reports whether key is scheduled and has not run yet.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// CountPrefix returns the number of pending entries whose key starts with prefix.
func (s *Scheduler) CountPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.byKey {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// Start launches the background goroutine. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Entries still in the heap are silently abandoned.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── timer goroutine ─────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peek()
		var at time.Time
		if next != nil {
			at = next.at
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(at)
		if delay <= 0 {
			s.fireRoot()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			// Something may be due sooner; re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fireRoot()
		}
	}
}

// fireRoot pops the root if it is due and runs its callback outside the lock.
func (s *Scheduler) fireRoot() {
	s.mu.Lock()
	it := s.peek()
	if it == nil || time.Now().Before(it.at) {
		s.mu.Unlock()
		return
	}
	heap.Pop(&s.h)
	delete(s.byKey, it.key)
	s.mu.Unlock()

	it.fn()
}

// peek returns the root item without removing it, or nil if the heap is empty.
// MUST be called with s.mu held.
func (s *Scheduler) peek() *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			heap.Pop(&s.h)
			continue
		}
		return root
	}
	return nil
}
