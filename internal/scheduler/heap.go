// Package scheduler implements a Min-Heap based timer service.
//
// Every debounced relay send, request timeout and pipeline watchdog in
// relayfeed is an entry in one of these heaps instead of a goroutine or a
// time.Timer of its own:
//   - Min-Heap peek   → O(1), the soonest deadline is always the root.
//   - Min-Heap insert → O(log N).
//   - Cancel by key   → O(log N) via the index kept in each item.
//
// The Scheduler goroutine peeks at the heap root, sleeps until that point,
// then pops it and runs its callback. A buffered notify channel lets
// Schedule() interrupt the sleep whenever a newly added entry is due sooner
// than the current root.
package scheduler

import (
	"container/heap"
	"time"
)

// item is one entry in the scheduler Min-Heap.
type item struct {
	key string    // caller-chosen identity; re-scheduling a key replaces it
	at  time.Time // sort key
	fn  func()

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so Cancel can use heap.Remove.
	heapIdx int

	// cancelled marks an item for lazy deletion.
	cancelled bool
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The earliest deadline sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
