package filter

import (
	"sync"

	"github.com/snehjoshi/relayfeed/internal/types"
)

// Lists provides the current block and mute lists. Implementations return
// snapshots the caller may keep.
type Lists interface {
	Blocked() types.IDSet
	Muted() types.IDSet
}

// MemoryLists is an in-memory Lists that notifies subscribers on change.
type MemoryLists struct {
	mu      sync.RWMutex
	blocked types.IDSet
	muted   types.IDSet
	subs    []func()
}

// NewMemoryLists seeds the lists.
func NewMemoryLists(blocked, muted []string) *MemoryLists {
	return &MemoryLists{
		blocked: types.NewIDSet(blocked...),
		muted:   types.NewIDSet(muted...),
	}
}

var _ Lists = (*MemoryLists)(nil)

func (l *MemoryLists) Blocked() types.IDSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocked.Clone()
}

func (l *MemoryLists) Muted() types.IDSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.muted.Clone()
}

// OnChange registers fn to run after every Block or Mute that changed a list.
func (l *MemoryLists) OnChange(fn func()) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Block adds pubkey to the block list.
func (l *MemoryLists) Block(pubkey string) { l.add(l.blocked, pubkey) }

// Mute adds an event id to the mute list.
func (l *MemoryLists) Mute(id string) { l.add(l.muted, id) }

func (l *MemoryLists) add(set types.IDSet, v string) {
	if v == "" {
		return
	}
	l.mu.Lock()
	if set.Has(v) {
		l.mu.Unlock()
		return
	}
	set.Add(v)
	subs := append([]func(){}, l.subs...)
	l.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
