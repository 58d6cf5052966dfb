// Package candidates accumulates recommendation signals (reactions, zaps,
// reposts) per content id before the content itself has been fetched, and
// ranks content ids by them.
package candidates

import (
	"cmp"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/types"
)

// Score is the ranking input for one content id.
type Score struct {
	// Actors is the number of distinct contributions (likers, zap receipts).
	Actors int `json:"actors"`
	// Weight is the summed weight of those contributions (zap sats).
	Weight int64 `json:"weight,omitempty"`
	// Latest is the newest contribution timestamp.
	Latest nostr.Timestamp `json:"latest"`
}

// Ranking orders two scores: negative when a ranks before b.
type Ranking func(a, b Score) int

// ByRecommenders ranks by distinct actor count, then by most recent
// recommendation.
func ByRecommenders(a, b Score) int {
	if c := cmp.Compare(b.Actors, a.Actors); c != 0 {
		return c
	}
	return cmp.Compare(b.Latest, a.Latest)
}

// ByZapValue ranks by summed weight, then by number of zaps, then recency.
func ByZapValue(a, b Score) int {
	if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
		return c
	}
	return ByRecommenders(a, b)
}

type entry struct {
	actors map[string]struct{}
	score  Score
}

// Accumulator maps content id to the set of distinct actors that recommended
// it. A given (content, actor) pair counts once however often it is inserted.
// Safe for concurrent use.
type Accumulator struct {
	rank Ranking

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty accumulator. A nil ranking means ByRecommenders.
func New(rank Ranking) *Accumulator {
	if rank == nil {
		rank = ByRecommenders
	}
	return &Accumulator{rank: rank, entries: make(map[string]*entry)}
}

// Insert records that actorID recommended contentID at time at. It reports
// whether the pair was new. Empty ids are ignored.
func (a *Accumulator) Insert(contentID, actorID string, at nostr.Timestamp) bool {
	return a.InsertWeighted(contentID, actorID, at, 0)
}

// InsertWeighted is Insert with a weight that is summed into the score the
// first time the pair is seen. For zaps the actor is the receipt id, so two
// zaps from one sender both count but a redelivered receipt does not.
func (a *Accumulator) InsertWeighted(contentID, actorID string, at nostr.Timestamp, weight int64) bool {
	if contentID == "" || actorID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[contentID]
	if !ok {
		e = &entry{actors: make(map[string]struct{})}
		a.entries[contentID] = e
	}
	if _, seen := e.actors[actorID]; seen {
		return false
	}
	e.actors[actorID] = struct{}{}
	e.score.Actors++
	e.score.Weight += weight
	if at > e.score.Latest {
		e.score.Latest = at
	}
	return true
}

// Score returns the score of contentID and whether it is present.
func (a *Accumulator) Score(contentID string) (Score, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[contentID]
	if !ok {
		return Score{}, false
	}
	return e.score, true
}

// Compare orders two content ids by the accumulator's ranking. Unknown ids
// rank last; full ties fall back to id order so the result is deterministic.
func (a *Accumulator) Compare(x, y string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compareLocked(x, y)
}

func (a *Accumulator) compareLocked(x, y string) int {
	ex, okx := a.entries[x]
	ey, oky := a.entries[y]
	switch {
	case okx && !oky:
		return -1
	case !okx && oky:
		return 1
	case okx && oky:
		if c := a.rank(ex.score, ey.score); c != 0 {
			return c
		}
	}
	return cmp.Compare(x, y)
}

// rankedLocked returns every content id, best first. MUST be called with a.mu held.
func (a *Accumulator) rankedLocked() []string {
	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, a.compareLocked)
	return ids
}

// RankedIDs returns the top limit content ids, best first. limit <= 0 means
// all of them.
func (a *Accumulator) RankedIDs(limit int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.rankedLocked()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// NewIDs returns at most limit content ids that are absent from known, best
// ranked first. The result is disjoint from known and may be empty.
func (a *Accumulator) NewIDs(known types.IDSet, limit int) []string {
	if limit <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, min(limit, len(a.entries)))
	for _, id := range a.rankedLocked() {
		if known.Has(id) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out
}

// IDs returns every accumulated content id.
func (a *Accumulator) IDs() types.IDSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := make(types.IDSet, len(a.entries))
	for id := range a.entries {
		s.Add(id)
	}
	return s
}

// Len returns the number of distinct content ids.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Reset drops every entry.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.entries = make(map[string]*entry)
	a.mu.Unlock()
}
