package feeds

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// Zapped ranks content by the sats follows zapped to it. Zap receipts are
// published by the recipient's lightning service, so follows are matched on
// the receipt's uppercase P (sender) tag rather than its author.
type Zapped struct{ limit int }

// NewZapped creates the zapped feed. limit <= 0 means 75.
func NewZapped(limit int) *Zapped { return &Zapped{limit: orDefault(limit, 75)} }

func (z *Zapped) Name() string { return "zapped" }

func (z *Zapped) DiscoveryFilter(q feed.Query) (nostr.Filter, bool) {
	return followsFilter(types.KindZapReceipt, q, true)
}

func (z *Zapped) LocalFilter(q feed.Query) (nostr.Filter, bool) {
	return localOf(z.DiscoveryFilter(q))
}

// Extract keys each receipt by its own id, so one sender zapping twice counts
// twice while a redelivered receipt does not.
func (z *Zapped) Extract(ev *nostr.Event) (feed.Candidate, bool) {
	id := types.ZappedEventID(ev)
	if id == "" || types.ZapSender(ev) == "" {
		return feed.Candidate{}, false
	}
	return feed.Candidate{
		ContentID: id,
		ActorID:   ev.ID,
		At:        ev.CreatedAt,
		Weight:    types.ZapAmountSats(ev),
	}, true
}

func (z *Zapped) Rules() filter.Chain         { return filter.Standard(ZappedKinds...) }
func (z *Zapped) Ranking() candidates.Ranking { return candidates.ByZapValue }
func (z *Zapped) DisplayLimit() int           { return z.limit }
func (z *Zapped) Windowed() bool              { return true }
