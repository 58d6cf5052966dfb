package feed

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/backlog"
	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/request"
)

// Query carries what a strategy needs to build its candidate filter.
type Query struct {
	// Follows is the (possibly capped) follow set of the account.
	Follows []string
	// Since is the lower time bound. For discovery it is the incremental
	// bound; for the local query it is the start of the lookback window.
	// Zero for strategies without a window.
	Since nostr.Timestamp
}

// Candidate is one recommendation signal extracted from an event.
type Candidate struct {
	ContentID string
	// ActorID is the idempotence key: the pubkey for likes, the receipt id
	// for zaps.
	ActorID string
	At      nostr.Timestamp
	Weight  int64
}

// Strategy is everything that distinguishes one feed from another.
type Strategy interface {
	// Name labels logs, metrics, subscription ids and HTTP routes.
	Name() string

	// DiscoveryFilter is the stage 1 remote filter. ok=false means the feed
	// cannot be discovered remotely right now (no follows, say) and stage 1
	// degrades to local data.
	DiscoveryFilter(q Query) (f nostr.Filter, ok bool)

	// LocalFilter is the stage 2 local store query.
	LocalFilter(q Query) (f nostr.Filter, ok bool)

	// Extract turns a discovery event into a candidate.
	Extract(ev *nostr.Event) (Candidate, bool)

	// Rules is the stage 4 content filter chain.
	Rules() filter.Chain

	// Ranking orders materialized content.
	Ranking() candidates.Ranking

	// DisplayLimit bounds the published item list.
	DisplayLimit() int

	// Windowed reports whether the lookback window applies at all.
	Windowed() bool
}

// Transport sends requests to relays and reports imported reply batches.
type Transport interface {
	Send(d request.Descriptor)
	backlog.Notifier
}

// FollowSource supplies the account's follow set.
type FollowSource interface {
	Follows(ctx context.Context) ([]string, error)
}

// CountFetcher prefetches auxiliary counts for displayed items.
type CountFetcher interface {
	Prefetch(ids []string)
}
