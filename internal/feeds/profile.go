package feeds

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ErrNoPubkey is returned when a profile feed has no pubkey to show.
var ErrNoPubkey = errors.New("feeds: pubkey required")

// ProfileLikes shows what one profile liked, most recent first. It has no
// lookback window and ignores follows.
type ProfileLikes struct{ pubkey string }

// NewProfileLikes creates the feed for pubkey (hex).
func NewProfileLikes(pubkey string) *ProfileLikes { return &ProfileLikes{pubkey: pubkey} }

func (p *ProfileLikes) Name() string { return "profile-likes" }

func (p *ProfileLikes) DiscoveryFilter(feed.Query) (nostr.Filter, bool) {
	return nostr.Filter{Kinds: []int{types.KindReaction}, Authors: []string{p.pubkey}, Limit: 500}, p.pubkey != ""
}

func (p *ProfileLikes) LocalFilter(q feed.Query) (nostr.Filter, bool) {
	return localOf(p.DiscoveryFilter(q))
}

func (p *ProfileLikes) Extract(ev *nostr.Event) (feed.Candidate, bool) {
	if ev.PubKey != p.pubkey {
		return feed.Candidate{}, false
	}
	id := types.ReactionTargetID(ev)
	return feed.Candidate{ContentID: id, ActorID: ev.PubKey, At: ev.CreatedAt}, id != ""
}

// Rules keeps replies: a liked reply is still something the profile liked.
func (p *ProfileLikes) Rules() filter.Chain {
	return filter.Chain{filter.KindAllowList(LikedKinds...), filter.NotBlocked, filter.NotMuted}
}

func (p *ProfileLikes) Ranking() candidates.Ranking { return candidates.ByRecommenders }
func (p *ProfileLikes) DisplayLimit() int           { return 25 }
func (p *ProfileLikes) Windowed() bool              { return false }
