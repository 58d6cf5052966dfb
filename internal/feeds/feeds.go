// Package feeds holds the concrete feed strategies and the follow source.
//
// Every strategy discovers candidates from follows' recommendations (kind 7
// reactions or kind 9735 zap receipts) and renders the recommended content.
package feeds

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// ErrUnknownFeed is returned by ByName for an unregistered feed.
var ErrUnknownFeed = errors.New("feeds: unknown feed")

// DiscoveryLimit is the per-request result limit of discovery filters.
const DiscoveryLimit = 9999

// Display kinds per feed.
var (
	HotKinds    = []int{types.KindTextNote, types.KindPicture, types.KindHighlight, types.KindArticle, types.KindClassified, types.KindVideo}
	EmojiKinds  = []int{types.KindTextNote, types.KindPicture, types.KindHighlight, types.KindClassified, types.KindVideo}
	ZappedKinds = []int{types.KindTextNote, types.KindVoiceMessage, types.KindPicture, types.KindHighlight, types.KindClassified, types.KindVideo}
	LikedKinds  = []int{types.KindTextNote, types.KindPicture, types.KindVoiceMessage, types.KindHighlight, types.KindArticle, types.KindClassified, types.KindVideo}
)

// Options parameterise ByName.
type Options struct {
	DisplayLimit int
	// Emoji selects the emoji family for the emoji feed.
	Emoji string
	// Pubkey is the profile whose likes the profile-likes feed shows.
	Pubkey string
}

// Names lists the feeds ByName knows.
func Names() []string { return []string{"hot", "emoji", "zapped", "profile-likes"} }

// ByName builds a strategy from its name.
func ByName(name string, o Options) (feed.Strategy, error) {
	switch name {
	case "hot":
		return NewHot(o.DisplayLimit), nil
	case "emoji":
		return NewEmoji(o.Emoji, o.DisplayLimit)
	case "zapped":
		return NewZapped(o.DisplayLimit), nil
	case "profile-likes":
		if o.Pubkey == "" {
			return nil, fmt.Errorf("feeds: profile-likes: %w", ErrNoPubkey)
		}
		return NewProfileLikes(o.Pubkey), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFeed, name)
}

// followsFilter builds the discovery filter shared by the follow-driven
// feeds. It reports false without follows: an unscoped filter would ask relays
// for everyone's reactions.
func followsFilter(kind int, q feed.Query, byTag bool) (nostr.Filter, bool) {
	if len(q.Follows) == 0 {
		return nostr.Filter{}, false
	}
	f := nostr.Filter{Kinds: []int{kind}, Limit: DiscoveryLimit}
	if byTag {
		f.Tags = nostr.TagMap{"P": q.Follows}
	} else {
		f.Authors = q.Follows
	}
	if q.Since != 0 {
		since := q.Since
		f.Since = &since
	}
	return f, true
}

// localOf drops the result limit: the local query wants the whole window.
func localOf(f nostr.Filter, ok bool) (nostr.Filter, bool) {
	f.Limit = 0
	return f, ok
}

func orDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// ─── Hot ─────────────────────────────────────────────────────────────────────

// Hot ranks content by how many distinct follows reacted to it.
type Hot struct{ limit int }

// NewHot creates the hot feed. limit <= 0 means 75.
func NewHot(limit int) *Hot { return &Hot{limit: orDefault(limit, 75)} }

func (h *Hot) Name() string { return "hot" }

func (h *Hot) DiscoveryFilter(q feed.Query) (nostr.Filter, bool) {
	return followsFilter(types.KindReaction, q, false)
}

func (h *Hot) LocalFilter(q feed.Query) (nostr.Filter, bool) {
	return localOf(h.DiscoveryFilter(q))
}

func (h *Hot) Extract(ev *nostr.Event) (feed.Candidate, bool) {
	id := types.ReactionTargetID(ev)
	return feed.Candidate{ContentID: id, ActorID: ev.PubKey, At: ev.CreatedAt}, id != ""
}

func (h *Hot) Rules() filter.Chain         { return filter.Standard(HotKinds...) }
func (h *Hot) Ranking() candidates.Ranking { return candidates.ByRecommenders }
func (h *Hot) DisplayLimit() int           { return h.limit }
func (h *Hot) Windowed() bool              { return true }
