package feeds

import (
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/candidates"
	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/types"
)

// EmojiFamilies maps a family key to every reaction content counted for it.
var EmojiFamilies = map[string][]string{
	"😂": {"😂", "🤣", "😆", "😝", "🤪", "😜", "😹", "😁", "😄", "🤭", "😛"},
	"😡": {"😡", "🤬", "😠", "😾", "😤"},
}

// Emoji ranks content by how many follows reacted with an emoji of one
// family.
type Emoji struct {
	family string
	set    map[string]struct{}
	limit  int
}

// NewEmoji creates the emoji feed for family ("😂" when empty).
func NewEmoji(family string, limit int) (*Emoji, error) {
	if family == "" {
		family = "😂"
	}
	members, ok := EmojiFamilies[family]
	if !ok {
		keys := make([]string, 0, len(EmojiFamilies))
		for k := range EmojiFamilies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("feeds: emoji family %q not one of %v", family, keys)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return &Emoji{family: family, set: set, limit: orDefault(limit, 75)}, nil
}

func (e *Emoji) Name() string { return "emoji" }

// Family returns the selected family key.
func (e *Emoji) Family() string { return e.family }

func (e *Emoji) DiscoveryFilter(q feed.Query) (nostr.Filter, bool) {
	return followsFilter(types.KindReaction, q, false)
}

func (e *Emoji) LocalFilter(q feed.Query) (nostr.Filter, bool) {
	return localOf(e.DiscoveryFilter(q))
}

// Extract keeps only reactions whose content is in the family.
func (e *Emoji) Extract(ev *nostr.Event) (feed.Candidate, bool) {
	if _, ok := e.set[ev.Content]; !ok {
		return feed.Candidate{}, false
	}
	id := types.ReactionTargetID(ev)
	return feed.Candidate{ContentID: id, ActorID: ev.PubKey, At: ev.CreatedAt}, id != ""
}

func (e *Emoji) Rules() filter.Chain         { return filter.Standard(EmojiKinds...) }
func (e *Emoji) Ranking() candidates.Ranking { return candidates.ByRecommenders }
func (e *Emoji) DisplayLimit() int           { return e.limit }
func (e *Emoji) Windowed() bool              { return true }
