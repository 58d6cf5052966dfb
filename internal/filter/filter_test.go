package filter_test

import (
	"sync/atomic"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/relayfeed/internal/filter"
	"github.com/snehjoshi/relayfeed/internal/types"
)

func ev(id, author string, kind int, at nostr.Timestamp, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{ID: id, PubKey: author, Kind: kind, CreatedAt: at, Tags: nostr.Tags(tags)}
}

func idsOf(evs []*nostr.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

func TestStandardChain(t *testing.T) {
	input := []*nostr.Event{
		ev("note", "alice", types.KindTextNote, 500),
		ev("dm", "alice", types.KindDirectMsg, 500),
		ev("blocked", "mallory", types.KindTextNote, 500),
		ev("muted", "bob", types.KindTextNote, 500),
		ev("in-muted-thread", "bob", types.KindTextNote, 500, nostr.Tag{"e", "muted", "", "root"}),
		ev("repost-of-muted", "bob", types.KindRepost, 500, nostr.Tag{"e", "muted"}),
		ev("reply", "carol", types.KindTextNote, 500, nostr.Tag{"e", "note", "", "reply"}),
		ev("old", "carol", types.KindTextNote, 10),
		ev("article", "carol", types.KindArticle, 400),
	}
	env := filter.Env{
		Blocked: types.NewIDSet("mallory"),
		Muted:   types.NewIDSet("muted"),
		Since:   100,
	}

	chain := filter.Standard(types.KindTextNote, types.KindRepost, types.KindArticle)
	got := chain.Apply(input, env)
	assert.Equal(t, []string{"note", "article"}, idsOf(got))
}

// Applying the chain twice gives the same output, and the input is untouched.
func TestChainIsIdempotent(t *testing.T) {
	input := []*nostr.Event{
		ev("a", "x", 1, 200),
		ev("b", "y", 1, 50),
		ev("c", "z", 7, 200),
	}
	chain := filter.Standard(1)
	env := filter.Env{Since: 100, Blocked: types.NewIDSet("z")}

	once := chain.Apply(input, env)
	twice := chain.Apply(once, env)
	assert.Equal(t, idsOf(once), idsOf(twice))
	assert.Len(t, input, 3)
}

func TestWithinWindowZeroDisables(t *testing.T) {
	assert.True(t, filter.WithinWindow(ev("a", "x", 1, 1), filter.Env{}))
	assert.False(t, filter.WithinWindow(ev("a", "x", 1, 1), filter.Env{Since: 2}))
}

func TestNotMutedByPositionalRoot(t *testing.T) {
	reply := ev("r", "x", 1, 1, nostr.Tag{"e", "thread"}, nostr.Tag{"e", "parent"})
	assert.False(t, filter.NotMuted(reply, filter.Env{Muted: types.NewIDSet("thread")}))
	assert.False(t, filter.NotMuted(reply, filter.Env{Muted: types.NewIDSet("parent")}))
	assert.True(t, filter.NotMuted(reply, filter.Env{Muted: types.NewIDSet("other")}))
}

func TestMemoryLists(t *testing.T) {
	l := filter.NewMemoryLists([]string{"p1"}, nil)
	var changes atomic.Int32
	l.OnChange(func() { changes.Add(1) })

	snap := l.Blocked()
	l.Block("p2")
	l.Block("p2")
	l.Mute("e1")
	l.Block("")

	assert.Equal(t, int32(2), changes.Load())
	assert.False(t, snap.Has("p2"), "snapshots are independent")
	assert.True(t, l.Blocked().Has("p2"))
	assert.True(t, l.Muted().Has("e1"))
}
