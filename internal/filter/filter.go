// Package filter holds the content rules applied to materialized events
// before ranking. Rules are pure functions of the event and an Env snapshot
// of the current block and mute lists, so applying a chain twice to the same
// input gives the same output.
package filter

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/snehjoshi/relayfeed/internal/types"
)

// Env is the state a rule may consult.
type Env struct {
	// Blocked holds pubkeys whose content is hidden.
	Blocked types.IDSet
	// Muted holds event ids; content in or reposting those threads is hidden.
	Muted types.IDSet
	// Since is the start of the lookback window. Zero disables the window.
	Since nostr.Timestamp
}

// Rule reports whether ev may be shown.
type Rule func(ev *nostr.Event, env Env) bool

// Chain is an ordered list of rules. An event survives only if every rule
// accepts it.
type Chain []Rule

// Apply returns the events every rule accepts, preserving input order.
// The input slice is not modified.
func (c Chain) Apply(evs []*nostr.Event, env Env) []*nostr.Event {
	out := make([]*nostr.Event, 0, len(evs))
	for _, ev := range evs {
		if c.Accept(ev, env) {
			out = append(out, ev)
		}
	}
	return out
}

// Accept runs the chain against a single event.
func (c Chain) Accept(ev *nostr.Event, env Env) bool {
	for _, r := range c {
		if !r(ev, env) {
			return false
		}
	}
	return true
}

// Standard is the chain every ranked feed uses: kind allow-list, blocked
// authors, muted threads, no replies, then the time window.
func Standard(kinds ...int) Chain {
	return Chain{KindAllowList(kinds...), NotBlocked, NotMuted, NoReplies, WithinWindow}
}

// KindAllowList rejects kinds the feed does not render.
func KindAllowList(kinds ...int) Rule {
	allowed := make(map[int]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return func(ev *nostr.Event, _ Env) bool {
		_, ok := allowed[ev.Kind]
		return ok
	}
}

// NotBlocked rejects content by blocked authors.
func NotBlocked(ev *nostr.Event, env Env) bool {
	return !env.Blocked.Has(ev.PubKey)
}

// NotMuted rejects muted events, replies into muted threads and reposts of
// muted events.
func NotMuted(ev *nostr.Event, env Env) bool {
	if env.Muted.Len() == 0 {
		return true
	}
	for _, id := range []string{ev.ID, types.RootID(ev), types.ReplyToID(ev), types.RepostedID(ev)} {
		if id != "" && env.Muted.Has(id) {
			return false
		}
	}
	return true
}

// NoReplies keeps top-level content only.
func NoReplies(ev *nostr.Event, _ Env) bool {
	return !types.IsReply(ev)
}

// WithinWindow rejects content created before the lookback window, however
// recently it was recommended.
func WithinWindow(ev *nostr.Event, env Env) bool {
	return env.Since == 0 || ev.CreatedAt >= env.Since
}
