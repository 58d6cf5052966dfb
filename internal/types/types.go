// Package types contains the core domain types shared across all relayfeed
// internal packages. It deliberately has zero imports of other relayfeed
// packages so that the store, the candidate accumulator and the pipeline can
// all import from it without creating import cycles.
//
// Content objects are plain go-nostr events. This package only adds the
// accessors the feeds need to read relationships out of event tags.
package types

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds the engine cares about.
const (
	KindTextNote     = 1
	KindContactList  = 3
	KindDirectMsg    = 4
	KindRepost       = 6
	KindReaction     = 7
	KindGenericRepo  = 16
	KindPicture      = 20
	KindVoiceMessage = 1222
	KindZapReceipt   = 9735
	KindHighlight    = 9802
	KindArticle      = 30023
	KindClassified   = 30032
	KindVideo        = 34235
)

// IDSet is a set of event ids or pubkeys.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids. Empty strings are skipped.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s IDSet) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Len returns the number of members.
func (s IDSet) Len() int { return len(s) }

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// ─── tag accessors ───────────────────────────────────────────────────────────

// tagValues returns the values of every tag named key, in order.
func tagValues(ev *nostr.Event, key string) []string {
	var out []string
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == key && t[1] != "" {
			out = append(out, t[1])
		}
	}
	return out
}

// firstTag returns the value of the first tag named key.
func firstTag(ev *nostr.Event, key string) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// markedETag returns the first "e" tag carrying the given NIP-10 marker.
func markedETag(ev *nostr.Event, marker string) string {
	for _, t := range ev.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == marker {
			return t[1]
		}
	}
	return ""
}

// hasMarkers reports whether any "e" tag uses NIP-10 markers.
func hasMarkers(ev *nostr.Event) bool {
	for _, t := range ev.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] != "" {
			return true
		}
	}
	return false
}

// threadedKind reports whether e-tags on this kind describe a thread position.
func threadedKind(kind int) bool {
	return kind == KindTextNote || kind == KindVoiceMessage
}

// RootID returns the thread root an event replies into, or "".
func RootID(ev *nostr.Event) string {
	if !threadedKind(ev.Kind) {
		return ""
	}
	if hasMarkers(ev) {
		return markedETag(ev, "root")
	}
	// Positional (deprecated) scheme: first e-tag is the root.
	if es := tagValues(ev, "e"); len(es) > 0 {
		return es[0]
	}
	return ""
}

// ReplyToID returns the event this one directly replies to, or "".
func ReplyToID(ev *nostr.Event) string {
	if !threadedKind(ev.Kind) {
		return ""
	}
	if hasMarkers(ev) {
		if id := markedETag(ev, "reply"); id != "" {
			return id
		}
		return markedETag(ev, "root")
	}
	if es := tagValues(ev, "e"); len(es) > 0 {
		return es[len(es)-1]
	}
	return ""
}

// IsReply reports whether ev is part of a thread rather than a top-level post.
func IsReply(ev *nostr.Event) bool {
	return ReplyToID(ev) != "" || RootID(ev) != ""
}

// IsRepost reports whether ev is a kind 6 or kind 16 repost.
func IsRepost(ev *nostr.Event) bool {
	return ev.Kind == KindRepost || ev.Kind == KindGenericRepo
}

// RepostedID returns the id a repost points at, or "".
func RepostedID(ev *nostr.Event) string {
	if !IsRepost(ev) {
		return ""
	}
	return firstTag(ev, "e")
}

// ReactionTargetID returns the event a kind 7 reaction reacts to. Per NIP-25
// the target is the last e-tag.
func ReactionTargetID(ev *nostr.Event) string {
	if ev.Kind != KindReaction {
		return ""
	}
	es := tagValues(ev, "e")
	if len(es) == 0 {
		return ""
	}
	return es[len(es)-1]
}

// ZappedEventID returns the event a zap receipt pays for. Zaps of
// addressable events (a-tags, "kind:pubkey:d" coordinates) yield "".
func ZappedEventID(ev *nostr.Event) string {
	if ev.Kind != KindZapReceipt {
		return ""
	}
	return firstTag(ev, "e")
}

// ZapSender returns the pubkey of whoever sent the zap (the uppercase P tag).
func ZapSender(ev *nostr.Event) string {
	if ev.Kind != KindZapReceipt {
		return ""
	}
	return firstTag(ev, "P")
}

// ContactListPubkeys returns the followed pubkeys of a kind 3 contact list.
func ContactListPubkeys(ev *nostr.Event) []string {
	if ev.Kind != KindContactList {
		return nil
	}
	return tagValues(ev, "p")
}
