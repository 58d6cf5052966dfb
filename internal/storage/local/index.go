package local

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Bucket layout inside events.db:
//
//	events       id            → event JSON
//	kind_time    kind|ts|id    → nil   (kind: 4 bytes BE, ts: 8 bytes BE)
//	author_time  pubkey|ts|id  → nil   (pubkey: 32 raw bytes)
//
// Index keys sort by (kind or author, created_at), so a time window is one
// contiguous cursor range.
var (
	bucketEvents     = []byte("events")
	bucketKindTime   = []byte("kind_time")
	bucketAuthorTime = []byte("author_time")
)

const (
	kindLen   = 4
	tsLen     = 8
	pubkeyLen = 32
)

func kindPrefix(kind int) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, kindLen+tsLen), uint32(kind))
}

func kindKey(ev *nostr.Event) []byte {
	k := kindPrefix(ev.Kind)
	k = binary.BigEndian.AppendUint64(k, uint64(ev.CreatedAt))
	return append(k, ev.ID...)
}

func authorPrefix(pubkey string) ([]byte, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil || len(raw) != pubkeyLen {
		return nil, fmt.Errorf("local: bad pubkey %q", pubkey)
	}
	return raw, nil
}

func authorKey(ev *nostr.Event) ([]byte, error) {
	k, err := authorPrefix(ev.PubKey)
	if err != nil {
		return nil, err
	}
	k = binary.BigEndian.AppendUint64(k, uint64(ev.CreatedAt))
	return append(k, ev.ID...), nil
}

// withTime appends a big-endian timestamp to a copy of prefix.
func withTime(prefix []byte, ts nostr.Timestamp) []byte {
	k := make([]byte, len(prefix), len(prefix)+tsLen)
	copy(k, prefix)
	return binary.BigEndian.AppendUint64(k, uint64(ts))
}

// splitIndexKey returns the timestamp and event id of an index key whose
// prefix is prefixLen bytes long.
func splitIndexKey(k []byte, prefixLen int) (nostr.Timestamp, string) {
	if len(k) < prefixLen+tsLen {
		return 0, ""
	}
	ts := nostr.Timestamp(binary.BigEndian.Uint64(k[prefixLen : prefixLen+tsLen]))
	return ts, string(k[prefixLen+tsLen:])
}
