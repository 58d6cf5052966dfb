// Package subid generates subscription identifiers for relay requests.
//
// A subscription id is the correlation token a relay echoes back on every
// EVENT and EOSE frame, so it must be unique among the requests that are live
// at the same time. Ids are a short human-readable prefix ("HOT", "ZAPPED-POSTS")
// followed by a ULID, which keeps them time-sortable in logs and well inside
// the 64 character limit most relays enforce.
package subid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxLen is the longest subscription id relays are expected to accept.
const MaxLen = 64

// ErrTooLong is returned when prefix + ULID would exceed MaxLen.
var ErrTooLong = errors.New("subid: id exceeds 64 characters")

// monoEntropy is a package-level monotone entropy source shared across all
// calls. A single shared source keeps ids lexicographically ordered even when
// generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New returns "<prefix>-<ULID>", or just the ULID when prefix is empty.
func New(prefix string) (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("subid: generate: %w", err)
	}
	if prefix == "" {
		return id, nil
	}
	out := prefix + "-" + id
	if len(out) > MaxLen {
		return "", fmt.Errorf("%w: %q", ErrTooLong, prefix)
	}
	return out, nil
}

// MustNew is like New but panics on error. Use only with constant prefixes.
func MustNew(prefix string) string {
	id, err := New(prefix)
	if err != nil {
		panic(fmt.Sprintf("subid.MustNew: %v", err))
	}
	return id
}

// Prefix returns the prefix part of an id produced by New, or "" when the id
// carries none.
func Prefix(id string) string {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return ""
	}
	if _, err := ulid.ParseStrict(id[i+1:]); err != nil {
		return ""
	}
	return id[:i]
}
