package types

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

var bolt11Amount = regexp.MustCompile(`^ln(?:bcrt|bc|tbs|tb)(\d+)([munp])?1`)

// ParseBolt11Sats extracts the invoice amount in satoshis from a bolt11
// string. It returns 0 when the invoice carries no amount or cannot be parsed.
func ParseBolt11Sats(invoice string) int64 {
	m := bolt11Amount.FindStringSubmatch(strings.ToLower(invoice))
	if len(m) < 2 {
		return 0
	}
	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "m": // 10^-3 BTC
		return amount * 100_000
	case "u": // 10^-6 BTC
		return amount * 100
	case "n": // 10^-9 BTC, 0.1 sat each
		return amount / 10
	case "p": // 10^-12 BTC
		return amount / 10_000
	default:
		return amount * 100_000_000
	}
}

// ZapAmountSats returns the value of a zap receipt in satoshis, read from its
// bolt11 tag.
func ZapAmountSats(ev *nostr.Event) int64 {
	if ev.Kind != KindZapReceipt {
		return 0
	}
	return ParseBolt11Sats(firstTag(ev, "bolt11"))
}
