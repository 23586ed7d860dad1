// clientid.go implements the order client-id scheme that makes every order
// attributable to exactly one strategy, even across restarts.
//
// Wire format: <name>-<pair>-<buy|sell>-<counter>
//
// The name and the pair's BASE/QUOTE components are lowercased and their
// internal hyphens replaced by underscores, so the first hyphen-delimited
// segment of any client id is always the owning strategy's name. The pair
// keeps its BASE-QUOTE separator hyphen: "eth_mm" on "ETH-USD" composes
// "eth_mm-eth-usd-buy-1".
package types

import (
	"fmt"
	"strings"
)

// MaxClientIDLength is the longest client id the exchange tolerates.
const MaxClientIDLength = 64

// SanitizeName lowercases a strategy name and escapes internal hyphens so it
// forms an unambiguous client-id prefix.
func SanitizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

// sanitizePair lowercases a canonical BASE-QUOTE pair, escaping hyphens
// inside each component but keeping the separator.
func sanitizePair(pair string) string {
	base, quote, ok := strings.Cut(pair, "-")
	if !ok {
		return SanitizeName(pair)
	}
	return SanitizeName(base) + "-" + SanitizeName(quote)
}

// ComposeClientID builds the client id for the counter-th order a strategy
// places on a pair.
func ComposeClientID(name, pair string, side Side, counter uint64) string {
	return fmt.Sprintf("%s-%s-%s-%d", SanitizeName(name), sanitizePair(pair), side, counter)
}

// OwnerOfClientID extracts the sanitized strategy name from a client id.
// Returns false for ids that do not follow the scheme (exchange-initiated or
// pre-existing orders).
func OwnerOfClientID(clientID string) (string, bool) {
	name, rest, ok := strings.Cut(clientID, "-")
	if !ok || name == "" || rest == "" {
		return "", false
	}
	return name, true
}
