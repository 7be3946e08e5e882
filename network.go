package x402

import (
	"fmt"
	"regexp"
	"strings"
)

// Network is a CAIP-2 network identifier of the form "namespace:reference",
// for example "eip155:8453" or "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1".
// The reference may be "*" to express a wildcard over a whole namespace,
// which is only meaningful for registry matching, never on the wire.
type Network string

var caip2Pattern = regexp.MustCompile(`^[a-z0-9-]+:[a-zA-Z0-9-]+$`)

// legacyNetworkNames maps pre-CAIP-2 network names to their canonical form.
// Incoming wire values are normalized through this table; outgoing values
// are always canonical.
var legacyNetworkNames = map[string]Network{
	"base":             "eip155:8453",
	"base-sepolia":     "eip155:84532",
	"avalanche":        "eip155:43114",
	"avalanche-fuji":   "eip155:43113",
	"polygon":          "eip155:137",
	"polygon-amoy":     "eip155:80002",
	"sei":              "eip155:1329",
	"sei-testnet":      "eip155:1328",
	"iotex":            "eip155:4689",
	"solana":           "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
	"solana-devnet":    "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
	"solana-testnet":   "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z",
	"aptos":            "aptos:1",
	"aptos-testnet":    "aptos:2",
}

// ParseNetwork validates and normalizes a network identifier. Legacy names
// are converted to CAIP-2; anything else must already match CAIP-2 syntax.
func ParseNetwork(s string) (Network, error) {
	if canonical, ok := legacyNetworkNames[s]; ok {
		return canonical, nil
	}
	if !caip2Pattern.MatchString(s) {
		return "", fmt.Errorf("invalid network identifier %q: not CAIP-2", s)
	}
	return Network(s), nil
}

// NormalizeNetwork converts legacy names in place and leaves everything
// else untouched. Use at ingress points where failure handling happens later.
func NormalizeNetwork(n Network) Network {
	if canonical, ok := legacyNetworkNames[string(n)]; ok {
		return canonical
	}
	return n
}

// Valid reports whether the network is syntactically valid CAIP-2.
func (n Network) Valid() bool {
	return caip2Pattern.MatchString(string(n))
}

// Namespace returns the CAIP-2 namespace, e.g. "eip155" for "eip155:8453".
func (n Network) Namespace() string {
	if i := strings.IndexByte(string(n), ':'); i >= 0 {
		return string(n)[:i]
	}
	return string(n)
}

// Reference returns the CAIP-2 reference, e.g. "8453" for "eip155:8453".
func (n Network) Reference() string {
	if i := strings.IndexByte(string(n), ':'); i >= 0 {
		return string(n)[i+1:]
	}
	return ""
}

// Match reports whether n matches the given pattern. A pattern of
// "namespace:*" matches every network in that namespace; otherwise the
// comparison is exact after legacy normalization of both sides.
func (n Network) Match(pattern Network) bool {
	a := NormalizeNetwork(n)
	b := NormalizeNetwork(pattern)
	if a == b {
		return true
	}
	if strings.HasSuffix(string(b), ":*") {
		return a.Namespace() == b.Namespace()
	}
	if strings.HasSuffix(string(a), ":*") {
		return a.Namespace() == b.Namespace()
	}
	return false
}
