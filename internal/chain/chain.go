// Package chain defines the closed set of chains the scorer can fetch
// activity for, keyed by the short identifiers used in the public API.
package chain

import (
	"sort"
	"strings"
)

// ID is a short, lower-case chain identifier such as "eth" or "base".
type ID string

// Default is the chain used when a caller omits the chain or names one
// outside the supported set. It is also the native chain of the reference
// feature table.
const Default ID = "eth"

// Info describes a supported chain.
type Info struct {
	ID       ID
	Name     string
	ChainID  int64 // explorer chainid parameter
	Currency string
}

var supported = map[ID]Info{
	"eth":       {ID: "eth", Name: "Ethereum", ChainID: 1, Currency: "ETH"},
	"base":      {ID: "base", Name: "Base", ChainID: 8453, Currency: "ETH"},
	"arbitrum":  {ID: "arbitrum", Name: "Arbitrum One", ChainID: 42161, Currency: "ETH"},
	"optimism":  {ID: "optimism", Name: "OP Mainnet", ChainID: 10, Currency: "ETH"},
	"polygon":   {ID: "polygon", Name: "Polygon PoS", ChainID: 137, Currency: "POL"},
	"bsc":       {ID: "bsc", Name: "BNB Smart Chain", ChainID: 56, Currency: "BNB"},
	"linea":     {ID: "linea", Name: "Linea", ChainID: 59144, Currency: "ETH"},
	"scroll":    {ID: "scroll", Name: "Scroll", ChainID: 534352, Currency: "ETH"},
	"blast":     {ID: "blast", Name: "Blast", ChainID: 81457, Currency: "ETH"},
	"avalanche": {ID: "avalanche", Name: "Avalanche C-Chain", ChainID: 43114, Currency: "AVAX"},
}

// Lookup returns the chain info for id (case-insensitive).
func Lookup(id string) (Info, bool) {
	info, ok := supported[ID(strings.ToLower(strings.TrimSpace(id)))]
	return info, ok
}

// Resolve maps a requested identifier onto a supported chain. Empty and
// unsupported identifiers resolve to Default; fellBack reports whether the
// request was rewritten.
func Resolve(id string) (info Info, fellBack bool) {
	if info, ok := Lookup(id); ok {
		return info, false
	}
	return supported[Default], strings.TrimSpace(id) != ""
}

// IsSupported reports whether id names a supported chain.
func IsSupported(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// All returns the supported chain identifiers in sorted order.
func All() []ID {
	ids := make([]ID, 0, len(supported))
	for id := range supported {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
