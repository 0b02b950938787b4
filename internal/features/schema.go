// Package features defines the canonical wallet feature schema and turns raw
// explorer activity into fixed-size feature vectors.
package features

import (
	"encoding/json"
	"math"
)

// SchemaVersion identifies the ordered name list below. Bump it whenever a
// name is added, removed or reordered.
const SchemaVersion = "v1"

// NumFeatures is the length of every Vector.
const NumFeatures = 22

// Positions in the canonical schema.
const (
	BuyCount = iota
	SellCount
	TxCount
	TotalTradeCount
	BuyValue
	SellValue
	PnLProxy
	BuyCollections
	UniqueInteractions
	SellRatio
	WalletAgeDays
	DaysSinceLastBuy
	RecentActivity
	BlendInCount
	BlendOutCount
	BlendNetValue
	LPCount
	Ratio
	ActiveSpanDays
	TotalVolumeETH
	FirstTxTS
	LastTxTS
)

// Names is the canonical schema, indexed by the position constants.
var Names = [NumFeatures]string{
	BuyCount:           "buy_count",
	SellCount:          "sell_count",
	TxCount:            "tx_count",
	TotalTradeCount:    "total_trade_count",
	BuyValue:           "buy_value",
	SellValue:          "sell_value",
	PnLProxy:           "pnl_proxy",
	BuyCollections:     "buy_collections",
	UniqueInteractions: "unique_interactions",
	SellRatio:          "sell_ratio",
	WalletAgeDays:      "wallet_age_days",
	DaysSinceLastBuy:   "days_since_last_buy",
	RecentActivity:     "recent_activity",
	BlendInCount:       "blend_in_count",
	BlendOutCount:      "blend_out_count",
	BlendNetValue:      "blend_net_value",
	LPCount:            "LP_count",
	Ratio:              "ratio",
	ActiveSpanDays:     "active_span_days",
	TotalVolumeETH:     "total_volume_eth",
	FirstTxTS:          "first_tx_ts",
	LastTxTS:           "last_tx_ts",
}

var index = func() map[string]int {
	m := make(map[string]int, NumFeatures)
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// IndexOf returns the schema position of name.
func IndexOf(name string) (int, bool) {
	i, ok := index[name]
	return i, ok
}

var labels = map[string]string{
	"buy_count":           "NFT buy count",
	"sell_count":          "Sell count",
	"tx_count":            "Total transactions",
	"total_trade_count":   "Total trades",
	"buy_value":           "Buy volume (ETH)",
	"sell_value":          "Sell volume (ETH)",
	"pnl_proxy":           "PnL proxy (ETH)",
	"buy_collections":     "NFT collections",
	"unique_interactions": "Unique contracts",
	"sell_ratio":          "Sell ratio",
	"wallet_age_days":     "Wallet age (days)",
	"days_since_last_buy": "Days since last buy",
	"recent_activity":     "Recent activity (30d)",
	"blend_in_count":      "Blend borrows",
	"blend_out_count":     "Blend repays",
	"blend_net_value":     "Blend net value",
	"LP_count":            "LP tokens held",
	"ratio":               "Blend activity ratio",
	"active_span_days":    "Active span (days)",
	"total_volume_eth":    "Total volume (ETH)",
	"first_tx_ts":         "First tx timestamp",
	"last_tx_ts":          "Last tx timestamp",
}

// Label returns the human-readable label for a feature, or the name itself.
func Label(name string) string {
	if l, ok := labels[name]; ok {
		return l
	}
	return name
}

// Vector is a complete, immutable feature vector. Every value is finite.
type Vector struct {
	v [NumFeatures]float64
}

// Zero returns the all-zero vector used for addresses with no history.
func Zero() Vector {
	return Vector{}
}

// FromValues builds a vector from positional values, replacing NaN and ±Inf with 0.
func FromValues(vals [NumFeatures]float64) Vector {
	var out Vector
	for i, x := range vals {
		out.v[i] = finite(x)
	}
	return out
}

// FromMap builds a vector from named values. Missing names read as 0 and
// names outside the schema are ignored.
func FromMap(m map[string]float64) Vector {
	var out Vector
	for name, x := range m {
		if i, ok := index[name]; ok {
			out.v[i] = finite(x)
		}
	}
	return out
}

// Get returns the value for name, or 0 if name is not in the schema.
func (v Vector) Get(name string) float64 {
	if i, ok := index[name]; ok {
		return v.v[i]
	}
	return 0
}

// At returns the value at schema position i.
func (v Vector) At(i int) float64 {
	return v.v[i]
}

// Values returns a copy of the positional values.
func (v Vector) Values() [NumFeatures]float64 {
	return v.v
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, n := range Names {
		m[n] = v.v[i]
	}
	return m
}

// MarshalJSON renders the vector as a name-keyed object.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// IsZero reports whether every value is 0.
func (v Vector) IsZero() bool {
	return v == Vector{}
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
