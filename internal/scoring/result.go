package scoring

import (
	"math"

	"github.com/mbd888/sybilscan/internal/features"
	"github.com/mbd888/sybilscan/internal/model"
)

// Risk is the banded sybil risk.
type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskUnknown Risk = "unknown" // no data to score
	RiskError   Risk = "error"
)

// Band thresholds on the 0-100 sybil score.
const (
	HighThreshold   = 70
	MediumThreshold = 40
)

// Source records where the scored features came from.
type Source string

const (
	SourceCached   Source = "cached"
	SourceLive     Source = "live"
	SourceNotFound Source = "not_found"
	SourceError    Source = "error"
)

// Tag is a coarse behavioral archetype.
type Tag string

const (
	TagHyperactiveBot Tag = "hyperactive_bot"
	TagMidVolume      Tag = "mid_volume"
	TagNewWallet      Tag = "new_wallet"
	TagRetailHunter   Tag = "retail_hunter"
	TagUnknown        Tag = "unknown"
	TagError          Tag = "error"
)

// Tag thresholds.
const (
	hyperactiveBuyCount   = 9000
	hyperactiveBlendCount = 100
	midVolumeBuyCount     = 794
	newWalletDays         = 30
)

// TopFeature is one explanation entry.
type TopFeature struct {
	Feature      string  `json:"feature"`
	Label        string  `json:"label"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Result is the outcome of scoring one address. It carries no wall-clock
// fields, so scoring the same cached row twice yields identical JSON.
type Result struct {
	Address         string       `json:"address"`
	Chain           string       `json:"chain"`
	SybilScore      *int         `json:"sybil_score"`
	Score           *float64     `json:"score"`
	ClassifierScore *float64     `json:"lgb_score,omitempty"`
	AnomalyScore    *float64     `json:"if_score,omitempty"`
	Risk            Risk         `json:"risk"`
	SybilType       Tag          `json:"sybil_type"`
	TxCount         *int         `json:"tx_count,omitempty"`
	WalletAgeDays   *float64     `json:"wallet_age_days,omitempty"`
	NFTCollections  *int         `json:"nft_collections,omitempty"`
	UniqueContracts *int         `json:"unique_contracts,omitempty"`
	TotalVolumeETH  *float64     `json:"total_volume_eth,omitempty"`
	TopFeatures     []TopFeature `json:"top_features,omitempty"`
	DataSource      Source       `json:"data_source"`
	Error           string       `json:"error,omitempty"`
	Degraded        []string     `json:"degraded,omitempty"`
}

// Scored reports whether the result carries a score.
func (r Result) Scored() bool {
	return r.Score != nil
}

// SybilScore maps a blended score in [0,1] to an integer in [0,100].
// Halves round to even.
func SybilScore(blend float64) int {
	s := int(math.RoundToEven(blend * 100))
	return min(100, max(0, s))
}

// Band maps a 0-100 sybil score to a risk band.
func Band(sybilScore int) Risk {
	switch {
	case sybilScore >= HighThreshold:
		return RiskHigh
	case sybilScore >= MediumThreshold:
		return RiskMedium
	}
	return RiskLow
}

// Classify applies the behavioral tag rules in priority order. A wallet age
// of 0 means unknown and never tags a wallet as new.
func Classify(v features.Vector) Tag {
	buys := v.Get("buy_count")
	blendIn := v.Get("blend_in_count")
	age := v.Get("wallet_age_days")

	switch {
	case buys > hyperactiveBuyCount || blendIn > hyperactiveBlendCount:
		return TagHyperactiveBot
	case buys > midVolumeBuyCount:
		return TagMidVolume
	case age > 0 && age < newWalletDays:
		return TagNewWallet
	}
	return TagRetailHunter
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

func ptr[T any](v T) *T {
	return &v
}

// assemble builds a scored result from a vector and its prediction.
func assemble(addr, chainID string, src Source, v features.Vector, p model.Prediction, ex []model.Contribution) Result {
	s := SybilScore(p.Blend)
	r := Result{
		Address:         addr,
		Chain:           chainID,
		SybilScore:      ptr(s),
		Score:           ptr(round(p.Blend, 4)),
		ClassifierScore: ptr(round(p.Probability, 4)),
		AnomalyScore:    ptr(round(p.AnomalyNorm, 4)),
		Risk:            Band(s),
		SybilType:       Classify(v),
		TxCount:         ptr(int(v.Get("tx_count"))),
		WalletAgeDays:   ptr(round(v.Get("wallet_age_days"), 1)),
		NFTCollections:  ptr(int(v.Get("buy_collections"))),
		UniqueContracts: ptr(int(v.Get("unique_interactions"))),
		TotalVolumeETH:  ptr(round(v.Get("buy_value")+v.Get("sell_value"), 4)),
		DataSource:      src,
	}
	for _, c := range ex {
		r.TopFeatures = append(r.TopFeatures, TopFeature{
			Feature:      c.Feature,
			Label:        c.Label,
			Value:        round(c.Value, 4),
			Contribution: round(c.Contribution, 4),
		})
	}
	return r
}

func notFound(addr, chainID string) Result {
	return Result{
		Address:    addr,
		Chain:      chainID,
		Risk:       RiskUnknown,
		SybilType:  TagUnknown,
		DataSource: SourceNotFound,
	}
}

func failed(addr, chainID, detail string) Result {
	return Result{
		Address:    addr,
		Chain:      chainID,
		Risk:       RiskError,
		SybilType:  TagError,
		DataSource: SourceError,
		Error:      detail,
	}
}

// ErrorResult is the result reported for an address that could not be scored.
func ErrorResult(address, chainID, detail string) Result {
	return failed(address, chainID, detail)
}
