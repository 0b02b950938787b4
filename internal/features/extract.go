package features

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"

	"github.com/mbd888/sybilscan/internal/explorer"
)

const (
	secondsPerDay = 86400
	recentWindow  = 30 * secondsPerDay

	// timingFloor keeps day-valued timing features strictly positive
	timingFloor = 0.01
)

// BlendContracts are the lending-protocol token contracts counted by the
// blend_* features. Lower-case.
var BlendContracts = map[string]bool{
	"0x29469395eaf6f95920e59f858042f0e28d98a20b": true,
}

var lpMarkers = []string{"LP", "UNI-V2", "CAKE-LP"}

var weiPerEther = new(big.Float).SetInt(big.NewInt(1e18))

// Extract computes the canonical feature vector for address from activity
// recorded strictly before t0. It is pure: the same inputs always yield the
// same vector. An address with no native transactions maps to Zero().
func Extract(raw explorer.RawActivity, address string, t0 time.Time) Vector {
	addr := strings.ToLower(strings.TrimSpace(address))
	txs := raw.Native.Records
	if len(txs) == 0 {
		return Zero()
	}

	now := t0.Unix()
	first, last := txs[0].Timestamp, txs[0].Timestamp
	var (
		buyCount, sellCount, recent int
		outWei, inWei               = new(big.Int), new(big.Int)
		targets                     = make(map[string]struct{})
	)

	for _, tx := range txs {
		first = min(first, tx.Timestamp)
		last = max(last, tx.Timestamp)
		if tx.Timestamp >= now-recentWindow {
			recent++
		}
		if tx.From == addr {
			buyCount++
			outWei.Add(outWei, parseAmount(tx.Value))
		}
		if tx.To == addr {
			sellCount++
			inWei.Add(inWei, parseAmount(tx.Value))
		}
		if tx.To != "" {
			targets[tx.To] = struct{}{}
		}
	}

	for _, itx := range raw.Internal.Records {
		if itx.To == addr {
			inWei.Add(inWei, parseAmount(itx.Value))
		}
	}

	collections := make(map[string]struct{})
	for _, n := range raw.NFT.Records {
		if n.From == addr || n.Contract == "" {
			continue
		}
		collections[n.Contract] = struct{}{}
	}

	var (
		lpCount           int
		blendIn, blendOut int
		blendNet          float64
	)
	for _, tt := range raw.Token.Records {
		sym := strings.ToUpper(tt.Symbol)
		for _, m := range lpMarkers {
			if strings.Contains(sym, m) {
				lpCount++
				break
			}
		}
		if !BlendContracts[tt.Contract] {
			continue
		}
		val := tokenAmount(tt.Value, tt.Decimals)
		if tt.To == addr {
			blendIn++
			blendNet += val
		} else {
			blendOut++
			blendNet -= val
		}
	}

	txCount := len(txs)
	buyValue := toEther(outWei)
	sellValue := toEther(inWei)

	var vals [NumFeatures]float64
	vals[BuyCount] = float64(buyCount)
	vals[SellCount] = float64(sellCount)
	vals[TxCount] = float64(txCount)
	vals[TotalTradeCount] = float64(txCount)
	vals[BuyValue] = buyValue
	vals[SellValue] = sellValue
	vals[PnLProxy] = sellValue - buyValue
	vals[BuyCollections] = float64(len(collections))
	vals[UniqueInteractions] = float64(len(targets))
	vals[SellRatio] = float64(sellCount) / float64(max(txCount, 1))
	vals[WalletAgeDays] = days(now - first)
	vals[DaysSinceLastBuy] = days(now - last)
	vals[RecentActivity] = float64(recent)
	vals[BlendInCount] = float64(blendIn)
	vals[BlendOutCount] = float64(blendOut)
	vals[BlendNetValue] = blendNet
	vals[LPCount] = float64(lpCount)
	vals[Ratio] = float64(blendIn) / float64(max(txCount, 1))
	vals[ActiveSpanDays] = days(last - first)
	vals[TotalVolumeETH] = buyValue + sellValue
	vals[FirstTxTS] = float64(first)
	vals[LastTxTS] = float64(last)

	return FromValues(vals)
}

func days(seconds int64) float64 {
	return max(float64(seconds)/secondsPerDay, timingFloor)
}

// parseAmount reads a decimal (or 0x hex) integer amount; invalid or
// negative input counts as 0.
func parseAmount(s string) *big.Int {
	v, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

func toEther(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return f
}

func tokenAmount(value string, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(parseAmount(value)),
		new(big.Float).SetInt(scale),
	).Float64()
	return f
}
