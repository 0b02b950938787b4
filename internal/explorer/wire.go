package explorer

import (
	"strconv"
	"strings"
)

// wireRecord is the union of fields the explorer returns across the four
// account actions. All values arrive as strings.
type wireRecord struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	TokenID         string `json:"tokenID"`
	IsError         string `json:"isError"`
}

// timestamp parses the unix time; malformed values read as 0.
func (w wireRecord) timestamp() int64 {
	ts, err := strconv.ParseInt(strings.TrimSpace(w.TimeStamp), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func toTxs(recs []wireRecord) []Tx {
	out := make([]Tx, 0, len(recs))
	for _, w := range recs {
		block, _ := strconv.ParseUint(w.BlockNumber, 10, 64)
		out = append(out, Tx{
			Hash:        w.Hash,
			BlockNumber: block,
			Timestamp:   w.timestamp(),
			From:        lower(w.From),
			To:          lower(w.To),
			Value:       w.Value,
			IsError:     w.IsError == "1",
		})
	}
	return out
}

func toTokens(recs []wireRecord) []TokenTransfer {
	out := make([]TokenTransfer, 0, len(recs))
	for _, w := range recs {
		decimals := 18
		if w.TokenDecimal != "" {
			if d, err := strconv.Atoi(strings.TrimSpace(w.TokenDecimal)); err == nil {
				decimals = d
			}
		}
		out = append(out, TokenTransfer{
			Hash:      w.Hash,
			Timestamp: w.timestamp(),
			From:      lower(w.From),
			To:        lower(w.To),
			Contract:  lower(w.ContractAddress),
			Symbol:    w.TokenSymbol,
			Decimals:  decimals,
			Value:     w.Value,
		})
	}
	return out
}

func toNFTs(recs []wireRecord) []NFTTransfer {
	out := make([]NFTTransfer, 0, len(recs))
	for _, w := range recs {
		out = append(out, NFTTransfer{
			Hash:      w.Hash,
			Timestamp: w.timestamp(),
			From:      lower(w.From),
			To:        lower(w.To),
			Contract:  lower(w.ContractAddress),
			TokenID:   w.TokenID,
		})
	}
	return out
}

func filterTxs(in []Tx, cutoff int64) []Tx {
	out := in[:0]
	for _, t := range in {
		if t.Timestamp < cutoff {
			out = append(out, t)
		}
	}
	return out
}

func filterTokens(in []TokenTransfer, cutoff int64) []TokenTransfer {
	out := in[:0]
	for _, t := range in {
		if t.Timestamp < cutoff {
			out = append(out, t)
		}
	}
	return out
}

func filterNFTs(in []NFTTransfer, cutoff int64) []NFTTransfer {
	out := in[:0]
	for _, t := range in {
		if t.Timestamp < cutoff {
			out = append(out, t)
		}
	}
	return out
}
