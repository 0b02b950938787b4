package explorer

import "fmt"

// Category names one of the four independent retrievals made per address.
type Category string

const (
	CategoryNative   Category = "native"   // txlist
	CategoryInternal Category = "internal" // txlistinternal
	CategoryToken    Category = "token"    // tokentx
	CategoryNFT      Category = "nft"      // tokennfttx
)

// Categories lists every category in fetch order.
var Categories = []Category{CategoryNative, CategoryInternal, CategoryToken, CategoryNFT}

func (c Category) action() string {
	switch c {
	case CategoryNative:
		return "txlist"
	case CategoryInternal:
		return "txlistinternal"
	case CategoryToken:
		return "tokentx"
	case CategoryNFT:
		return "tokennfttx"
	}
	return ""
}

// pageSize is the explorer offset parameter for the category
func (c Category) pageSize() int {
	if c == CategoryNative {
		return 10000
	}
	return 5000
}

// Outcome is the fetch result of one category.
type Outcome int

const (
	// OutcomeOK means records were returned (possibly none after the t0 filter).
	OutcomeOK Outcome = iota
	// OutcomeNoData means the explorer reported no transactions for the address.
	OutcomeNoData
	// OutcomeTransientFailure means attempts were exhausted on network errors,
	// timeouts, throttling or an open circuit.
	OutcomeTransientFailure
	// OutcomePermanentFailure means the explorer rejected the request.
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoData:
		return "no_data"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Failed reports whether the category carries no trustworthy data.
func (o Outcome) Failed() bool {
	return o == OutcomeTransientFailure || o == OutcomePermanentFailure
}

// Tx is a native or internal transaction. Value is a decimal wei string.
type Tx struct {
	Hash        string
	BlockNumber uint64
	Timestamp   int64
	From        string
	To          string
	Value       string
	IsError     bool
}

// TokenTransfer is an ERC-20 transfer. Value is in the token's base units.
type TokenTransfer struct {
	Hash      string
	Timestamp int64
	From      string
	To        string
	Contract  string
	Symbol    string
	Decimals  int
	Value     string
}

// NFTTransfer is an ERC-721 transfer.
type NFTTransfer struct {
	Hash      string
	Timestamp int64
	From      string
	To        string
	Contract  string
	TokenID   string
}

// Collection holds the records of one category and how the fetch went.
// Records is empty whenever Outcome is not OutcomeOK.
type Collection[T any] struct {
	Records []T
	Outcome Outcome
	Detail  string // last error, for logs
}

// RawActivity is everything fetched for one address before a cutoff time.
// Every record has Timestamp < t0. Addresses are lower-cased.
type RawActivity struct {
	Native   Collection[Tx]
	Internal Collection[Tx]
	Token    Collection[TokenTransfer]
	NFT      Collection[NFTTransfer]
}

// Outcomes returns the outcome of every category.
func (r RawActivity) Outcomes() map[Category]Outcome {
	return map[Category]Outcome{
		CategoryNative:   r.Native.Outcome,
		CategoryInternal: r.Internal.Outcome,
		CategoryToken:    r.Token.Outcome,
		CategoryNFT:      r.NFT.Outcome,
	}
}

// Degraded lists the auxiliary categories whose fetch failed, in fetch order.
func (r RawActivity) Degraded() []Category {
	var out []Category
	outcomes := r.Outcomes()
	for _, c := range Categories[1:] {
		if outcomes[c].Failed() {
			out = append(out, c)
		}
	}
	return out
}
