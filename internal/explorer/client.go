// Package explorer fetches raw on-chain activity for an address from an
// Etherscan-compatible block explorer. Each of the four record categories is
// fetched independently and reports its own Outcome; failures never cross
// this package boundary as Go errors.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/circuitbreaker"
	"github.com/mbd888/sybilscan/internal/metrics"
	"github.com/mbd888/sybilscan/internal/retry"
	"github.com/mbd888/sybilscan/internal/traces"
)

const (
	noTransactionsMessage = "No transactions found"
	maxResponseBytes      = 64 << 20
)

var (
	errRejected    = errors.New("explorer rejected request")
	errRateLimited = errors.New("explorer rate limit")
	errCircuitOpen = errors.New("circuit open")
)

// Config tunes the client. Zero values take the defaults.
type Config struct {
	BaseURL         string
	Timeout         time.Duration // per HTTP request
	MaxAttempts     int
	RetryDelay      time.Duration // wait after a transport failure
	RateLimitWait   time.Duration // minimum wait after a throttling response
	RateLimitJitter time.Duration // added uniformly on top of RateLimitWait
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.etherscan.io/v2/api",
		Timeout:         15 * time.Second,
		MaxAttempts:     3,
		RetryDelay:      time.Second,
		RateLimitWait:   time.Second,
		RateLimitJitter: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = d.RateLimitWait
	}
	if c.RateLimitJitter < 0 {
		c.RateLimitJitter = 0
	}
	return c
}

// Client talks to the explorer. It is safe for concurrent use.
type Client struct {
	cfg     Config
	keys    *Rotator
	breaker *circuitbreaker.Breaker
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the per-chain circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client drawing API keys from keys.
func NewClient(cfg Config, keys *Rotator, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		keys:    keys,
		breaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keys == nil {
		c.keys = NewRotator(nil, nil)
	}
	return c
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// Fetch retrieves all four categories for address on the given chain
// concurrently and keeps only records strictly before t0. It always returns;
// per-category failures are reported through each Collection's Outcome.
func (c *Client) Fetch(ctx context.Context, address string, chainID chain.ID, t0 time.Time) RawActivity {
	info, _ := chain.Resolve(string(chainID))
	addr := strings.ToLower(strings.TrimSpace(address))
	cutoff := t0.Unix()

	ctx, span := traces.StartSpan(ctx, "explorer.Fetch",
		traces.Address(addr), traces.Chain(string(info.ID)))
	defer span.End()

	key := string(info.ID)
	var raw RawActivity
	if !c.breaker.Allow(key) {
		c.logger.Warn("explorer circuit open", "chain", key)
		raw = openCircuit()
	} else {
		var g errgroup.Group
		g.Go(func() error {
			recs, out, detail := c.category(ctx, info, CategoryNative, addr)
			raw.Native = Collection[Tx]{Records: filterTxs(toTxs(recs), cutoff), Outcome: out, Detail: detail}
			return nil
		})
		g.Go(func() error {
			recs, out, detail := c.category(ctx, info, CategoryInternal, addr)
			raw.Internal = Collection[Tx]{Records: filterTxs(toTxs(recs), cutoff), Outcome: out, Detail: detail}
			return nil
		})
		g.Go(func() error {
			recs, out, detail := c.category(ctx, info, CategoryToken, addr)
			raw.Token = Collection[TokenTransfer]{Records: filterTokens(toTokens(recs), cutoff), Outcome: out, Detail: detail}
			return nil
		})
		g.Go(func() error {
			recs, out, detail := c.category(ctx, info, CategoryNFT, addr)
			raw.NFT = Collection[NFTTransfer]{Records: filterNFTs(toNFTs(recs), cutoff), Outcome: out, Detail: detail}
			return nil
		})
		_ = g.Wait()
		c.record(ctx, key, raw)
	}

	for cat, out := range raw.Outcomes() {
		metrics.ExplorerRequestsTotal.WithLabelValues(key, string(cat), out.String()).Inc()
		span.SetAttributes(attribute.String("explorer."+string(cat), out.String()))
	}
	return raw
}

// record feeds one Fetch into the breaker as a single success or failure, so
// a half-open probe admits all four categories together.
func (c *Client) record(ctx context.Context, key string, raw RawActivity) {
	if ctx.Err() != nil {
		// caller gave up; only an unfinished probe needs resolving
		if c.breaker.State(key) == circuitbreaker.StateHalfOpen {
			c.breaker.RecordFailure(key)
		}
		return
	}
	for _, out := range raw.Outcomes() {
		if out == OutcomeTransientFailure {
			c.breaker.RecordFailure(key)
			return
		}
	}
	c.breaker.RecordSuccess(key)
}

func openCircuit() RawActivity {
	detail := errCircuitOpen.Error()
	return RawActivity{
		Native:   Collection[Tx]{Outcome: OutcomeTransientFailure, Detail: detail},
		Internal: Collection[Tx]{Outcome: OutcomeTransientFailure, Detail: detail},
		Token:    Collection[TokenTransfer]{Outcome: OutcomeTransientFailure, Detail: detail},
		NFT:      Collection[NFTTransfer]{Outcome: OutcomeTransientFailure, Detail: detail},
	}
}

// category runs the retry loop for one retrieval and classifies the result.
func (c *Client) category(ctx context.Context, info chain.Info, cat Category, addr string) ([]wireRecord, Outcome, string) {
	key := string(info.ID)
	var (
		recs   []wireRecord
		noData bool
	)
	err := retry.Do(ctx, c.cfg.MaxAttempts, c.cfg.RetryDelay, func(attempt int) error {
		r, nd, aerr := c.attempt(ctx, info, cat, addr)
		if aerr != nil {
			if errors.Is(aerr, errRateLimited) {
				metrics.ExplorerRateLimitedTotal.WithLabelValues(key).Inc()
				return retry.After(aerr, c.cfg.RateLimitWait+retry.Jitter(c.cfg.RateLimitJitter))
			}
			if errors.Is(aerr, errRejected) {
				return retry.Permanent(aerr)
			}
			c.logger.Debug("explorer attempt failed",
				"chain", key, "category", string(cat), "attempt", attempt+1, "error", aerr)
			return retry.After(aerr, c.cfg.RetryDelay)
		}
		recs, noData = r, nd
		return nil
	})

	outcome := OutcomeTransientFailure
	switch {
	case err == nil && noData:
		outcome = OutcomeNoData
	case err == nil:
		outcome = OutcomeOK
	case errors.Is(err, errRejected):
		outcome = OutcomePermanentFailure
	}

	if outcome.Failed() {
		c.logger.Warn("explorer category failed",
			"chain", key, "category", string(cat), "outcome", outcome.String(), "error", err)
		return nil, outcome, err.Error()
	}
	return recs, outcome, ""
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// attempt performs a single HTTP round trip. It returns errRateLimited or
// errRejected (wrapped) for explorer-level refusals and any other error for
// transport-level problems.
func (c *Client) attempt(ctx context.Context, info chain.Info, cat Category, addr string) ([]wireRecord, bool, error) {
	q := url.Values{}
	q.Set("chainid", strconv.FormatInt(info.ChainID, 10))
	q.Set("module", "account")
	q.Set("action", cat.action())
	q.Set("address", addr)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("sort", "asc")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(cat.pageSize()))
	if k := c.keys.Next(info.ID); k != "" {
		q.Set("apikey", k)
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build request: %v", errRejected, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("request %s: %w", cat.action(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", cat.action(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("%s: http status %d", cat.action(), resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", cat.action(), err)
	}

	if env.Status == "1" {
		var recs []wireRecord
		if err := json.Unmarshal(env.Result, &recs); err != nil {
			return nil, false, fmt.Errorf("decode %s result: %w", cat.action(), err)
		}
		return recs, false, nil
	}
	if env.Message == noTransactionsMessage {
		return nil, true, nil
	}

	detail := resultText(env.Result)
	if strings.Contains(strings.ToLower(detail), "rate limit") {
		return nil, false, fmt.Errorf("%w: %s", errRateLimited, detail)
	}
	return nil, false, fmt.Errorf("%w: %s: %s", errRejected, env.Message, detail)
}

// resultText renders the result field of an error envelope, which the
// explorer sends as a plain string.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
