// Package scoring turns an address into a sybil risk result, either from the
// precomputed reference table (cached path) or from live chain data.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/explorer"
	"github.com/mbd888/sybilscan/internal/features"
	"github.com/mbd888/sybilscan/internal/featuretable"
	"github.com/mbd888/sybilscan/internal/metrics"
	"github.com/mbd888/sybilscan/internal/model"
	"github.com/mbd888/sybilscan/internal/traces"
	"github.com/mbd888/sybilscan/internal/validation"
)

// ErrInvalidAddress is returned for input that is not a 0x-prefixed
// 40-hex-character address. Nothing is fetched for it.
var ErrInvalidAddress = errors.New("invalid address")

// errChainDataUnavailable marks a live score that could not get native
// transaction history.
var errChainDataUnavailable = errors.New("chain data unavailable")

// WarmUpAddress is scored once at startup to touch every code path.
const WarmUpAddress = "0x0000000000000000000000000000000000000000"

// DataSource fetches raw activity for an address.
type DataSource interface {
	Fetch(ctx context.Context, address string, chainID chain.ID, t0 time.Time) explorer.RawActivity
}

// Model scores feature vectors.
type Model interface {
	Predict(v features.Vector) model.Prediction
	Explain(v features.Vector, n int) []model.Contribution
}

// Engine scores addresses. It is safe for concurrent use.
type Engine struct {
	model  Model
	table  featuretable.Table
	source DataSource
	native chain.ID
	topN   int
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates a scoring engine. source may be nil when only the cached
// path is used.
func NewEngine(m Model, table featuretable.Table, source DataSource) *Engine {
	return &Engine{
		model:  m,
		table:  table,
		source: source,
		native: chain.Default,
		topN:   model.DefaultTopFeatures,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock replaces the time source used for the default cutoff.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithNativeChain sets the chain the reference table was built from.
func (e *Engine) WithNativeChain(id chain.ID) *Engine {
	e.native = id
	return e
}

// normalize validates the address and resolves the chain.
func (e *Engine) normalize(address, chainID string) (string, chain.Info, error) {
	addr := validation.NormalizeAddress(address)
	if !validation.IsAddress(addr) {
		return "", chain.Info{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	info, fellBack := chain.Resolve(chainID)
	if fellBack {
		e.logger.Warn("unsupported chain, using default", "chain", chainID, "default", string(info.ID))
	}
	return addr, info, nil
}

// ScoreCached scores an address from the reference table only. It never
// touches the network: a miss, or a chain other than the native one, yields
// a not_found result.
func (e *Engine) ScoreCached(ctx context.Context, address, chainID string) (Result, error) {
	addr, info, err := e.normalize(address, chainID)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	res := e.cached(addr, info)
	metrics.ScoreDuration.WithLabelValues("cached").Observe(time.Since(start).Seconds())
	metrics.ScoresTotal.WithLabelValues(string(res.DataSource), string(res.Risk)).Inc()
	return res, nil
}

func (e *Engine) cached(addr string, info chain.Info) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic scoring cached address", "address", addr, "panic", r)
			res = failed(addr, string(info.ID), fmt.Sprintf("internal error: %v", r))
		}
	}()

	if info.ID == e.native && e.table != nil {
		if v, ok := e.table.Lookup(addr); ok {
			return e.score(addr, string(info.ID), SourceCached, v)
		}
	}
	return notFound(addr, string(info.ID))
}

// ScoreLive scores an address, preferring the reference table on the native
// chain and otherwise fetching history before t0 (now when nil). Data and
// model failures are reported inside the result; the error is non-nil only
// for invalid input.
func (e *Engine) ScoreLive(ctx context.Context, address, chainID string, t0 *time.Time) (Result, error) {
	addr, info, err := e.normalize(address, chainID)
	if err != nil {
		return Result{}, err
	}

	ctx, span := traces.StartSpan(ctx, "scoring.ScoreLive", traces.Address(addr), traces.Chain(string(info.ID)))
	defer span.End()

	start := time.Now()
	res := e.live(ctx, addr, info, t0)
	path := "live"
	if res.DataSource == SourceCached {
		path = "cached"
	}
	metrics.ScoreDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	metrics.ScoresTotal.WithLabelValues(string(res.DataSource), string(res.Risk)).Inc()

	span.SetAttributes(traces.Source(string(res.DataSource)))
	if res.Error != "" {
		traces.RecordError(span, errors.New(res.Error))
	}
	return res, nil
}

func (e *Engine) live(ctx context.Context, addr string, info chain.Info, t0 *time.Time) (res Result) {
	chainID := string(info.ID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic scoring address", "address", addr, "chain", chainID, "panic", r)
			res = failed(addr, chainID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if info.ID == e.native && e.table != nil {
		if v, ok := e.table.Lookup(addr); ok {
			return e.score(addr, chainID, SourceCached, v)
		}
	}

	if e.source == nil {
		return failed(addr, chainID, errChainDataUnavailable.Error()+": no data source configured")
	}

	cutoff := e.now()
	if t0 != nil {
		cutoff = *t0
	}

	raw := e.source.Fetch(ctx, addr, info.ID, cutoff)
	if out := raw.Native.Outcome; out.Failed() {
		e.logger.Warn("native history unavailable",
			"address", addr, "chain", chainID, "outcome", out.String(), "error", raw.Native.Detail)
		return failed(addr, chainID, fmt.Sprintf("%s: native transactions %s", errChainDataUnavailable, out))
	}

	v := features.Extract(raw, addr, cutoff)
	res = e.score(addr, chainID, SourceLive, v)
	for _, c := range raw.Degraded() {
		res.Degraded = append(res.Degraded, string(c))
	}
	if len(res.Degraded) > 0 {
		e.logger.Info("scored with degraded data", "address", addr, "chain", chainID, "degraded", res.Degraded)
	}
	return res
}

func (e *Engine) score(addr, chainID string, src Source, v features.Vector) Result {
	p := e.model.Predict(v)
	return assemble(addr, chainID, src, v, p, e.model.Explain(v, e.topN))
}

// WarmUp scores the zero address on the cached path, falling back to the
// zero vector when the address is not in the table, so the first real request
// does not pay one-time costs.
func (e *Engine) WarmUp(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("warm-up panicked", "panic", r)
		}
	}()

	res, err := e.ScoreCached(ctx, WarmUpAddress, string(e.native))
	if err != nil {
		e.logger.Warn("warm-up failed", "error", err)
		return
	}
	if !res.Scored() {
		_ = e.score(WarmUpAddress, string(e.native), SourceCached, features.Zero())
	}
	e.logger.Info("scoring engine warmed up", "duration", time.Since(start))
}
