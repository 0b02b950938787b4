package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/metrics"
	"github.com/mbd888/sybilscan/internal/scoring"
	"github.com/mbd888/sybilscan/internal/traces"
	"github.com/mbd888/sybilscan/internal/validation"
)

// Defaults
const (
	DefaultBatchSize    = 1000
	DefaultWorkers      = 4
	DefaultMaxAddresses = 100000
)

// Scorer scores one address from the reference table. It must not do network I/O.
type Scorer interface {
	ScoreCached(ctx context.Context, address, chainID string) (scoring.Result, error)
}

// Yielder is the suspension point between batches. Returning an error stops
// the run.
type Yielder interface {
	Yield(ctx context.Context) error
}

// YieldFunc adapts a function to Yielder.
type YieldFunc func(ctx context.Context) error

func (f YieldFunc) Yield(ctx context.Context) error { return f(ctx) }

// GoschedYielder lets other goroutines run and honours cancellation.
type GoschedYielder struct{}

func (GoschedYielder) Yield(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// Notifier is told about jobs that reached complete.
type Notifier interface {
	JobCompleted(ctx context.Context, job *Job)
}

// SubmitOption sets optional job fields.
type SubmitOption func(*Job)

// WithCallback asks for a notification at url when the job completes.
func WithCallback(url string) SubmitOption {
	return func(j *Job) { j.CallbackURL = url }
}

// Config tunes batch execution.
type Config struct {
	BatchSize    int
	Workers      int
	MaxAddresses int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAddresses <= 0 {
		c.MaxAddresses = DefaultMaxAddresses
	}
	return c
}

// Manager accepts batch jobs and runs them in the background.
type Manager struct {
	store    Store
	scorer   Scorer
	cfg      Config
	yielder  Yielder
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
}

// NewManager creates a job manager. Runs launched by Submit live until they
// finish or Close is called.
func NewManager(store Store, scorer Scorer, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		scorer:  scorer,
		cfg:     cfg.withDefaults(),
		yielder: GoschedYielder{},
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithYielder replaces the between-batch suspension point.
func (m *Manager) WithYielder(y Yielder) *Manager {
	m.yielder = y
	return m
}

// WithNotifier reports completed jobs to n.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithLogger adds a logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithClock sets the clock used for job timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Validate normalizes a batch and rejects it when any address is malformed.
func (m *Manager) Validate(addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(addresses) > m.cfg.MaxAddresses {
		return nil, fmt.Errorf("%w: %d exceeds limit of %d", ErrBatchTooLarge, len(addresses), m.cfg.MaxAddresses)
	}
	out := make([]string, len(addresses))
	for i, a := range addresses {
		n := validation.NormalizeAddress(a)
		if !validation.IsAddress(n) {
			return nil, fmt.Errorf("%w: addresses[%d] %q", scoring.ErrInvalidAddress, i, a)
		}
		out[i] = n
	}
	return out, nil
}

// Submit records a pending job and starts scoring it in the background.
func (m *Manager) Submit(ctx context.Context, addresses []string, chainID string, opts ...SubmitOption) (string, error) {
	addrs, err := m.Validate(addresses)
	if err != nil {
		return "", err
	}
	info, fellBack := chain.Resolve(chainID)
	if fellBack {
		m.logger.Warn("unsupported chain, using default", "chain", chainID, "default", info.ID)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Chain:     string(info.ID),
		Addresses: addrs,
		Results:   []scoring.Result{},
		Total:     len(addrs),
		CreatedAt: m.now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.Create(ctx, job); err != nil {
		m.wg.Done()
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()

	go func() {
		defer m.wg.Done()
		if err := m.Run(m.ctx, job.ID); err != nil {
			m.logger.Error("job run failed", "job_id", job.ID, "error", err)
		}
	}()
	return job.ID, nil
}

// Run scores a pending job batch by batch. If ctx is cancelled the job stays
// running with the batches scored so far.
func (m *Manager) Run(ctx context.Context, id string) (err error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Run", traces.JobID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.MarkRunning(ctx, id); err != nil {
		return err
	}
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := m.now()
	m.logger.Info("job started", "job_id", id, "total", job.Total, "chain", job.Chain)

	for lo := 0; lo < len(job.Addresses); lo += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return m.abandon(id, err)
		}
		hi := min(lo+m.cfg.BatchSize, len(job.Addresses))
		results, err := m.scoreBatch(ctx, job.Addresses[lo:hi], job.Chain)
		if err != nil {
			return m.abandon(id, err)
		}
		if err := m.store.AppendResults(ctx, id, results); err != nil {
			return err
		}
		metrics.JobAddressesTotal.Add(float64(len(results)))

		if err := m.yielder.Yield(ctx); err != nil {
			return m.abandon(id, err)
		}
	}

	if err := m.store.MarkComplete(ctx, id, m.now().UTC()); err != nil {
		return err
	}
	metrics.JobsCompletedTotal.Inc()
	m.logger.Info("job complete", "job_id", id, "total", job.Total, "duration", m.now().Sub(start))

	if m.notifier != nil && job.CallbackURL != "" {
		done, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		m.notifier.JobCompleted(ctx, done)
	}
	return nil
}

func (m *Manager) abandon(id string, err error) error {
	m.logger.Warn("job interrupted, left running", "job_id", id, "error", err)
	return fmt.Errorf("job %s interrupted: %w", id, err)
}

// scoreBatch scores addresses on a bounded worker pool, preserving order.
func (m *Manager) scoreBatch(ctx context.Context, addrs []string, chainID string) ([]scoring.Result, error) {
	results := make([]scoring.Result, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i, addr := range addrs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := m.scorer.ScoreCached(gctx, addr, chainID)
			if err != nil {
				res = scoring.ErrorResult(addr, chainID, err.Error())
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// Wait blocks until every launched run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels in-flight runs and waits for them to return, or for ctx.
// Submit fails with ErrClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
