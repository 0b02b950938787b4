package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/explorer"
	"github.com/mbd888/sybilscan/internal/features"
	"github.com/mbd888/sybilscan/internal/featuretable"
	"github.com/mbd888/sybilscan/internal/logging"
	"github.com/mbd888/sybilscan/internal/model"
	"github.com/mbd888/sybilscan/internal/scoring"
)

const cachedAddr = "0xaaaa000000000000000000000000000000000001"

var fixedNow = time.Unix(1700000000, 0)

// countingSource records any network fetch. Batch jobs must never fetch.
type countingSource struct{ calls atomic.Int32 }

func (s *countingSource) Fetch(context.Context, string, chain.ID, time.Time) explorer.RawActivity {
	s.calls.Add(1)
	return explorer.RawActivity{}
}

func newEngine(t *testing.T, src scoring.DataSource) *scoring.Engine {
	t.Helper()
	dir := filepath.Join("..", "model", "testdata")
	m, err := model.Load(model.Paths{
		Classifier:      filepath.Join(dir, "lgb_classifier.json"),
		AnomalyDetector: filepath.Join(dir, "iforest.json"),
		FeatureNames:    filepath.Join(dir, "feature_names.json"),
	}, model.DefaultBounds())
	require.NoError(t, err)

	table := featuretable.NewMemory(map[string]features.Vector{
		cachedAddr: features.FromMap(map[string]float64{"buy_count": 1000, "wallet_age_days": 10, "tx_count": 1200}),
	})
	return scoring.NewEngine(m, table, src).WithLogger(logging.Discard())
}

func newManager(t *testing.T, scorer Scorer, cfg Config) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), scorer, cfg).
		WithLogger(logging.Discard()).
		WithClock(func() time.Time { return fixedNow })
}

func addr(i int) string {
	return fmt.Sprintf("0x%040x", i+0x1000)
}

func TestBatchOfThree(t *testing.T) {
	src := &countingSource{}
	m := newManager(t, newEngine(t, src), Config{})

	id, err := m.Submit(context.Background(), []string{
		"0xAAAA000000000000000000000000000000000001",
		addr(1),
		addr(2),
	}, "eth")
	require.NoError(t, err)
	m.Wait()

	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Completed)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, fixedNow.UTC(), *job.CompletedAt)

	require.Len(t, job.Results, 3)
	assert.Equal(t, cachedAddr, job.Results[0].Address)
	assert.Equal(t, scoring.SourceCached, job.Results[0].DataSource)
	assert.Equal(t, scoring.SourceNotFound, job.Results[1].DataSource)
	assert.Equal(t, addr(2), job.Results[2].Address)

	sum := job.Summarize()
	assert.Equal(t, 1, sum.Scored())
	assert.Equal(t, 2, sum.NotFound)
	assert.Zero(t, sum.Error)
	assert.Zero(t, src.calls.Load())
}

func TestProgressAtEverySuspension(t *testing.T) {
	var (
		mu        sync.Mutex
		snapshots []*Job
	)
	m := newManager(t, newEngine(t, &countingSource{}), Config{BatchSize: 2, Workers: 3})
	var id string
	m.WithYielder(YieldFunc(func(ctx context.Context) error {
		job, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		mu.Lock()
		snapshots = append(snapshots, job)
		mu.Unlock()
		return nil
	}))

	addrs := make([]string, 5)
	for i := range addrs {
		addrs[i] = addr(i)
	}
	job := &Job{ID: "job-1", Status: StatusPending, Chain: "eth", Addresses: addrs, Total: len(addrs)}
	require.NoError(t, m.store.Create(context.Background(), job))
	id = job.ID

	require.NoError(t, m.Run(context.Background(), id))

	require.Len(t, snapshots, 3)
	var completed []int
	for _, s := range snapshots {
		assert.LessOrEqual(t, s.Completed, s.Total)
		assert.Len(t, s.Results, s.Completed)
		assert.Equal(t, StatusRunning, s.Status)
		completed = append(completed, s.Completed)
	}
	assert.Equal(t, []int{2, 4, 5}, completed)

	final, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, final.Status)
	assert.Equal(t, final.Total, final.Completed)
	for i, r := range final.Results {
		assert.Equal(t, addrs[i], r.Address)
	}
}

func TestCancelledRunStaysRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newManager(t, newEngine(t, &countingSource{}), Config{BatchSize: 2})
	m.WithYielder(YieldFunc(func(ctx context.Context) error {
		cancel()
		return GoschedYielder{}.Yield(ctx)
	}))

	job := &Job{ID: "job-2", Status: StatusPending, Chain: "eth", Addresses: []string{addr(0), addr(1), addr(2)}, Total: 3}
	require.NoError(t, m.store.Create(context.Background(), job))

	err := m.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	got, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 2, got.Completed)
	assert.Nil(t, got.CompletedAt)
}

func TestSubmitValidation(t *testing.T) {
	m := newManager(t, newEngine(t, &countingSource{}), Config{MaxAddresses: 2})

	_, err := m.Submit(context.Background(), nil, "eth")
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = m.Submit(context.Background(), []string{addr(0), addr(1), addr(2)}, "eth")
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	_, err = m.Submit(context.Background(), []string{addr(0), "0x1234"}, "eth")
	assert.ErrorIs(t, err, scoring.ErrInvalidAddress)
	assert.Contains(t, err.Error(), "addresses[1]")

	n, err := m.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitUnsupportedChainFallsBack(t *testing.T) {
	m := newManager(t, newEngine(t, &countingSource{}), Config{})

	id, err := m.Submit(context.Background(), []string{addr(0)}, "solana")
	require.NoError(t, err)
	m.Wait()

	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "eth", job.Chain)
	assert.Equal(t, "eth", job.Results[0].Chain)
}

type flakyScorer struct{ fail string }

func (f flakyScorer) ScoreCached(_ context.Context, address, chainID string) (scoring.Result, error) {
	if address == f.fail {
		return scoring.Result{}, errors.New("table unavailable")
	}
	return scoring.Result{Address: address, Chain: chainID, Risk: scoring.RiskUnknown, DataSource: scoring.SourceNotFound}, nil
}

func TestScorerErrorIsolatedToAddress(t *testing.T) {
	m := newManager(t, flakyScorer{fail: addr(1)}, Config{})

	id, err := m.Submit(context.Background(), []string{addr(0), addr(1), addr(2)}, "eth")
	require.NoError(t, err)
	m.Wait()

	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, job.Status)
	assert.Equal(t, scoring.RiskError, job.Results[1].Risk)
	assert.Equal(t, "table unavailable", job.Results[1].Error)

	sum := job.Summarize()
	assert.Equal(t, 1, sum.Error)
	assert.Equal(t, 2, sum.NotFound)
}

func TestGetUnknownJob(t *testing.T) {
	m := newManager(t, flakyScorer{}, Config{})
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := newManager(t, flakyScorer{}, Config{})
	id, err := m.Submit(context.Background(), []string{addr(0)}, "eth")
	require.NoError(t, err)
	m.Wait()

	a, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	a.Results[0].Address = "mutated"
	a.Addresses[0] = "mutated"
	a.Completed = 99

	b, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, addr(0), b.Results[0].Address)
	assert.Equal(t, addr(0), b.Addresses[0])
	assert.Equal(t, 1, b.Completed)
}

func TestStoreTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &Job{ID: "j", Status: StatusPending, Total: 1}))
	assert.Error(t, s.Create(ctx, &Job{ID: "j"}))

	assert.ErrorIs(t, s.AppendResults(ctx, "j", []scoring.Result{{}}), ErrInvalidTransition)
	require.NoError(t, s.MarkRunning(ctx, "j"))
	assert.ErrorIs(t, s.MarkRunning(ctx, "j"), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkComplete(ctx, "j", fixedNow), ErrInvalidTransition)

	assert.ErrorIs(t, s.AppendResults(ctx, "j", []scoring.Result{{}, {}}), ErrOverflow)
	require.NoError(t, s.AppendResults(ctx, "j", []scoring.Result{{}}))
	require.NoError(t, s.MarkComplete(ctx, "j", fixedNow))
	assert.ErrorIs(t, s.MarkRunning(ctx, "j"), ErrInvalidTransition)

	assert.ErrorIs(t, s.MarkRunning(ctx, "nope"), ErrJobNotFound)
}

func TestViewJSON(t *testing.T) {
	job := &Job{
		ID:        "abc",
		Status:    StatusRunning,
		Chain:     "eth",
		Addresses: []string{addr(0), addr(1)},
		Results: []scoring.Result{
			{Address: addr(0), Risk: scoring.RiskHigh, DataSource: scoring.SourceCached},
		},
		Total:     2,
		Completed: 1,
		CreatedAt: fixedNow.UTC(),
	}

	data, err := json.Marshal(job.View())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "abc", got["job_id"])
	assert.Equal(t, "running", got["status"])
	assert.Equal(t, "1/2", got["progress"])
	assert.Nil(t, got["completed_at"])
	assert.Contains(t, got, "completed_at")
	summary := got["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["high"])
	assert.Equal(t, float64(0), summary["not_found"])
}

func TestCloseWaitsForRuns(t *testing.T) {
	m := newManager(t, flakyScorer{}, Config{BatchSize: 1})
	_, err := m.Submit(context.Background(), []string{addr(0), addr(1)}, "eth")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Close(ctx))
}

func TestSubmitAfterClose(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, flakyScorer{}, Config{}).WithLogger(logging.Discard())
	require.NoError(t, m.Close(context.Background()))

	_, err := m.Submit(context.Background(), []string{addr(0)}, "eth")
	assert.ErrorIs(t, err, ErrClosed)
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitConcurrentWithClose(t *testing.T) {
	m := newManager(t, flakyScorer{}, Config{BatchSize: 1})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Submit(context.Background(), []string{addr(i)}, "eth")
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Close(ctx))
	wg.Wait()

	_, err := m.Submit(context.Background(), []string{addr(0)}, "eth")
	assert.ErrorIs(t, err, ErrClosed)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*Job
}

func (n *recordingNotifier) JobCompleted(_ context.Context, job *Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func TestNotifierCalledOnCompletion(t *testing.T) {
	n := &recordingNotifier{}
	m := newManager(t, flakyScorer{}, Config{}).WithNotifier(n)

	id, err := m.Submit(context.Background(), []string{addr(0)}, "eth", WithCallback("https://hooks.example/done"))
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), []string{addr(1)}, "eth")
	require.NoError(t, err)
	m.Wait()

	require.Len(t, n.jobs, 1)
	assert.Equal(t, id, n.jobs[0].ID)
	assert.Equal(t, StatusComplete, n.jobs[0].Status)
	assert.Equal(t, "https://hooks.example/done", n.jobs[0].CallbackURL)
}
