package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/sybilscan/internal/scoring"
)

// Store persists job state. Implementations return copies; callers never see
// shared mutable state.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	MarkRunning(ctx context.Context, id string) error
	// AppendResults appends results and advances Completed in one step.
	AppendResults(ctx context.Context, id string, results []scoring.Result) error
	MarkComplete(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory Store. State is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

// advance moves a job forward to status. Caller holds s.mu.
func (s *MemoryStore) advance(id string, to Status) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if to.rank() != j.Status.rank()+1 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return j, nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.advance(id, StatusRunning)
	return err
}

func (s *MemoryStore) AppendResults(_ context.Context, id string, results []scoring.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: append to %s job", ErrInvalidTransition, j.Status)
	}
	if j.Completed+len(results) > j.Total {
		return fmt.Errorf("%w: %d + %d > %d", ErrOverflow, j.Completed, len(results), j.Total)
	}
	j.Results = append(j.Results, results...)
	j.Completed += len(results)
	return nil
}

func (s *MemoryStore) MarkComplete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Completed != j.Total {
		return fmt.Errorf("%w: %d of %d addresses scored", ErrInvalidTransition, j.Completed, j.Total)
	}
	if _, err := s.advance(id, StatusComplete); err != nil {
		return err
	}
	j.CompletedAt = &at
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs), nil
}
