// Package jobs runs batch scoring jobs over the cached scoring path and keeps
// their state in memory for the life of the process.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sybilscan/internal/scoring"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrEmptyBatch        = errors.New("no addresses submitted")
	ErrBatchTooLarge     = errors.New("too many addresses")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrOverflow          = errors.New("results exceed job total")
	ErrClosed            = errors.New("job manager is closed")
)

// Status is the lifecycle state of a job. It only moves forward.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusComplete:
		return 2
	}
	return -1
}

// Job is a batch scoring job. Completed never exceeds Total.
type Job struct {
	ID          string           `json:"job_id"`
	Status      Status           `json:"status"`
	Chain       string           `json:"chain"`
	Addresses   []string         `json:"addresses"`
	Results     []scoring.Result `json:"results"`
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	CallbackURL string           `json:"callback_url,omitempty"`
}

// clone deep-copies the job. Result pointer fields are never mutated after
// scoring, so they are shared.
func (j *Job) clone() *Job {
	cp := *j
	cp.Addresses = append([]string(nil), j.Addresses...)
	cp.Results = append(make([]scoring.Result, 0, len(j.Results)), j.Results...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Progress renders "completed/total".
func (j *Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.Completed, j.Total)
}

// Summary counts results per outcome.
type Summary struct {
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	NotFound int `json:"not_found"`
	Error    int `json:"error"`
}

// Scored is the number of results that carry a score.
func (s Summary) Scored() int {
	return s.High + s.Medium + s.Low
}

// Summarize counts the job's results.
func (j *Job) Summarize() Summary {
	var s Summary
	for _, r := range j.Results {
		switch {
		case r.DataSource == scoring.SourceNotFound:
			s.NotFound++
		case r.Risk == scoring.RiskError:
			s.Error++
		case r.Risk == scoring.RiskHigh:
			s.High++
		case r.Risk == scoring.RiskMedium:
			s.Medium++
		case r.Risk == scoring.RiskLow:
			s.Low++
		}
	}
	return s
}

// View is the job as reported to clients. When results are paged, Summary
// still covers every result.
type View struct {
	*Job
	Progress   string  `json:"progress"`
	Summary    Summary `json:"summary"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// View builds the client representation.
func (j *Job) View() View {
	return View{Job: j, Progress: j.Progress(), Summary: j.Summarize()}
}
