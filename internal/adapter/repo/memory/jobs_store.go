// Package memory implements the in-memory job registry.
//
// Jobs live for the lifetime of the process; there is no persistence. The
// store is the only shared mutable state in the core, so every operation
// copies values in and out behind a single lock.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/promptfuse/promptfuse/internal/domain"
)

// JobStore keeps jobs in a process-wide map guarded by an RWMutex. No reader
// ever observes a partially updated job.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

// NewJobStore constructs an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]domain.Job), now: func() time.Time { return time.Now().UTC() }}
}

// Create registers a new queued job and returns its snapshot.
func (s *JobStore) Create(ctx domain.Context, query string, opts domain.ResearchOptions, userID string) (domain.Job, error) {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Create")
	defer span.End()

	now := s.now()
	j := domain.Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    domain.JobQueued,
		Progress:  0,
		Query:     query,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j, nil
}

// Get returns a snapshot of the job. When both the caller's userID and the
// job's userID are non-empty and unequal, the job is not found.
func (s *JobStore) Get(ctx domain.Context, id, userID string) (domain.Job, error) {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Get")
	defer span.End()

	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	if userID != "" && j.UserID != "" && j.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// UpdateStatus transitions a job. The first transition to running stamps
// StartedAt; a transition to a terminal status stamps CompletedAt. Only the
// queued -> running -> {completed, failed} order is permitted.
func (s *JobStore) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus) error {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.UpdateStatus")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	if err := validTransition(j.Status, status); err != nil {
		return err
	}
	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if status == domain.JobRunning && j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	if status.Terminal() && j.CompletedAt == nil {
		completed := now
		j.CompletedAt = &completed
	}
	s.jobs[id] = j
	return nil
}

func validTransition(from, to domain.JobStatus) error {
	ok := false
	switch from {
	case domain.JobQueued:
		ok = to == domain.JobRunning || to == domain.JobFailed
	case domain.JobRunning:
		ok = to == domain.JobCompleted || to == domain.JobFailed
	}
	if !ok && from != to {
		return fmt.Errorf("op=job.update_status: %w: %s -> %s", domain.ErrInvalidArgument, from, to)
	}
	return nil
}

// UpdateProgress rounds progress to the nearest multiple of 5 and clamps it
// to [0,100] before storing.
func (s *JobStore) UpdateProgress(ctx domain.Context, id string, progress, remainingSeconds, currentIteration, totalIterations int) error {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.UpdateProgress")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	j.Progress = roundProgress(progress)
	j.UpdatedAt = s.now()
	if remainingSeconds >= 0 {
		j.EstimatedRemainingSeconds = remainingSeconds
	}
	if currentIteration > 0 {
		j.CurrentIteration = currentIteration
	}
	if totalIterations > 0 {
		j.TotalIterations = totalIterations
	}
	s.jobs[id] = j
	return nil
}

func roundProgress(p int) int {
	r := ((p + 2) / 5) * 5
	if p < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}
	return r
}

// SetResult completes the job: status completed, progress 100.
func (s *JobStore) SetResult(ctx domain.Context, id string, result domain.ResearchJobResult) error {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.SetResult")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.set_result: %w", domain.ErrNotFound)
	}
	if err := validTransition(j.Status, domain.JobCompleted); err != nil {
		return err
	}
	now := s.now()
	j.Status = domain.JobCompleted
	j.Progress = 100
	j.Result = &result
	j.Error = nil
	j.UpdatedAt = now
	j.EstimatedRemainingSeconds = 0
	if j.CompletedAt == nil {
		completed := now
		j.CompletedAt = &completed
	}
	s.jobs[id] = j
	return nil
}

// SetError fails the job: status failed, progress reset to 0.
func (s *JobStore) SetError(ctx domain.Context, id string, jobErr domain.JobError) error {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.SetError")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.set_error: %w", domain.ErrNotFound)
	}
	if err := validTransition(j.Status, domain.JobFailed); err != nil {
		return err
	}
	now := s.now()
	j.Status = domain.JobFailed
	j.Progress = 0
	j.Error = &jobErr
	j.UpdatedAt = now
	if j.CompletedAt == nil {
		completed := now
		j.CompletedAt = &completed
	}
	s.jobs[id] = j
	return nil
}

// ListQueued returns queued jobs in creation order.
func (s *JobStore) ListQueued(ctx domain.Context) ([]domain.Job, error) {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.ListQueued")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// Cleanup removes terminal jobs older than maxAge and reports how many were
// dropped.
func (s *JobStore) Cleanup(ctx domain.Context, maxAge time.Duration) int {
	_, span := otel.Tracer("repo.jobs").Start(ctx, "jobs.Cleanup")
	defer span.End()

	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
