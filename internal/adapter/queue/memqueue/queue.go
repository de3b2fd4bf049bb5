// Package memqueue implements the in-process research job queue and its
// single worker.
//
// The queue is a bounded signal channel, not the source of truth: the job
// store is. An enqueue that finds the channel full is still safe because the
// worker also polls the store for queued jobs on a ticker, so no job is ever
// lost, only picked up a poll interval later.
package memqueue

import (
	"github.com/promptfuse/promptfuse/internal/adapter/observability"
	"github.com/promptfuse/promptfuse/internal/domain"
)

// Queue wakes the worker when a job lands in the store.
type Queue struct {
	signal chan struct{}
}

// NewQueue constructs a queue with the given signal capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{signal: make(chan struct{}, capacity)}
}

// Enqueue signals the worker. Never blocks: a full channel means the worker
// already has wake-ups pending, and the poll ticker covers the rest.
func (q *Queue) Enqueue(_ domain.Context, _ string) error {
	observability.JobsEnqueuedTotal.Inc()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}
