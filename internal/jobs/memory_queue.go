package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a Queue held in process memory. Used by tests and by
// single-process deployments that accept losing pending jobs on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     uint64
	order   map[string]uint64
	pending map[string]Job
	running map[string]Job
	results map[string]Result
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		order:   make(map[string]uint64),
		pending: make(map[string]Job),
		running: make(map[string]Job),
		results: make(map[string]Result),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (Handle, error) {
	if job.ID == "" || job.Name == "" {
		return Handle{}, errors.New("jobs: enqueue: id and name required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.pending[job.ID]
	_, running := q.running[job.ID]
	_, done := q.results[job.ID]
	if queued || running || done {
		return job.handle(), fmt.Errorf("jobs: enqueue %s %s: %w", job.Name, job.ID, ErrDuplicate)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.seq++
	q.order[job.ID] = q.seq
	q.pending[job.ID] = job
	return job.handle(), nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, max int) ([]Job, error) {
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Job
	for _, job := range q.pending {
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	q.sortLocked(due)
	if len(due) > max {
		due = due[:max]
	}
	for _, job := range due {
		delete(q.pending, job.ID)
		q.running[job.ID] = job
	}
	return due, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job Job, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, job.ID)
	delete(q.order, job.ID)
	q.results[job.ID] = result
	return nil
}

// Pending returns queued jobs ordered by run-at time.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.pending))
	for _, job := range q.pending {
		out = append(out, job)
	}
	q.sortLocked(out)
	return out
}

// Result returns the outcome of a finished job.
func (q *MemoryQueue) Result(id string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[id]
	return r, ok
}

func (q *MemoryQueue) sortLocked(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].RunAt.Equal(jobs[j].RunAt) {
			return q.order[jobs[i].ID] < q.order[jobs[j].ID]
		}
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})
}
