// Package queue provides the blocking job FIFO shared by all worker lanes.
package queue

import (
	"context"
	"errors"
	"sync"

	"yqhp/crossval/pkg/types"
)

var (
	// ErrClosed is returned by Dequeue once the queue is closed and empty,
	// and by Enqueue after Close.
	ErrClosed = errors.New("work queue closed")
	// ErrBarrierAwaited is returned by Enqueue once Join has been called.
	ErrBarrierAwaited = errors.New("work queue barrier already awaited")
	// ErrNotDequeued is returned by MarkDone without a matching Dequeue.
	ErrNotDequeued = errors.New("mark done without a dequeued job")
)

// WorkQueue is a thread-safe FIFO with an outstanding-work counter. A job
// counts as outstanding from Enqueue until MarkDone.
type WorkQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	drained  *sync.Cond

	items       []types.Job
	outstanding int
	inFlight    int
	joined      bool
	closed      bool
}

// New creates an empty WorkQueue.
func New() *WorkQueue {
	q := &WorkQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job.
func (q *WorkQueue) Enqueue(job types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.joined {
		return ErrBarrierAwaited
	}
	q.items = append(q.items, job)
	q.outstanding++
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the oldest job, blocking until one is
// available, the queue is closed and empty, or ctx is done. A done ctx wins
// over queued jobs.
func (q *WorkQueue) Dequeue(ctx context.Context) (types.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}
	for len(q.items) == 0 {
		if q.closed {
			return types.Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return types.Job{}, err
		}
		q.notEmpty.Wait()
	}

	job := q.items[0]
	q.items[0] = types.Job{}
	q.items = q.items[1:]
	q.inFlight++
	return job, nil
}

// MarkDone records that a dequeued job has finished.
func (q *WorkQueue) MarkDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == 0 {
		return ErrNotDequeued
	}
	q.inFlight--
	q.outstanding--
	if q.outstanding == 0 {
		q.drained.Broadcast()
	}
	return nil
}

// Join blocks until every enqueued job has been dequeued and marked done,
// or ctx is done. No job may be enqueued once Join has been called.
func (q *WorkQueue) Join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.drained.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.joined = true
	for q.outstanding > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.drained.Wait()
	}
	return nil
}

// DrainPending removes every job not yet dequeued, counts each as done and
// returns them in queue order.
func (q *WorkQueue) DrainPending() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.items
	q.items = nil
	q.outstanding -= len(jobs)
	if q.outstanding == 0 {
		q.drained.Broadcast()
	}
	return jobs
}

// Close wakes all blocked dequeuers. Jobs still queued can be dequeued;
// after that Dequeue returns ErrClosed.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
}

// Len returns the number of jobs waiting to be dequeued.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Outstanding returns the number of jobs enqueued but not yet marked done.
func (q *WorkQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
