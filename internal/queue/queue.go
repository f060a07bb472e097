package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when enqueueing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded in-process FIFO. Handlers may enqueue successors
// from inside a worker without blocking.
type Queue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
	ready  chan struct{}
	done   chan struct{}

	// outstanding counts jobs enqueued and not yet marked done. idle is
	// closed while it is zero.
	outstanding int
	idle        chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		idle:  idle,
	}
}

// Enqueue implements Enqueuer.
func (q *Queue) Enqueue(_ context.Context, job Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Next blocks until a job is available, the queue is closed and empty, or
// ctx is done. The caller must call Done after processing the job.
func (q *Queue) Next(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs[0] = Job{}
			q.jobs = q.jobs[1:]
			more := len(q.jobs) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Job{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Done marks a job returned by Next as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return
	}
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Idle returns a channel that is closed once every job enqueued so far is
// done.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Close stops accepting jobs. Waiting jobs are still handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
