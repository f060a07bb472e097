package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Failure is a dead-lettered job.
type Failure struct {
	Job Job
	Err error
	At  time.Time
}

// Pool runs a fixed number of workers over a Queue. Handler errors are
// logged and dead-lettered; they never stop the pool.
type Pool struct {
	queue    *Queue
	workers  int
	logger   *slog.Logger
	handlers map[Stage]Handler

	mu     sync.Mutex
	failed []Failure
}

// NewPool creates a pool with at least one worker.
func NewPool(q *Queue, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:    q,
		workers:  workers,
		logger:   logger.With(slog.String("component", "pool")),
		handlers: make(map[Stage]Handler),
	}
}

// Handle registers the handler for a stage. It must be called before Run.
func (p *Pool) Handle(stage Stage, h Handler) {
	p.handlers[stage] = h
}

// Run processes jobs until the queue is closed and drained, or ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	return g.Wait()
}

// RunUntilIdle runs the pool until every enqueued job, including jobs
// enqueued by handlers, has finished. The queue is closed afterwards. If ctx
// is done first, RunUntilIdle returns its error and the queue stays open.
func (p *Pool) RunUntilIdle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.queue.Idle():
			p.queue.Close()
		case <-ctx.Done():
		}
	}()
	return p.Run(ctx)
}

// Failed returns the dead-lettered jobs.
func (p *Pool) Failed() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Failure, len(p.failed))
	copy(out, p.failed)
	return out
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		job, err := p.queue.Next(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		p.dispatch(ctx, worker, job)
		p.queue.Done()
	}
}

func (p *Pool) dispatch(ctx context.Context, worker int, job Job) {
	h, ok := p.handlers[job.Stage]
	if !ok {
		p.fail(job, fmt.Errorf("no handler for stage %q", job.Stage))
		return
	}
	start := time.Now()
	if err := p.call(ctx, h, job); err != nil {
		p.fail(job, err)
		return
	}
	p.logger.Debug("job done", "job", job.String(), "id", job.ID, "worker", worker, "elapsed", time.Since(start).Round(time.Millisecond))
}

func (p *Pool) call(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) fail(job Job, err error) {
	p.logger.Error("job failed", "job", job.String(), "id", job.ID, "error", err)
	p.mu.Lock()
	p.failed = append(p.failed, Failure{Job: job, Err: err, At: time.Now()})
	p.mu.Unlock()
}
