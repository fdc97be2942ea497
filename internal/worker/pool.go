package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolStopped is returned for tasks the pool will never run.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task is one unit of work. The context passed in is the pool's run context;
// it is canceled when the pool stops, so long-running tasks can bail out.
type Task func(ctx context.Context) error

type submission struct {
	task   Task
	result chan error
}

// Pool runs tasks on a fixed set of worker goroutines with a bounded queue.
// Submission is non-blocking: a full queue is reported to the caller instead
// of stalling it.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers int
	tasks   chan submission
	inUse   atomic.Int64
	log     zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers     int `json:"workers"`
	QueueLength int `json:"queue_length"`
	InFlight    int `json:"in_flight"`
}

// NewPool creates a pool with the given worker count and queue capacity.
// Values below one are raised to one.
func NewPool(workers, queueSize int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
		tasks:   make(chan submission, queueSize),
		log:     log,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.workerLoop(i)
		}
		p.log.Debug().Int("workers", p.workers).Int("queue", cap(p.tasks)).Msg("worker pool started")
	})
}

// Stop cancels in-flight tasks, waits for the workers to exit, and fails any
// queued submissions with ErrPoolStopped so no caller is left waiting.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		for {
			select {
			case sub := <-p.tasks:
				sub.result <- ErrPoolStopped
			default:
				p.log.Debug().Msg("worker pool stopped")
				return
			}
		}
	})
}

// Submit queues a task and returns a channel that will carry its result.
// The channel is buffered; the caller may abandon it without leaking a
// worker. Returns ErrQueueFull under backpressure and ErrPoolStopped after
// Stop.
func (p *Pool) Submit(task Task) (<-chan error, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	result := make(chan error, 1)
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolStopped
	case p.tasks <- submission{task: task, result: result}:
		return result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		QueueLength: len(p.tasks),
		InFlight:    int(p.inUse.Load()),
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case sub := <-p.tasks:
			p.inUse.Add(1)
			sub.result <- p.run(id, sub.task)
			p.inUse.Add(-1)
		}
	}
}

// run executes one task, converting a panic into an error so a misbehaving
// task cannot take its worker down.
func (p *Pool) run(id int, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("task panicked")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(p.ctx)
}
