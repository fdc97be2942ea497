package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tokenkeeper/internal/metrics"
	"tokenkeeper/internal/worker"
)

// ErrSchedulerStopped is returned by Schedule after Stop.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// RefreshFunc runs one full refresh cycle for an account. The returned time,
// when non-zero, is when the account should next be refreshed; the scheduler
// re-arms itself with it. Retry policy lives inside the function, not here.
type RefreshFunc func(ctx context.Context, account string) (time.Time, error)

// Scheduler arms at most one pending refresh task per account. When a task
// fires, the cycle runs on the worker pool so a slow provider cannot stall
// other accounts' timers.
type Scheduler struct {
	refresh RefreshFunc
	pool    *worker.Pool
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

type task struct {
	id      string
	account string
	runAt   time.Time
	cancel  context.CancelFunc
}

// TaskInfo describes one pending task for status reporting.
type TaskInfo struct {
	ID      string    `json:"id"`
	Account string    `json:"account"`
	RunAt   time.Time `json:"run_at"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	ScheduledTasks int `json:"scheduled_tasks"`
}

// New creates a scheduler that executes cycles with refresh on pool.
func New(refresh RefreshFunc, pool *worker.Pool, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresh: refresh,
		pool:    pool,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
}

// Schedule arms a refresh task for account at runAt, replacing any pending
// task for the same account. A runAt in the past fires immediately. Returns
// the task id.
func (s *Scheduler) Schedule(account string, runAt time.Time) (string, error) {
	if account == "" {
		return "", errors.New("account cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrSchedulerStopped
	}

	if old, ok := s.tasks[account]; ok {
		old.cancel()
	}

	taskCtx, taskCancel := context.WithCancel(s.ctx)
	t := &task{
		id:      uuid.NewString(),
		account: account,
		runAt:   runAt,
		cancel:  taskCancel,
	}
	s.tasks[account] = t
	metrics.RefreshesScheduled.Inc()
	metrics.ScheduledTasks.Set(float64(len(s.tasks)))

	s.wg.Add(1)
	go s.waitAndRun(taskCtx, t)

	s.log.Debug().
		Str("account", account).
		Str("task_id", t.id).
		Time("run_at", runAt).
		Msg("refresh scheduled")
	return t.id, nil
}

// Cancel removes the pending task for account, if any. It signals the task
// and returns without waiting for its goroutine to observe the cancellation.
func (s *Scheduler) Cancel(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[account]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, account)
	metrics.ScheduledTasks.Set(float64(len(s.tasks)))
	s.log.Debug().Str("account", account).Str("task_id", t.id).Msg("refresh canceled")
	return true
}

// NextRun reports when account's pending task fires, if one exists.
func (s *Scheduler) NextRun(account string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[account]
	if !ok {
		return time.Time{}, false
	}
	return t.runAt, true
}

// Tasks returns pending tasks ordered by run time.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, TaskInfo{ID: t.id, Account: t.account, RunAt: t.runAt})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].RunAt.Before(infos[j].RunAt) })
	return infos
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{ScheduledTasks: len(s.tasks)}
}

// Stop cancels all pending tasks and waits for task goroutines to exit.
// Cycles already running on the worker pool are not waited for; the pool's
// own Stop handles those.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.tasks = make(map[string]*task)
	metrics.ScheduledTasks.Set(0)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Debug().Msg("scheduler stopped")
}

func (s *Scheduler) waitAndRun(ctx context.Context, t *task) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Until(t.runAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.remove(t)
		return
	case <-timer.C:
	}
	s.remove(t)

	result, err := s.pool.Submit(func(poolCtx context.Context) error {
		return s.runCycle(poolCtx, t.account)
	})
	if errors.Is(err, worker.ErrQueueFull) {
		// Backpressure: try again shortly instead of dropping the account.
		s.log.Warn().Str("account", t.account).Msg("worker pool full, delaying refresh")
		if _, err := s.Schedule(t.account, time.Now().Add(30*time.Second)); err != nil && !errors.Is(err, ErrSchedulerStopped) {
			s.log.Error().Err(err).Str("account", t.account).Msg("rescheduling after backpressure failed")
		}
		return
	}
	if err != nil {
		if !errors.Is(err, worker.ErrPoolStopped) {
			s.log.Error().Err(err).Str("account", t.account).Msg("submitting refresh failed")
		}
		return
	}

	select {
	case <-result:
		// Cycle outcome is logged and counted by the refresh function.
	case <-s.ctx.Done():
	}
}

// runCycle executes the refresh and re-arms the account when the cycle asks
// for it.
func (s *Scheduler) runCycle(ctx context.Context, account string) error {
	next, err := s.refresh(ctx, account)
	if !next.IsZero() {
		if _, serr := s.Schedule(account, next); serr != nil && !errors.Is(serr, ErrSchedulerStopped) {
			s.log.Error().Err(serr).Str("account", account).Msg("rescheduling refresh failed")
		}
	}
	return err
}

// remove drops t from the task map unless a newer task replaced it.
func (s *Scheduler) remove(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[t.account]; ok && cur.id == t.id {
		delete(s.tasks, t.account)
		metrics.ScheduledTasks.Set(float64(len(s.tasks)))
	}
}
