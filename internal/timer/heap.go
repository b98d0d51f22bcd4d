package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"

	"cdr.dev/slog"
)

// timerTask is a task waiting in the heap
type timerTask struct {
	Task
	ExpiryAt time.Time
	index    int // index in the heap (for heap.Interface)
}

// timerHeap is a min-heap of timerTasks ordered by ExpiryAt
type timerHeap []*timerTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	n := len(*h)
	task := x.(*timerTask)
	task.index = n
	*h = append(*h, task)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil  // avoid memory leak
	task.index = -1 // for safety
	*h = old[0 : n-1]
	return task
}

// TimerManager is an in-process scheduler backed by a min-heap. Pending
// tasks are lost when the process exits; use RedisScheduler when they must
// survive restarts.
type TimerManager struct {
	clock  quartz.Clock
	logger slog.Logger

	heap    timerHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*timerTask // for O(1) lookup by handle
	workers int
	sem     *semaphore.Weighted
	running sync.WaitGroup
	handler Handler
	policy  RetryPolicy

	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTimerManager creates a timer manager that runs at most workers
// handlers concurrently.
func NewTimerManager(clock quartz.Clock, logger slog.Logger, workers int) *TimerManager {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm := &TimerManager{
		clock:   clock,
		logger:  logger,
		heap:    make(timerHeap, 0),
		wakeup:  make(chan struct{}, 1),
		tasks:   make(map[string]*timerTask),
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	heap.Init(&tm.heap)
	return tm
}

// Start runs due tasks through handler until Stop is called.
func (tm *TimerManager) Start(handler Handler, policy RetryPolicy) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started || tm.stopped {
		return
	}
	tm.started = true
	tm.handler = handler
	tm.policy = policy

	tm.loopWg.Add(1)
	go tm.run()
}

// Stop stops the timer manager and waits for running handlers.
func (tm *TimerManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	close(tm.stopCh)
	tm.cancel()
	tm.mu.Unlock()

	tm.loopWg.Wait()
	tm.running.Wait()
}

// Schedule queues task to run after delay. A task with the same handle
// replaces the pending one.
func (tm *TimerManager) Schedule(_ context.Context, task Task, delay time.Duration) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrManagerStopped
	}

	// Remove existing task with same handle if present
	if existing, ok := tm.tasks[task.Handle]; ok {
		heap.Remove(&tm.heap, existing.index)
		delete(tm.tasks, task.Handle)
	}

	if task.Attempt < 1 {
		task.Attempt = 1
	}
	entry := &timerTask{
		Task:     task,
		ExpiryAt: tm.clock.Now("timer", "schedule").Add(delay),
	}

	heap.Push(&tm.heap, entry)
	tm.tasks[task.Handle] = entry

	// Wake up the scheduler if this is the earliest task
	if tm.heap[0] == entry {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel removes a pending task. Cancelling an unknown, fired or already
// cancelled handle is a no-op.
func (tm *TimerManager) Cancel(_ context.Context, handle string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[handle]
	if !ok {
		return nil
	}

	heap.Remove(&tm.heap, task.index)
	delete(tm.tasks, handle)
	return nil
}

// Pending reports whether handle is waiting to run.
func (tm *TimerManager) Pending(_ context.Context, handle string) (bool, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	_, ok := tm.tasks[handle]
	return ok, nil
}

// run is the main scheduler loop
func (tm *TimerManager) run() {
	defer tm.loopWg.Done()

	for {
		tm.mu.Lock()

		if tm.stopped {
			tm.mu.Unlock()
			return
		}

		var waitDuration time.Duration
		if tm.heap.Len() == 0 {
			// No tasks, wait indefinitely
			waitDuration = 24 * time.Hour
		} else {
			nextTask := tm.heap[0]
			waitDuration = nextTask.ExpiryAt.Sub(tm.clock.Now("timer", "until"))

			if waitDuration <= 0 {
				task := heap.Pop(&tm.heap).(*timerTask)
				delete(tm.tasks, task.Handle)
				tm.dispatch(task.Task)

				tm.mu.Unlock()
				continue
			}
		}

		tm.mu.Unlock()

		// Wait for either timeout or wakeup signal
		timer := tm.clock.NewTimer(waitDuration, "timer", "wait")
		select {
		case <-timer.C:
		case <-tm.wakeup:
			timer.Stop()
		case <-tm.stopCh:
			timer.Stop()
			return
		}
	}
}

// dispatch runs the handler on a worker slot. Called with tm.mu held.
func (tm *TimerManager) dispatch(task Task) {
	tm.running.Add(1)
	go func() {
		defer tm.running.Done()

		if err := tm.sem.Acquire(tm.ctx, 1); err != nil {
			return
		}
		defer tm.sem.Release(1)

		err := tm.handler(tm.ctx, task)
		if err == nil {
			return
		}

		next, delay, ok := tm.policy.retry(task)
		if !ok {
			tm.logger.Warn(tm.ctx, "task failed, not retrying",
				slog.F("handle", task.Handle),
				slog.F("route_id", task.RouteID),
				slog.F("attempt", task.Attempt),
				slog.Error(err))
			return
		}
		tm.logger.Warn(tm.ctx, "task failed, retrying",
			slog.F("handle", task.Handle),
			slog.F("attempt", next.Attempt),
			slog.F("delay", delay),
			slog.Error(err))
		if err := tm.Schedule(tm.ctx, next, delay); err != nil {
			tm.logger.Warn(tm.ctx, "reschedule retry", slog.Error(err))
		}
	}()
}

// Stats returns statistics about the timer manager
func (tm *TimerManager) Stats() TimerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return TimerStats{
		ScheduledTasks: len(tm.tasks),
		Workers:        tm.workers,
	}
}

// TimerStats contains statistics about the timer manager
type TimerStats struct {
	ScheduledTasks int
	Workers        int
}
