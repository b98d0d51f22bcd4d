package timer

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
)

// RedisOptions configures a RedisScheduler.
type RedisOptions struct {
	KeyPrefix  string
	Workers    int
	PollPeriod time.Duration
	BatchSize  int64
}

// RedisScheduler keeps pending tasks in Redis so they survive process
// restarts and can be served by several replicas. Due handles live in a
// sorted set scored by due time (unix millis); the task body is stored
// under its own key. A replica claims a due task by removing it from the
// sorted set, so each task is handed to at most one handler.
type RedisScheduler struct {
	client redis.UniversalClient
	clock  quartz.Clock
	logger slog.Logger
	opts   RedisOptions
	sem    *semaphore.Weighted

	mu      sync.Mutex
	handler Handler
	policy  RetryPolicy
	cancel  context.CancelFunc
	ticker  quartz.Waiter
	running sync.WaitGroup
}

// NewRedisScheduler creates a scheduler storing tasks under opts.KeyPrefix.
func NewRedisScheduler(client redis.UniversalClient, clock quartz.Clock, logger slog.Logger, opts RedisOptions) *RedisScheduler {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "commute:schedule"
	}
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &RedisScheduler{
		client: client,
		clock:  clock,
		logger: logger,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
	}
}

func (s *RedisScheduler) dueKey() string {
	return s.opts.KeyPrefix + ":due"
}

func (s *RedisScheduler) taskKey(handle string) string {
	return s.opts.KeyPrefix + ":task:" + handle
}

// Schedule stores task to run after delay. A task with the same handle
// replaces the pending one.
func (s *RedisScheduler) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	data, err := json.Marshal(task)
	if err != nil {
		return xerrors.Errorf("marshal task: %w", err)
	}
	due := s.clock.Now("timer", "redis", "schedule").Add(delay)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(task.Handle), data, 0)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: task.Handle,
		})
		return nil
	})
	if err != nil {
		return xerrors.Errorf("schedule task %s: %w", task.Handle, err)
	}
	return nil
}

// Cancel removes a pending task. Unknown, fired or already cancelled
// handles are a no-op.
func (s *RedisScheduler) Cancel(ctx context.Context, handle string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.dueKey(), handle)
		pipe.Del(ctx, s.taskKey(handle))
		return nil
	})
	if err != nil {
		return xerrors.Errorf("cancel task %s: %w", handle, err)
	}
	return nil
}

// Pending reports whether handle is waiting to run.
func (s *RedisScheduler) Pending(ctx context.Context, handle string) (bool, error) {
	err := s.client.ZScore(ctx, s.dueKey(), handle).Err()
	if xerrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("lookup task %s: %w", handle, err)
	}
	return true, nil
}

// Start polls for due tasks every PollPeriod and runs them through handler.
func (s *RedisScheduler) Start(ctx context.Context, handler Handler, policy RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.handler = handler
	s.policy = policy

	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = s.clock.TickerFunc(ctx, s.opts.PollPeriod, func() error {
		if _, err := s.DispatchDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, "dispatch due tasks", slog.Error(err))
		}
		return nil
	}, "timer", "redis", "poll")
}

// Stop ends polling and waits for running handlers.
func (s *RedisScheduler) Stop() {
	s.mu.Lock()
	cancel, ticker := s.cancel, s.ticker
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = ticker.Wait()
	s.running.Wait()
}

// DispatchDue claims every task due by now and hands it to a worker. It
// returns the number of tasks claimed.
func (s *RedisScheduler) DispatchDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return 0, ErrNotStarted
	}

	now := s.clock.Now("timer", "redis", "dispatch")
	handles, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.opts.BatchSize,
	}).Result()
	if err != nil {
		return 0, xerrors.Errorf("list due tasks: %w", err)
	}

	claimed := 0
	for _, handle := range handles {
		task, ok, err := s.claim(ctx, handle)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++
		s.run(ctx, handler, task)
	}
	return claimed, nil
}

// claim removes handle from the due set and loads its body. It reports
// false when another replica claimed it or it was cancelled meanwhile.
func (s *RedisScheduler) claim(ctx context.Context, handle string) (Task, bool, error) {
	removed, err := s.client.ZRem(ctx, s.dueKey(), handle).Result()
	if err != nil {
		return Task{}, false, xerrors.Errorf("claim task %s: %w", handle, err)
	}
	if removed == 0 {
		return Task{}, false, nil
	}

	data, err := s.client.Get(ctx, s.taskKey(handle)).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, xerrors.Errorf("load task %s: %w", handle, err)
	}
	if err := s.client.Del(ctx, s.taskKey(handle)).Err(); err != nil {
		return Task{}, false, xerrors.Errorf("delete task %s: %w", handle, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		s.logger.Error(ctx, "drop undecodable task", slog.F("handle", handle), slog.Error(err))
		return Task{}, false, nil
	}
	return task, true, nil
}

func (s *RedisScheduler) run(ctx context.Context, handler Handler, task Task) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		err := handler(ctx, task)
		if err == nil {
			return
		}

		s.mu.Lock()
		policy := s.policy
		s.mu.Unlock()
		next, delay, ok := policy.retry(task)
		if !ok {
			s.logger.Warn(ctx, "task failed, not retrying",
				slog.F("handle", task.Handle),
				slog.F("route_id", task.RouteID),
				slog.F("attempt", task.Attempt),
				slog.Error(err))
			return
		}
		if err := s.Schedule(ctx, next, delay); err != nil {
			s.logger.Error(ctx, "reschedule retry", slog.F("handle", task.Handle), slog.Error(err))
		}
	}()
}

// Stats returns the number of pending tasks.
func (s *RedisScheduler) Stats(ctx context.Context) (TimerStats, error) {
	n, err := s.client.ZCard(ctx, s.dueKey()).Result()
	if err != nil {
		return TimerStats{}, xerrors.Errorf("count tasks: %w", err)
	}
	return TimerStats{ScheduledTasks: int(n), Workers: s.opts.Workers}, nil
}
