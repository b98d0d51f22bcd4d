package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/timer"
)

// Sampler runs one poll cycle.
type Sampler interface {
	Execute(ctx context.Context, routeID uuid.UUID) Result
}

// ChainPolicy declares how a poll chain reschedules itself.
type ChainPolicy struct {
	// Interval between two ticks of a route.
	Interval time.Duration
	// RescheduleOnSkip keeps the chain alive when a cycle records nothing.
	RescheduleOnSkip bool
	// Retry is handed to the scheduler. Chains never ask for retries
	// because a retried tick would run beside its own successor.
	Retry timer.RetryPolicy
}

// DefaultChainPolicy reschedules unconditionally and never retries.
func DefaultChainPolicy(interval time.Duration) ChainPolicy {
	return ChainPolicy{
		Interval:         interval,
		RescheduleOnSkip: true,
		Retry:            timer.NoRetry(),
	}
}

// Chain is the self-rescheduling poll driver. Run is installed as the
// scheduler handler; each tick samples the route and schedules exactly
// one successor.
//
// A tick only acts if its handle is the one stored on the route. Start,
// Stop and DeleteRoute change that handle, which turns any tick still in
// flight for the old handle into a no-op.
type Chain struct {
	store   Store
	sched   Scheduler
	sampler Sampler
	logger  slog.Logger
	metrics *Metrics
	policy  ChainPolicy
}

// NewChain creates a chain that samples through sampler and reschedules on sched.
func NewChain(store Store, sched Scheduler, sampler Sampler, logger slog.Logger, metrics *Metrics, policy ChainPolicy) *Chain {
	return &Chain{
		store:   store,
		sched:   sched,
		sampler: sampler,
		logger:  logger,
		metrics: metrics,
		policy:  policy,
	}
}

// Policy returns the policy the chain was built with.
func (c *Chain) Policy() ChainPolicy {
	return c.policy
}

// Run handles one tick. It always returns nil: cycle failures are
// absorbed so the scheduler never retries a tick.
func (c *Chain) Run(ctx context.Context, task timer.Task) error {
	outcome := c.tick(ctx, task)
	c.metrics.ChainTicks.WithLabelValues(outcome).Inc()
	return nil
}

func (c *Chain) tick(ctx context.Context, task timer.Task) string {
	logger := c.logger.With(slog.F("route_id", task.RouteID), slog.F("handle", task.Handle))

	route, err := c.store.GetRoute(ctx, task.RouteID)
	if err != nil {
		logger.Error(ctx, "load route for chain tick", slog.Error(err))
		return c.retain(ctx, logger, task)
	}
	if route == nil || route.ChainHandle != task.Handle {
		logger.Debug(ctx, "tick of a superseded chain, dropping")
		return tickSuperseded
	}

	res := c.sampler.Execute(ctx, task.RouteID)
	if res.Err != nil {
		logger.Debug(ctx, "poll cycle skipped", slog.F("reason", res.Reason), slog.Error(res.Err))
	}

	if !res.Recorded && !c.policy.RescheduleOnSkip {
		if _, err := c.store.SwapRouteChainHandle(ctx, task.RouteID, task.Handle, ""); err != nil {
			logger.Error(ctx, "clear chain handle", slog.Error(err))
		}
		return tickStopped
	}

	next := timer.Task{Handle: timer.NewHandle(), RouteID: task.RouteID}
	if err := c.sched.Schedule(ctx, next, c.policy.Interval); err != nil {
		logger.Error(ctx, "schedule next tick", slog.Error(err))
		return c.retain(ctx, logger, task)
	}

	swapped, err := c.store.SwapRouteChainHandle(ctx, task.RouteID, task.Handle, next.Handle)
	if err != nil || !swapped {
		if cancelErr := c.sched.Cancel(ctx, next.Handle); cancelErr != nil {
			logger.Error(ctx, "cancel orphaned tick", slog.F("next_handle", next.Handle), slog.Error(cancelErr))
		}
		if err != nil {
			logger.Error(ctx, "store next chain handle", slog.Error(err))
			return c.retain(ctx, logger, task)
		}
		// Stopped or deleted while this tick ran.
		logger.Debug(ctx, "chain handle changed during tick, not rescheduling")
		return tickSuperseded
	}
	return tickRescheduled
}

// retain reschedules the current handle when the store could not be read
// or written. The route still points at it, so the chain survives a
// transient outage.
func (c *Chain) retain(ctx context.Context, logger slog.Logger, task timer.Task) string {
	task.Attempt = 0
	if err := c.sched.Schedule(ctx, task, c.policy.Interval); err != nil {
		logger.Error(ctx, "chain lost, reschedule failed", slog.Error(err))
	}
	return tickRetained
}
