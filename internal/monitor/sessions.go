package monitor

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/timer"
)

// DefaultDailyQuota is the number of sessions a user may start per day.
const DefaultDailyQuota = 10

// clearHandleAttempts bounds the compare-and-swap loop that clears a
// route's chain handle while ticks may be replacing it.
const clearHandleAttempts = 5

// SessionOptions configures a SessionScheduler. Zero values take the
// defaults.
type SessionOptions struct {
	DailyQuota int
	Location   *time.Location
}

// StartResult describes a started, or already running, session.
type StartResult struct {
	SessionID      uuid.UUID
	QuotaRemaining int
	// Created is false when today's session already existed.
	Created bool
}

// SessionScheduler starts and stops daily monitoring sessions and owns
// the chain handle stored on each route.
type SessionScheduler struct {
	store   Store
	sched   Scheduler
	clock   quartz.Clock
	logger  slog.Logger
	metrics *Metrics
	opts    SessionOptions
}

// NewSessionScheduler creates a session scheduler dispatching chains on sched.
func NewSessionScheduler(store Store, sched Scheduler, clock quartz.Clock, logger slog.Logger, metrics *Metrics, opts SessionOptions) *SessionScheduler {
	if opts.DailyQuota <= 0 {
		opts.DailyQuota = DefaultDailyQuota
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &SessionScheduler{
		store:   store,
		sched:   sched,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

func (s *SessionScheduler) today() time.Time {
	return sessionDate(s.clock.Now("sessions", "today"), s.opts.Location)
}

func (s *SessionScheduler) remaining(used int) int {
	return max(0, s.opts.DailyQuota-used)
}

// Start opens today's session for the route and dispatches the first poll.
// Calling it again on the same day returns the existing session. It fails
// with ErrNotFound when the window, route or ownership does not match and
// with ErrQuotaExceeded when the user has used up today's sessions.
func (s *SessionScheduler) Start(ctx context.Context, routeID, windowID, userID uuid.UUID) (StartResult, error) {
	window, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return StartResult{}, xerrors.Errorf("get window: %w", err)
	}
	if window == nil || window.RouteID != routeID {
		return StartResult{}, ErrNotFound
	}
	route, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return StartResult{}, xerrors.Errorf("get route: %w", err)
	}
	if route == nil || route.UserID != userID || route.Status == database.RouteStatusDeleted {
		return StartResult{}, ErrNotFound
	}

	today := s.today()
	existing, err := s.store.GetSessionByRouteDate(ctx, routeID, today)
	if err != nil {
		return StartResult{}, xerrors.Errorf("get today's session: %w", err)
	}
	if existing != nil {
		if err := s.redispatch(ctx, existing, route); err != nil {
			return StartResult{}, err
		}
		return s.existing(ctx, existing, userID, today)
	}

	used, err := s.store.CountUserSessionsOnDate(ctx, userID, today)
	if err != nil {
		return StartResult{}, xerrors.Errorf("count sessions: %w", err)
	}
	if used >= s.opts.DailyQuota {
		s.metrics.QuotaRejections.Inc()
		return StartResult{QuotaRemaining: 0}, ErrQuotaExceeded
	}

	session := &database.MonitoringSession{
		ID:          uuid.New(),
		RouteID:     routeID,
		WindowID:    uuid.NullUUID{UUID: windowID, Valid: true},
		SessionDate: today,
		State:       database.SessionStateActive,
	}
	created, err := s.store.InsertSession(ctx, session)
	if err != nil {
		return StartResult{}, xerrors.Errorf("insert session: %w", err)
	}
	if !created {
		// Lost a concurrent start for the same route and day.
		winner, err := s.store.GetSessionByRouteDate(ctx, routeID, today)
		if err != nil {
			return StartResult{}, xerrors.Errorf("get concurrent session: %w", err)
		}
		if winner == nil {
			return StartResult{}, xerrors.Errorf("session for route %s on %s vanished", routeID, today.Format(time.DateOnly))
		}
		return s.existing(ctx, winner, userID, today)
	}

	if err := s.dispatch(ctx, route); err != nil {
		// The session stays active without a chain; the next Start for
		// the route today dispatches again without charging quota.
		return StartResult{}, xerrors.Errorf("dispatch first poll: %w", err)
	}

	s.metrics.SessionsStarted.Inc()
	s.logger.Info(ctx, "session started",
		slog.F("session_id", session.ID),
		slog.F("route_id", routeID),
		slog.F("user_id", userID))

	return StartResult{
		SessionID:      session.ID,
		QuotaRemaining: s.remaining(used + 1),
		Created:        true,
	}, nil
}

func (s *SessionScheduler) existing(ctx context.Context, session *database.MonitoringSession, userID uuid.UUID, today time.Time) (StartResult, error) {
	used, err := s.store.CountUserSessionsOnDate(ctx, userID, today)
	if err != nil {
		return StartResult{}, xerrors.Errorf("count sessions: %w", err)
	}
	return StartResult{SessionID: session.ID, QuotaRemaining: s.remaining(used)}, nil
}

// redispatch starts a chain for an active session whose first dispatch
// failed. Sessions with a chain, and completed ones, are left alone.
func (s *SessionScheduler) redispatch(ctx context.Context, session *database.MonitoringSession, route *database.Route) error {
	if session.State != database.SessionStateActive || route.ChainHandle != "" {
		return nil
	}
	current, err := s.store.GetRoute(ctx, route.ID)
	if err != nil {
		return xerrors.Errorf("reload route: %w", err)
	}
	if current == nil || current.ChainHandle != "" {
		return nil
	}
	if err := s.dispatch(ctx, current); err != nil {
		return xerrors.Errorf("redispatch first poll: %w", err)
	}
	s.logger.Info(ctx, "chain redispatched for active session",
		slog.F("session_id", session.ID),
		slog.F("route_id", route.ID))
	return nil
}

// dispatch replaces the route's chain with a fresh one whose first tick
// runs immediately. The handle is swapped in against the one the caller
// loaded and stored before the task is scheduled, so the tick always
// finds it and two dispatchers racing on the same route start one chain.
func (s *SessionScheduler) dispatch(ctx context.Context, route *database.Route) error {
	handle := timer.NewHandle()
	swapped, err := s.store.SwapRouteChainHandle(ctx, route.ID, route.ChainHandle, handle)
	if err != nil {
		return xerrors.Errorf("store chain handle: %w", err)
	}
	if !swapped {
		// Another dispatcher or a tick got there first.
		s.logger.Debug(ctx, "chain handle changed before dispatch, keeping it", slog.F("route_id", route.ID))
		return nil
	}
	if route.ChainHandle != "" {
		if err := s.sched.Cancel(ctx, route.ChainHandle); err != nil {
			s.logger.Warn(ctx, "cancel previous chain",
				slog.F("route_id", route.ID), slog.F("handle", route.ChainHandle), slog.Error(err))
		}
	}

	if err := s.sched.Schedule(ctx, timer.Task{Handle: handle, RouteID: route.ID}, 0); err != nil {
		if _, cerr := s.store.SwapRouteChainHandle(ctx, route.ID, handle, ""); cerr != nil {
			s.logger.Error(ctx, "clear unscheduled chain handle", slog.F("route_id", route.ID), slog.Error(cerr))
		}
		return xerrors.Errorf("schedule first tick: %w", err)
	}
	return nil
}

// Stop completes an active session owned by userID and cancels its chain.
// It reports false, without error, when there is nothing to stop.
func (s *SessionScheduler) Stop(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, xerrors.Errorf("get session: %w", err)
	}
	if session == nil || session.State != database.SessionStateActive {
		return false, nil
	}
	route, err := s.store.GetRoute(ctx, session.RouteID)
	if err != nil {
		return false, xerrors.Errorf("get route: %w", err)
	}
	if route == nil || route.UserID != userID {
		return false, nil
	}

	completed, err := s.store.CompleteSession(ctx, sessionID, s.clock.Now("sessions", "stop"))
	if err != nil {
		return false, xerrors.Errorf("complete session: %w", err)
	}
	if !completed {
		return false, nil
	}

	if err := s.clearChain(ctx, route); err != nil {
		return true, err
	}

	s.metrics.SessionsStopped.Inc()
	s.logger.Info(ctx, "session stopped",
		slog.F("session_id", sessionID),
		slog.F("route_id", route.ID))
	return true, nil
}

// clearChain empties the route's handle and cancels the task behind it.
// A tick may swap in its successor concurrently, so the handle is cleared
// by compare-and-swap against the latest value.
func (s *SessionScheduler) clearChain(ctx context.Context, route *database.Route) error {
	handle := route.ChainHandle
	for attempt := 0; attempt < clearHandleAttempts; attempt++ {
		swapped, err := s.store.SwapRouteChainHandle(ctx, route.ID, handle, "")
		if err != nil {
			return xerrors.Errorf("clear chain handle: %w", err)
		}
		if swapped {
			if handle == "" {
				return nil
			}
			if err := s.sched.Cancel(ctx, handle); err != nil {
				return xerrors.Errorf("cancel chain %s: %w", handle, err)
			}
			return nil
		}

		current, err := s.store.GetRoute(ctx, route.ID)
		if err != nil {
			return xerrors.Errorf("reload route: %w", err)
		}
		if current == nil {
			return nil
		}
		handle = current.ChainHandle
	}
	return xerrors.Errorf("chain handle of route %s kept changing", route.ID)
}

// DeleteRoute soft-deletes a route owned by userID, completes today's
// session and cancels the pending chain.
func (s *SessionScheduler) DeleteRoute(ctx context.Context, routeID, userID uuid.UUID) (bool, error) {
	route, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return false, xerrors.Errorf("get route: %w", err)
	}
	if route == nil || route.UserID != userID || route.Status == database.RouteStatusDeleted {
		return false, nil
	}

	// Clear the handle first: a tick finishing afterwards fails its swap
	// and cancels its own successor.
	if err := s.clearChain(ctx, route); err != nil {
		return false, err
	}
	if err := s.store.SoftDeleteRoute(ctx, routeID); err != nil {
		return false, xerrors.Errorf("soft delete route: %w", err)
	}

	session, err := s.store.GetSessionByRouteDate(ctx, routeID, s.today())
	if err != nil {
		return true, xerrors.Errorf("get today's session: %w", err)
	}
	if session != nil && session.State == database.SessionStateActive {
		if _, err := s.store.CompleteSession(ctx, session.ID, s.clock.Now("sessions", "delete")); err != nil {
			return true, xerrors.Errorf("complete session: %w", err)
		}
	}

	s.logger.Info(ctx, "route deleted", slog.F("route_id", routeID))
	return true, nil
}

// Resume restarts chains for today's active sessions whose stored handle
// is no longer pending, as after a restart of an in-memory scheduler. It
// returns the number of chains dispatched.
func (s *SessionScheduler) Resume(ctx context.Context) (int, error) {
	sessions, err := s.store.ListActiveSessionsOnDate(ctx, s.today())
	if err != nil {
		return 0, xerrors.Errorf("list active sessions: %w", err)
	}

	resumed := 0
	for _, session := range sessions {
		route, err := s.store.GetRoute(ctx, session.RouteID)
		if err != nil {
			return resumed, xerrors.Errorf("get route %s: %w", session.RouteID, err)
		}
		if route == nil || route.Status == database.RouteStatusDeleted {
			continue
		}
		if route.ChainHandle != "" {
			pending, err := s.sched.Pending(ctx, route.ChainHandle)
			if err != nil {
				return resumed, xerrors.Errorf("check chain %s: %w", route.ChainHandle, err)
			}
			if pending {
				continue
			}
		}

		if err := s.dispatch(ctx, route); err != nil {
			return resumed, err
		}
		resumed++
		s.logger.Info(ctx, "chain resumed",
			slog.F("route_id", route.ID),
			slog.F("session_id", session.ID))
	}
	return resumed, nil
}
