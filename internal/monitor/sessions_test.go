package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/timer"
)

func TestSessionScheduler_Start(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	route, window := f.addRoute(t, uuid.New())

	res := f.start(t, route, window)
	require.True(t, res.Created)
	require.Equal(t, DefaultDailyQuota-1, res.QuotaRemaining)

	session := f.session(t, res.SessionID)
	require.Equal(t, database.SessionStateActive, session.State)
	require.Equal(t, time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC), session.SessionDate)
	require.Equal(t, window.ID, session.WindowID.UUID)
	require.Zero(t, session.SampleCount)

	pending := f.sched.pendingFor(route.ID)
	require.Len(t, pending, 1)
	require.Equal(t, f.route(t, route.ID).ChainHandle, pending[0].Handle)

	active, err := f.store.ListActiveSessionsOnDate(ctx, monday0730)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsStarted))
}

func TestSessionScheduler_StartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	route, window := f.addRoute(t, uuid.New())

	first := f.start(t, route, window)
	handle := f.route(t, route.ID).ChainHandle

	second := f.start(t, route, window)
	require.False(t, second.Created)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, first.QuotaRemaining, second.QuotaRemaining, "quota is not charged twice")

	require.Len(t, f.sched.pendingFor(route.ID), 1)
	require.Equal(t, handle, f.route(t, route.ID).ChainHandle)
}

func TestSessionScheduler_ConcurrentStart(t *testing.T) {
	f := newFixture(t)
	route, window := f.addRoute(t, uuid.New())

	const n = 8
	var (
		wg      sync.WaitGroup
		results = make([]StartResult, n)
		errs    = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.sessions.Start(context.Background(), route.ID, window.ID, route.UserID)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].SessionID, results[i].SessionID)
		if results[i].Created {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Len(t, f.sched.pendingFor(route.ID), 1)
}

func TestSessionScheduler_QuotaBoundary(t *testing.T) {
	tests := []struct {
		name      string
		existing  int
		wantErr   error
		remaining int
	}{
		{name: "LastSessionAllowed", existing: DefaultDailyQuota - 1, remaining: 0},
		{name: "QuotaExceeded", existing: DefaultDailyQuota, wantErr: ErrQuotaExceeded, remaining: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			userID := uuid.New()
			for i := 0; i < tt.existing; i++ {
				r, w := f.addRoute(t, userID)
				f.start(t, r, w)
			}
			route, window := f.addRoute(t, userID)

			res, err := f.sessions.Start(context.Background(), route.ID, window.ID, userID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Empty(t, f.sched.pendingFor(route.ID))
				require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QuotaRejections))
			} else {
				require.NoError(t, err)
				require.True(t, res.Created)
			}
			require.Equal(t, tt.remaining, res.QuotaRemaining)
		})
	}
}

func TestSessionScheduler_QuotaIsPerUser(t *testing.T) {
	f := newFixture(t)
	busy := uuid.New()
	for i := 0; i < DefaultDailyQuota; i++ {
		r, w := f.addRoute(t, busy)
		f.start(t, r, w)
	}

	route, window := f.addRoute(t, uuid.New())
	res := f.start(t, route, window)
	require.Equal(t, DefaultDailyQuota-1, res.QuotaRemaining)
}

func TestSessionScheduler_StartNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	route, window := f.addRoute(t, uuid.New())
	_, otherWindow := f.addRoute(t, route.UserID)

	_, err := f.sessions.Start(ctx, route.ID, uuid.New(), route.UserID)
	require.ErrorIs(t, err, ErrNotFound, "unknown window")

	_, err = f.sessions.Start(ctx, route.ID, otherWindow.ID, route.UserID)
	require.ErrorIs(t, err, ErrNotFound, "window of another route")

	_, err = f.sessions.Start(ctx, route.ID, window.ID, uuid.New())
	require.ErrorIs(t, err, ErrNotFound, "route of another user")

	require.NoError(t, f.store.SoftDeleteRoute(ctx, route.ID))
	_, err = f.sessions.Start(ctx, route.ID, window.ID, route.UserID)
	require.ErrorIs(t, err, ErrNotFound, "deleted route")

	require.Empty(t, f.sched.pendingFor(route.ID))
}

func TestSessionScheduler_StartDispatchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	route, window := f.addRoute(t, uuid.New())
	f.sched.scheduleErr = errors.New("redis down")

	_, err := f.sessions.Start(ctx, route.ID, window.ID, route.UserID)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	require.Empty(t, f.route(t, route.ID).ChainHandle, "no orphaned handle")
	require.Empty(t, f.sched.pendingFor(route.ID))
	session, err := f.store.GetSessionByRouteDate(ctx, route.ID, monday0730)
	require.NoError(t, err)
	require.Equal(t, database.SessionStateActive, session.State)

	_, err = f.sessions.Start(ctx, route.ID, window.ID, route.UserID)
	require.Error(t, err, "scheduler still down")

	// Once the scheduler is back the same session gets its chain.
	f.sched.scheduleErr = nil
	res := f.start(t, route, window)
	require.False(t, res.Created)
	require.Equal(t, session.ID, res.SessionID)
	require.Equal(t, DefaultDailyQuota-1, res.QuotaRemaining, "quota is charged once")

	pending := f.sched.pendingFor(route.ID)
	require.Len(t, pending, 1)
	require.Equal(t, f.route(t, route.ID).ChainHandle, pending[0].Handle)

	again := f.start(t, route, window)
	require.Equal(t, session.ID, again.SessionID)
	require.Len(t, f.sched.pendingFor(route.ID), 1)
}

func TestSessionScheduler_StartUsesConfiguredTimezone(t *testing.T) {
	f := newFixture(t)
	tokyo := time.FixedZone("JST", 9*60*60)
	sessions := NewSessionScheduler(f.store, f.sched, f.clock, slogtest.Make(t, nil), NewMetrics(prometheus.NewRegistry()), SessionOptions{
		DailyQuota: 3,
		Location:   tokyo,
	})
	// 23:30 UTC on Monday is already Tuesday in Tokyo.
	f.clock.Set(time.Date(2030, 3, 4, 23, 30, 0, 0, time.UTC))
	route, window := f.addRoute(t, uuid.New())

	res, err := sessions.Start(context.Background(), route.ID, window.ID, route.UserID)
	require.NoError(t, err)
	require.Equal(t, 2, res.QuotaRemaining)
	require.Equal(t, time.Date(2030, 3, 5, 0, 0, 0, 0, time.UTC), f.session(t, res.SessionID).SessionDate)
}

func TestSessionScheduler_NewDayNewSession(t *testing.T) {
	f := newFixture(t)
	route, window := f.addRoute(t, uuid.New())
	monday := f.start(t, route, window)
	mondayHandle := f.route(t, route.ID).ChainHandle

	f.clock.Set(monday0730.Add(24 * time.Hour))
	tuesday := f.start(t, route, window)
	require.True(t, tuesday.Created)
	require.NotEqual(t, monday.SessionID, tuesday.SessionID)

	// The previous chain is replaced, not duplicated.
	pending := f.sched.pendingFor(route.ID)
	require.Len(t, pending, 1)
	require.NotEqual(t, mondayHandle, pending[0].Handle)
}

func TestSessionScheduler_Stop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	route, window := f.addRoute(t, uuid.New())
	res := f.start(t, route, window)
	handle := f.route(t, route.ID).ChainHandle

	stopped, err := f.sessions.Stop(ctx, res.SessionID, uuid.New())
	require.NoError(t, err)
	require.False(t, stopped, "another user's session")

	stopped, err = f.sessions.Stop(ctx, res.SessionID, route.UserID)
	require.NoError(t, err)
	require.True(t, stopped)

	session := f.session(t, res.SessionID)
	require.Equal(t, database.SessionStateCompleted, session.State)
	require.NotNil(t, session.CompletedAt)
	require.Empty(t, f.route(t, route.ID).ChainHandle)
	require.Empty(t, f.sched.pendingFor(route.ID))
	require.Contains(t, f.sched.cancelled, handle)

	stopped, err = f.sessions.Stop(ctx, res.SessionID, route.UserID)
	require.NoError(t, err)
	require.False(t, stopped, "already completed")

	stopped, err = f.sessions.Stop(ctx, uuid.New(), route.UserID)
	require.NoError(t, err)
	require.False(t, stopped, "unknown session")

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsStopped))
}

func TestSessionScheduler_DeleteRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	route, window := f.addRoute(t, uuid.New())
	res := f.start(t, route, window)

	deleted, err := f.sessions.DeleteRoute(ctx, route.ID, uuid.New())
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = f.sessions.DeleteRoute(ctx, route.ID, route.UserID)
	require.NoError(t, err)
	require.True(t, deleted)

	stored := f.route(t, route.ID)
	require.Equal(t, database.RouteStatusDeleted, stored.Status)
	require.Empty(t, stored.ChainHandle)
	require.Empty(t, f.sched.pendingFor(route.ID))
	require.Equal(t, database.SessionStateCompleted, f.session(t, res.SessionID).State)

	deleted, err = f.sessions.DeleteRoute(ctx, route.ID, route.UserID)
	require.NoError(t, err)
	require.False(t, deleted)
}

// tickingStore runs an in-flight chain tick right before the hooked
// store call, as a tick racing DeleteRoute would.
type tickingStore struct {
	Store
	t      *testing.T
	hook   string
	chain  *Chain
	task   timer.Task
	ticked bool
}

func (s *tickingStore) tickOnce(ctx context.Context) {
	if s.ticked {
		return
	}
	s.ticked = true
	require.NoError(s.t, s.chain.Run(ctx, s.task))
}

func (s *tickingStore) SwapRouteChainHandle(ctx context.Context, id uuid.UUID, expected, next string) (bool, error) {
	if s.hook == "swap" && next == "" {
		s.tickOnce(ctx)
	}
	return s.Store.SwapRouteChainHandle(ctx, id, expected, next)
}

func (s *tickingStore) SoftDeleteRoute(ctx context.Context, id uuid.UUID) error {
	if s.hook == "delete" {
		s.tickOnce(ctx)
	}
	return s.Store.SoftDeleteRoute(ctx, id)
}

func TestSessionScheduler_DeleteRouteRacingTick(t *testing.T) {
	for _, hook := range []string{"swap", "delete"} {
		t.Run(hook, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			route, window := f.addRoute(t, uuid.New())
			started := f.start(t, route, window)

			task := f.sched.fire(t, f.route(t, route.ID).ChainHandle)
			store := &tickingStore{Store: f.store, t: t, hook: hook, chain: f.chain, task: task}
			sessions := NewSessionScheduler(store, f.sched, f.clock, slogtest.Make(t, nil), f.metrics, SessionOptions{})

			deleted, err := sessions.DeleteRoute(ctx, route.ID, route.UserID)
			require.NoError(t, err)
			require.True(t, deleted)
			require.True(t, store.ticked)

			require.Empty(t, f.sched.pendingFor(route.ID), "no tick survives the delete")
			stored := f.route(t, route.ID)
			require.Empty(t, stored.ChainHandle)
			require.Equal(t, database.RouteStatusDeleted, stored.Status)
			require.Equal(t, database.SessionStateCompleted, f.session(t, started.SessionID).State)
		})
	}
}

func TestSessionScheduler_Resume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	alive, aliveWindow := f.addRoute(t, userID)
	f.start(t, alive, aliveWindow)
	aliveHandle := f.route(t, alive.ID).ChainHandle

	lost, lostWindow := f.addRoute(t, userID)
	f.start(t, lost, lostWindow)
	// Simulate a restart of an in-memory scheduler for this route.
	f.sched.fire(t, f.route(t, lost.ID).ChainHandle)

	resumed, err := f.sessions.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	require.Equal(t, aliveHandle, f.route(t, alive.ID).ChainHandle)
	require.Len(t, f.sched.pendingFor(alive.ID), 1)

	pending := f.sched.pendingFor(lost.ID)
	require.Len(t, pending, 1)
	require.Equal(t, f.route(t, lost.ID).ChainHandle, pending[0].Handle)

	resumed, err = f.sessions.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, resumed)
}
