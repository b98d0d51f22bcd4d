package dbmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/database/dbmem"
)

func TestStore_OneSessionPerRouteAndDay(t *testing.T) {
	store := dbmem.New()
	ctx := context.Background()
	route := database.Route{ID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, store.InsertRoute(ctx, &route))

	morning := time.Date(2030, 3, 4, 7, 0, 0, 0, time.UTC)
	first := database.MonitoringSession{ID: uuid.New(), RouteID: route.ID, SessionDate: morning, State: database.SessionStateActive}
	inserted, err := store.InsertSession(ctx, &first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := database.MonitoringSession{ID: uuid.New(), RouteID: route.ID, SessionDate: morning.Add(8 * time.Hour), State: database.SessionStateActive}
	inserted, err = store.InsertSession(ctx, &second)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := store.GetSessionByRouteDate(ctx, route.ID, morning)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	count, err := store.CountUserSessionsOnDate(ctx, route.UserID, morning)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_SampleCountersAreAtomic(t *testing.T) {
	store := dbmem.New()
	ctx := context.Background()
	route := database.Route{ID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, store.InsertRoute(ctx, &route))
	session := database.MonitoringSession{ID: uuid.New(), RouteID: route.ID, SessionDate: time.Now(), State: database.SessionStateActive}
	_, err := store.InsertSession(ctx, &session)
	require.NoError(t, err)

	base := time.Date(2030, 3, 4, 7, 0, 0, 0, time.UTC)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, store.RecordSample(ctx, &database.PollSample{
				RouteID:   route.ID,
				SessionID: uuid.NullUUID{UUID: session.ID, Valid: true},
				SampledAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}(i)
	}
	wg.Wait()

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, n, got.SampleCount)
	require.Equal(t, n, got.QuotaUnits)

	samples, err := store.ListSessionSamples(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, samples, n)
	require.True(t, samples[0].SampledAt.After(samples[n-1].SampledAt), "newest first")
}

func TestStore_CompleteSessionOnce(t *testing.T) {
	store := dbmem.New()
	ctx := context.Background()
	session := database.MonitoringSession{ID: uuid.New(), RouteID: uuid.New(), SessionDate: time.Now(), State: database.SessionStateActive}
	_, err := store.InsertSession(ctx, &session)
	require.NoError(t, err)

	done, err := store.CompleteSession(ctx, session.ID, time.Now())
	require.NoError(t, err)
	require.True(t, done)

	done, err = store.CompleteSession(ctx, session.ID, time.Now())
	require.NoError(t, err)
	require.False(t, done)

	active, err := store.ListActiveSessionsOnDate(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestStore_SwapRouteChainHandle(t *testing.T) {
	store := dbmem.New()
	ctx := context.Background()
	route := database.Route{ID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, store.InsertRoute(ctx, &route))
	require.NoError(t, store.SetRouteChainHandle(ctx, route.ID, "a"))

	swapped, err := store.SwapRouteChainHandle(ctx, route.ID, "stale", "b")
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.SwapRouteChainHandle(ctx, route.ID, "a", "b")
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := store.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Equal(t, "b", got.ChainHandle)
}
