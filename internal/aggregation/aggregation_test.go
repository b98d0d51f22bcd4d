package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/database/dbmem"
)

func slots(start int, means ...float64) []Slot {
	out := make([]Slot, len(means))
	for i, m := range means {
		out[i] = Slot{Weekday: time.Monday, Bucket: start + 5*i, MeanSeconds: m, DistinctDays: 3}
	}
	return out
}

func TestFindOptimalWindow(t *testing.T) {
	tests := []struct {
		name  string
		slots []Slot
		want  Window
	}{
		{
			name:  "ContiguousRun",
			slots: slots(420, 350, 340, 320, 300, 305, 310, 350, 360),
			want:  Window{StartBucket: 435, EndBucket: 445, MinMean: 300},
		},
		{
			name:  "TieGoesToEarliestRun",
			slots: slots(420, 300, 301, 400, 302, 303),
			want:  Window{StartBucket: 420, EndBucket: 425, MinMean: 300},
		},
		{
			name:  "LongerRunWinsOverMinimum",
			slots: slots(420, 300, 400, 310, 311, 312),
			want:  Window{StartBucket: 430, EndBucket: 440, MinMean: 300},
		},
		{
			name:  "SingleSlotFallback",
			slots: slots(420, 400, 300, 400),
			want:  Window{StartBucket: 425, EndBucket: 425, MinMean: 300},
		},
		{
			name: "GapBreaksRun",
			slots: []Slot{
				{Bucket: 420, MeanSeconds: 300},
				{Bucket: 430, MeanSeconds: 300},
				{Bucket: 435, MeanSeconds: 300},
			},
			want: Window{StartBucket: 430, EndBucket: 435, MinMean: 300},
		},
		{
			name: "UnsortedInput",
			slots: []Slot{
				{Bucket: 445, MeanSeconds: 305},
				{Bucket: 435, MeanSeconds: 300},
				{Bucket: 440, MeanSeconds: 310},
			},
			want: Window{StartBucket: 435, EndBucket: 445, MinMean: 300},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindOptimalWindow(tt.slots)
			require.True(t, ok)
			require.Equal(t, tt.want, got)
		})
	}

	_, ok := FindOptimalWindow(nil)
	require.False(t, ok)
}

// at builds a sample on the given March 2030 day (the 4th is a Monday).
func at(day, hour, minute, seconds int) database.BaselineSample {
	return database.BaselineSample{
		SampledAt:       time.Date(2030, 3, day, hour, minute, 0, 0, time.UTC),
		DurationSeconds: seconds,
	}
}

func TestComputeSlots(t *testing.T) {
	samples := []database.BaselineSample{
		// Three Mondays at 07:30-07:34.
		at(4, 7, 30, 1000), at(11, 7, 32, 1200), at(18, 7, 34, 1400),
		// Many samples at 08:00 but only on two Mondays.
		at(4, 8, 0, 900), at(4, 8, 1, 900), at(4, 8, 2, 900),
		at(11, 8, 0, 900), at(11, 8, 3, 900), at(11, 8, 4, 900),
		// A Tuesday slot.
		at(5, 7, 30, 800), at(12, 7, 30, 800), at(19, 7, 30, 800),
	}

	got := ComputeSlots(samples, time.UTC, 5, 3)
	require.Len(t, got, 2)

	monday := got[0]
	require.Equal(t, time.Monday, monday.Weekday)
	require.Equal(t, 450, monday.Bucket)
	require.Equal(t, 1200.0, monday.MeanSeconds)
	require.NotNil(t, monday.StddevSeconds)
	require.InDelta(t, 200.0, *monday.StddevSeconds, 1e-9)
	require.Equal(t, 3, monday.SampleCount)
	require.Equal(t, 3, monday.DistinctDays)

	tuesday := got[1]
	require.Equal(t, time.Tuesday, tuesday.Weekday)
	require.Equal(t, 0.0, *tuesday.StddevSeconds)
}

func TestComputeSlots_SingleSampleHasNoStddev(t *testing.T) {
	got := ComputeSlots([]database.BaselineSample{at(4, 7, 30, 1000)}, time.UTC, 5, 1)
	require.Len(t, got, 1)
	require.Nil(t, got[0].StddevSeconds)
}

func TestComputeSlots_UsesLocation(t *testing.T) {
	// 23:10 UTC Sunday is 08:10 Monday at UTC+9.
	zone := time.FixedZone("UTC+9", 9*60*60)
	got := ComputeSlots([]database.BaselineSample{{
		SampledAt:       time.Date(2030, 3, 3, 23, 10, 0, 0, time.UTC),
		DurationSeconds: 600,
	}}, zone, 5, 1)
	require.Len(t, got, 1)
	require.Equal(t, time.Monday, got[0].Weekday)
	require.Equal(t, 490, got[0].Bucket)
}

func newTestAggregator(t *testing.T) (*BaselineAggregator, *dbmem.Store, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	store := dbmem.New()

	route := database.Route{ID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, store.InsertRoute(ctx, &route))
	session := database.MonitoringSession{ID: uuid.New(), RouteID: route.ID, SessionDate: time.Now(), State: database.SessionStateActive}
	created, err := store.InsertSession(ctx, &session)
	require.NoError(t, err)
	require.True(t, created)

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2030, 3, 25, 12, 0, 0, 0, time.UTC))

	agg := NewBaselineAggregator(store, clock, slogtest.Make(t, nil), DefaultOptions())
	return agg, store, route.ID, session.ID
}

func record(t *testing.T, store *dbmem.Store, routeID, sessionID uuid.UUID, s database.BaselineSample) int64 {
	t.Helper()
	sample := &database.PollSample{
		RouteID:         routeID,
		SessionID:       uuid.NullUUID{UUID: sessionID, Valid: true},
		SampledAt:       s.SampledAt,
		DurationSeconds: s.DurationSeconds,
		DistanceMeters:  5000,
	}
	require.NoError(t, store.RecordSample(context.Background(), sample))
	return sample.ID
}

func TestBaselineAggregator_Baseline(t *testing.T) {
	agg, store, routeID, sessionID := newTestAggregator(t)
	ctx := context.Background()

	for _, s := range []database.BaselineSample{
		at(4, 7, 30, 1000), at(11, 7, 30, 1100), at(18, 7, 30, 1200),
		at(4, 7, 35, 900), at(11, 7, 35, 900), at(18, 7, 35, 900),
		// Only two distinct days at 07:40.
		at(4, 7, 40, 800), at(11, 7, 40, 800), at(11, 7, 41, 800), at(11, 7, 42, 800),
	} {
		record(t, store, routeID, sessionID, s)
	}
	// Outside the 90-day lookback.
	record(t, store, routeID, sessionID, database.BaselineSample{
		SampledAt: time.Date(2029, 11, 5, 7, 30, 0, 0, time.UTC), DurationSeconds: 5000,
	})
	// Not tied to a session.
	require.NoError(t, store.RecordSample(ctx, &database.PollSample{
		RouteID: routeID, SampledAt: time.Date(2030, 3, 18, 7, 30, 0, 0, time.UTC), DurationSeconds: 5000,
	}))

	got, err := agg.Baseline(ctx, routeID, time.Monday)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 450, got[0].Bucket)
	require.Equal(t, 1100.0, got[0].MeanSeconds)
	require.Equal(t, 455, got[1].Bucket)

	got, err = agg.Baseline(ctx, routeID, time.Tuesday)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBaselineAggregator_IgnoresDeletedSamples(t *testing.T) {
	agg, store, routeID, sessionID := newTestAggregator(t)

	record(t, store, routeID, sessionID, at(4, 7, 30, 1000))
	record(t, store, routeID, sessionID, at(11, 7, 30, 1000))
	deleted := record(t, store, routeID, sessionID, at(18, 7, 30, 1000))
	store.SoftDeleteSample(deleted)

	got, err := agg.Baseline(context.Background(), routeID, time.Monday)
	require.NoError(t, err)
	require.Empty(t, got, "two remaining days fall below the floor")
}

func TestBaselineAggregator_OptimalDeparture(t *testing.T) {
	agg, store, routeID, sessionID := newTestAggregator(t)
	ctx := context.Background()

	means := []int{350, 340, 320, 300, 305, 310, 350, 360}
	for _, day := range []int{4, 11, 18} {
		for i, m := range means {
			record(t, store, routeID, sessionID, at(day, 7, i*5, m))
		}
	}

	dep, err := agg.OptimalDeparture(ctx, routeID, time.Monday)
	require.NoError(t, err)
	require.NotNil(t, dep)
	require.Equal(t, 435, dep.StartBucket)
	require.Equal(t, 445, dep.EndBucket)
	require.Equal(t, 300.0, dep.MinMean)
	require.InDelta(t, 285.0, dep.LowerBound, 1e-9)
	require.InDelta(t, 315.0, dep.UpperBound, 1e-9)
	require.Equal(t, "07:15", FormatBucket(dep.StartBucket))

	dep, err = agg.OptimalDeparture(ctx, routeID, time.Sunday)
	require.NoError(t, err)
	require.Nil(t, dep)
}
