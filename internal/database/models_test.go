package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smukkama/commute-monitor/internal/database"
)

func TestMonitoringWindowCoversDay(t *testing.T) {
	weekdays := database.MonitoringWindow{DaysMask: 0b0111110}
	for d := time.Sunday; d <= time.Saturday; d++ {
		want := d != time.Sunday && d != time.Saturday
		require.Equal(t, want, weekdays.CoversDay(d), d.String())
	}
}

func TestSessionDate(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	at := time.Date(2030, 3, 4, 23, 30, 0, 0, time.UTC)

	require.Equal(t, time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC), database.SessionDate(at))
	require.Equal(t, time.Date(2030, 3, 5, 0, 0, 0, 0, time.UTC), database.SessionDate(at.In(tokyo)))
}

func TestRouteHasCoordinates(t *testing.T) {
	lat, lon := 1.0, 2.0
	route := database.Route{OriginLat: &lat, OriginLon: &lon, DestinationLat: &lat}
	require.False(t, route.HasCoordinates())

	route.DestinationLon = &lon
	require.True(t, route.HasCoordinates())
}
