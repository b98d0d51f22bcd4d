package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/protocol"
	"github.com/smukkama/commute-monitor/internal/timer"
)

// Store is the subset of the database the engine reads and writes. It is
// satisfied by *database.DB and *dbmem.Store.
type Store interface {
	GetRoute(ctx context.Context, id uuid.UUID) (*database.Route, error)
	SetRouteCoordinates(ctx context.Context, id uuid.UUID, originLat, originLon, destLat, destLon float64) error
	SetRouteChainHandle(ctx context.Context, id uuid.UUID, handle string) error
	SwapRouteChainHandle(ctx context.Context, id uuid.UUID, expected, next string) (bool, error)
	SoftDeleteRoute(ctx context.Context, id uuid.UUID) error

	GetWindow(ctx context.Context, id uuid.UUID) (*database.MonitoringWindow, error)
	ListActiveWindows(ctx context.Context) ([]database.ActiveWindow, error)

	InsertSession(ctx context.Context, session *database.MonitoringSession) (bool, error)
	GetSession(ctx context.Context, id uuid.UUID) (*database.MonitoringSession, error)
	GetSessionByRouteDate(ctx context.Context, routeID uuid.UUID, date time.Time) (*database.MonitoringSession, error)
	CountUserSessionsOnDate(ctx context.Context, userID uuid.UUID, date time.Time) (int, error)
	CompleteSession(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error)
	ListActiveSessionsOnDate(ctx context.Context, date time.Time) ([]database.MonitoringSession, error)

	RecordSample(ctx context.Context, sample *database.PollSample) error
	ListSessionSamples(ctx context.Context, sessionID uuid.UUID) ([]database.PollSample, error)
}

// Scheduler is the durable timer the poll chain runs on. Cancel must be a
// no-op for unknown, fired or cancelled handles.
type Scheduler interface {
	Schedule(ctx context.Context, task timer.Task, delay time.Duration) error
	Cancel(ctx context.Context, handle string) error
	Pending(ctx context.Context, handle string) (bool, error)
}

// EventPublisher fans sample outcomes out to other services.
type EventPublisher interface {
	PublishSample(ctx context.Context, event *protocol.SampleEvent) error
	PublishReroute(ctx context.Context, event *protocol.RerouteEvent) error
}

// sessionDate is the calendar date of now in loc.
func sessionDate(now time.Time, loc *time.Location) time.Time {
	return database.SessionDate(now.In(loc))
}
