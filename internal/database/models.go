package database

import (
	"time"

	"github.com/google/uuid"
)

// RouteStatus is the monitoring status of a route.
type RouteStatus string

const (
	RouteStatusActive  RouteStatus = "active"
	RouteStatusPaused  RouteStatus = "paused"
	RouteStatusDeleted RouteStatus = "deleted"
)

// SessionState is the lifecycle state of a monitoring session.
type SessionState string

const (
	SessionStateActive    SessionState = "active"
	SessionStateCompleted SessionState = "completed"
)

// Route is a monitored origin/destination pair owned by a user.
type Route struct {
	ID                 uuid.UUID   `db:"id"`
	UserID             uuid.UUID   `db:"user_id"`
	Name               string      `db:"name"`
	OriginAddress      string      `db:"origin_address"`
	DestinationAddress string      `db:"destination_address"`
	OriginLat          *float64    `db:"origin_lat"`
	OriginLon          *float64    `db:"origin_lon"`
	DestinationLat     *float64    `db:"destination_lat"`
	DestinationLon     *float64    `db:"destination_lon"`
	Provider           string      `db:"provider"`
	Status             RouteStatus `db:"status"`
	// ChainHandle identifies the pending poll chain invocation, or is
	// empty when no chain is scheduled.
	ChainHandle string    `db:"chain_handle"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// HasCoordinates reports whether both endpoints are geocoded.
func (r *Route) HasCoordinates() bool {
	return r.OriginLat != nil && r.OriginLon != nil &&
		r.DestinationLat != nil && r.DestinationLon != nil
}

// MonitoringWindow is the sampling schedule of a route. Minutes are
// counted from local midnight; DaysMask bit i stands for time.Weekday(i).
type MonitoringWindow struct {
	ID          uuid.UUID `db:"id"`
	RouteID     uuid.UUID `db:"route_id"`
	StartMinute int       `db:"start_minute"`
	EndMinute   int       `db:"end_minute"`
	DaysMask    int       `db:"days_mask"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

// CoversDay reports whether the window samples on the given weekday.
func (w *MonitoringWindow) CoversDay(day time.Weekday) bool {
	return w.DaysMask&(1<<uint(day)) != 0
}

// ActiveWindow is an active window joined with the owning route.
type ActiveWindow struct {
	MonitoringWindow
	UserID      uuid.UUID   `db:"user_id"`
	RouteStatus RouteStatus `db:"route_status"`
}

// MonitoringSession is one calendar-day sampling run for a route.
type MonitoringSession struct {
	ID            uuid.UUID     `db:"id"`
	RouteID       uuid.UUID     `db:"route_id"`
	WindowID      uuid.NullUUID `db:"window_id"`
	SessionDate   time.Time     `db:"session_date"`
	State         SessionState  `db:"state"`
	FirstSampleAt *time.Time    `db:"first_sample_at"`
	LastSampleAt  *time.Time    `db:"last_sample_at"`
	SampleCount   int           `db:"sample_count"`
	QuotaUnits    int           `db:"quota_units"`
	CreatedAt     time.Time     `db:"created_at"`
	CompletedAt   *time.Time    `db:"completed_at"`
}

// PollSample is one recorded provider response. Samples are append-only
// apart from the soft-delete flag.
type PollSample struct {
	ID              int64         `db:"id"`
	RouteID         uuid.UUID     `db:"route_id"`
	SessionID       uuid.NullUUID `db:"session_id"`
	SampledAt       time.Time     `db:"sampled_at"`
	DurationSeconds int           `db:"duration_seconds"`
	DistanceMeters  int           `db:"distance_meters"`
	IsReroute       bool          `db:"is_reroute"`
	IsDeleted       bool          `db:"is_deleted"`
	RawPayload      []byte        `db:"raw_payload"` // JSON
	CreatedAt       time.Time     `db:"created_at"`
}

// BaselineSample is the projection of a sample the baseline statistics read.
type BaselineSample struct {
	SampledAt       time.Time `db:"sampled_at"`
	DurationSeconds int       `db:"duration_seconds"`
}

// SessionDate truncates t to its calendar date in t's location and returns
// it as midnight UTC, the representation used for DATE columns.
func SessionDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
