package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const sessionColumns = `
	id, route_id, window_id, session_date, state, first_sample_at, last_sample_at,
	sample_count, quota_units, created_at, completed_at`

// InsertSession creates a session unless one already exists for the same
// route and date. It reports whether a row was inserted; the unique
// (route_id, session_date) constraint is the backstop against double starts.
func (db *DB) InsertSession(ctx context.Context, session *MonitoringSession) (bool, error) {
	query := `
		INSERT INTO monitoring_sessions (id, route_id, window_id, session_date, state)
		VALUES ($1, $2, $3, $4::date, $5)
		ON CONFLICT (route_id, session_date) DO NOTHING
		RETURNING created_at
	`
	err := db.QueryRowContext(ctx, query,
		session.ID,
		session.RouteID,
		session.WindowID,
		session.SessionDate.Format(dateLayout),
		session.State,
	).Scan(&session.CreatedAt)
	if xerrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("insert session: %w", err)
	}
	return true, nil
}

// GetSession retrieves a session by id. A missing session yields (nil, nil).
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*MonitoringSession, error) {
	var session MonitoringSession
	found, err := db.getOne(ctx, &session,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, xerrors.Errorf("get session %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

// GetSessionByRouteDate retrieves the session of a route for a calendar
// date, whatever its state. A missing session yields (nil, nil).
func (db *DB) GetSessionByRouteDate(ctx context.Context, routeID uuid.UUID, date time.Time) (*MonitoringSession, error) {
	var session MonitoringSession
	found, err := db.getOne(ctx, &session,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE route_id = $1 AND session_date = $2::date`,
		routeID, date.Format(dateLayout))
	if err != nil {
		return nil, xerrors.Errorf("get session for route %s: %w", routeID, err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

// CountUserSessionsOnDate counts a user's sessions, across all of their
// routes and in any state, for a calendar date.
func (db *DB) CountUserSessionsOnDate(ctx context.Context, userID uuid.UUID, date time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM monitoring_sessions s
		JOIN routes r ON r.id = s.route_id
		WHERE r.user_id = $1 AND s.session_date = $2::date
	`
	var count int
	if err := db.GetContext(ctx, &count, query, userID, date.Format(dateLayout)); err != nil {
		return 0, xerrors.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// CompleteSession transitions an active session to completed. It reports
// false when the session was not active.
func (db *DB) CompleteSession(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	query := `
		UPDATE monitoring_sessions
		SET state = $2, completed_at = $3
		WHERE id = $1 AND state = $4
	`
	result, err := db.ExecContext(ctx, query, id, SessionStateCompleted, completedAt, SessionStateActive)
	if err != nil {
		return false, xerrors.Errorf("complete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("complete session: %w", err)
	}
	return n == 1, nil
}

// ListActiveSessionsOnDate returns every active session for a calendar date.
func (db *DB) ListActiveSessionsOnDate(ctx context.Context, date time.Time) ([]MonitoringSession, error) {
	var sessions []MonitoringSession
	err := db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM monitoring_sessions WHERE session_date = $1::date AND state = $2 ORDER BY created_at`,
		date.Format(dateLayout), SessionStateActive)
	if err != nil {
		return nil, xerrors.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}
