package database

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const routeColumns = `
	id, user_id, name, origin_address, destination_address,
	origin_lat, origin_lon, destination_lat, destination_lon,
	provider, status, chain_handle, created_at, updated_at`

// InsertRoute creates a route. Route management lives outside the
// monitoring engine; this exists for the CLI and for seeding.
func (db *DB) InsertRoute(ctx context.Context, route *Route) error {
	query := `
		INSERT INTO routes (
			id, user_id, name, origin_address, destination_address,
			origin_lat, origin_lon, destination_lat, destination_lon, provider, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := db.QueryRowContext(ctx, query,
		route.ID,
		route.UserID,
		route.Name,
		route.OriginAddress,
		route.DestinationAddress,
		route.OriginLat,
		route.OriginLon,
		route.DestinationLat,
		route.DestinationLon,
		route.Provider,
		route.Status,
	).Scan(&route.CreatedAt, &route.UpdatedAt)
	if err != nil {
		return xerrors.Errorf("insert route: %w", err)
	}
	return nil
}

// GetRoute retrieves a route by id. A missing route yields (nil, nil).
func (db *DB) GetRoute(ctx context.Context, id uuid.UUID) (*Route, error) {
	var route Route
	found, err := db.getOne(ctx, &route, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id)
	if err != nil {
		return nil, xerrors.Errorf("get route %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &route, nil
}

// SetRouteCoordinates stores geocoded endpoints for a route.
func (db *DB) SetRouteCoordinates(ctx context.Context, id uuid.UUID, originLat, originLon, destLat, destLon float64) error {
	query := `
		UPDATE routes
		SET origin_lat = $2, origin_lon = $3,
		    destination_lat = $4, destination_lon = $5,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := db.ExecContext(ctx, query, id, originLat, originLon, destLat, destLon); err != nil {
		return xerrors.Errorf("set route coordinates: %w", err)
	}
	return nil
}

// SetRouteChainHandle overwrites the route's pending chain handle.
func (db *DB) SetRouteChainHandle(ctx context.Context, id uuid.UUID, handle string) error {
	query := `
		UPDATE routes
		SET chain_handle = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := db.ExecContext(ctx, query, id, handle); err != nil {
		return xerrors.Errorf("set chain handle: %w", err)
	}
	return nil
}

// SwapRouteChainHandle replaces the chain handle only when it still equals
// expected. It reports whether the swap happened.
func (db *DB) SwapRouteChainHandle(ctx context.Context, id uuid.UUID, expected, next string) (bool, error) {
	query := `
		UPDATE routes
		SET chain_handle = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND chain_handle = $2
	`
	result, err := db.ExecContext(ctx, query, id, expected, next)
	if err != nil {
		return false, xerrors.Errorf("swap chain handle: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("swap chain handle: %w", err)
	}
	return n == 1, nil
}

// SoftDeleteRoute marks a route deleted and clears its chain handle.
func (db *DB) SoftDeleteRoute(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE routes
		SET status = $2, chain_handle = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := db.ExecContext(ctx, query, id, RouteStatusDeleted); err != nil {
		return xerrors.Errorf("soft delete route: %w", err)
	}
	return nil
}

// InsertWindow creates a monitoring window for a route.
func (db *DB) InsertWindow(ctx context.Context, window *MonitoringWindow) error {
	query := `
		INSERT INTO monitoring_windows (id, route_id, start_minute, end_minute, days_mask, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := db.QueryRowContext(ctx, query,
		window.ID,
		window.RouteID,
		window.StartMinute,
		window.EndMinute,
		window.DaysMask,
		window.IsActive,
	).Scan(&window.CreatedAt)
	if err != nil {
		return xerrors.Errorf("insert window: %w", err)
	}
	return nil
}

// GetWindow retrieves a monitoring window by id. A missing window yields (nil, nil).
func (db *DB) GetWindow(ctx context.Context, id uuid.UUID) (*MonitoringWindow, error) {
	query := `
		SELECT id, route_id, start_minute, end_minute, days_mask, is_active, created_at
		FROM monitoring_windows
		WHERE id = $1
	`
	var window MonitoringWindow
	found, err := db.getOne(ctx, &window, query, id)
	if err != nil {
		return nil, xerrors.Errorf("get window %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &window, nil
}

// ListActiveWindows returns every active window of a route that is not deleted.
func (db *DB) ListActiveWindows(ctx context.Context) ([]ActiveWindow, error) {
	query := `
		SELECT w.id, w.route_id, w.start_minute, w.end_minute, w.days_mask,
		       w.is_active, w.created_at, r.user_id, r.status AS route_status
		FROM monitoring_windows w
		JOIN routes r ON r.id = w.route_id
		WHERE w.is_active AND r.status <> $1
		ORDER BY w.start_minute, w.id
	`
	var windows []ActiveWindow
	if err := db.SelectContext(ctx, &windows, query, RouteStatusDeleted); err != nil {
		return nil, xerrors.Errorf("list active windows: %w", err)
	}
	return windows, nil
}
