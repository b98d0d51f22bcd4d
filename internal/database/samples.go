package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// RecordSample appends a sample and, when it belongs to a session, bumps
// the session counters in the same transaction.
func (db *DB) RecordSample(ctx context.Context, sample *PollSample) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin record sample: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload any
	if len(sample.RawPayload) > 0 {
		payload = string(sample.RawPayload)
	}

	insert := `
		INSERT INTO poll_samples (
			route_id, session_id, sampled_at, duration_seconds,
			distance_meters, is_reroute, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, insert,
		sample.RouteID,
		sample.SessionID,
		sample.SampledAt,
		sample.DurationSeconds,
		sample.DistanceMeters,
		sample.IsReroute,
		payload,
	).Scan(&sample.ID, &sample.CreatedAt)
	if err != nil {
		return xerrors.Errorf("insert sample: %w", err)
	}

	if sample.SessionID.Valid {
		update := `
			UPDATE monitoring_sessions
			SET sample_count = sample_count + 1,
			    quota_units = quota_units + 1,
			    first_sample_at = COALESCE(first_sample_at, $2),
			    last_sample_at = $2
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, update, sample.SessionID.UUID, sample.SampledAt); err != nil {
			return xerrors.Errorf("update session counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit record sample: %w", err)
	}
	return nil
}

// ListSessionSamples returns the non-deleted samples of a session, newest first.
func (db *DB) ListSessionSamples(ctx context.Context, sessionID uuid.UUID) ([]PollSample, error) {
	query := `
		SELECT id, route_id, session_id, sampled_at, duration_seconds, distance_meters,
		       is_reroute, is_deleted, raw_payload, created_at
		FROM poll_samples
		WHERE session_id = $1 AND NOT is_deleted
		ORDER BY sampled_at DESC, id DESC
	`
	var samples []PollSample
	if err := db.SelectContext(ctx, &samples, query, sessionID); err != nil {
		return nil, xerrors.Errorf("list session samples: %w", err)
	}
	return samples, nil
}

// ListBaselineSamples returns the session-linked, non-deleted samples of a
// route taken at or after since.
func (db *DB) ListBaselineSamples(ctx context.Context, routeID uuid.UUID, since time.Time) ([]BaselineSample, error) {
	query := `
		SELECT sampled_at, duration_seconds
		FROM poll_samples
		WHERE route_id = $1
		  AND sampled_at >= $2
		  AND session_id IS NOT NULL
		  AND NOT is_deleted
		ORDER BY sampled_at
	`
	var samples []BaselineSample
	if err := db.SelectContext(ctx, &samples, query, routeID, since); err != nil {
		return nil, xerrors.Errorf("list baseline samples: %w", err)
	}
	return samples, nil
}
