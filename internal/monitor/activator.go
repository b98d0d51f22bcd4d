package monitor

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/database"
)

// Activator opens and closes sessions according to the monitoring
// windows. Start is idempotent, so ticking often is safe.
type Activator struct {
	store    Store
	sessions *SessionScheduler
	clock    quartz.Clock
	logger   slog.Logger
	loc      *time.Location
}

// NewActivator creates an activator evaluating windows in loc.
func NewActivator(store Store, sessions *SessionScheduler, clock quartz.Clock, logger slog.Logger, loc *time.Location) *Activator {
	if loc == nil {
		loc = time.UTC
	}
	return &Activator{
		store:    store,
		sessions: sessions,
		clock:    clock,
		logger:   logger,
		loc:      loc,
	}
}

// Register runs Tick on c according to spec, e.g. "@every 1m".
func (a *Activator) Register(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := a.Tick(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error(ctx, "window activator tick", slog.Error(err))
		}
	})
	if err != nil {
		return 0, xerrors.Errorf("add window check %q: %w", spec, err)
	}
	return id, nil
}

// TickStats counts what a tick did.
type TickStats struct {
	Started int
	Stopped int
}

// Tick starts sessions for windows that are open now and stops the
// sessions of windows that have closed today.
func (a *Activator) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	windows, err := a.store.ListActiveWindows(ctx)
	if err != nil {
		return stats, xerrors.Errorf("list active windows: %w", err)
	}

	now := a.clock.Now("activator", "tick").In(a.loc)
	minute := now.Hour()*60 + now.Minute()
	today := sessionDate(now, a.loc)

	for _, w := range windows {
		if w.EndMinute <= w.StartMinute || !w.CoversDay(now.Weekday()) {
			continue
		}
		logger := a.logger.With(slog.F("route_id", w.RouteID), slog.F("window_id", w.ID))

		switch {
		case minute >= w.StartMinute && minute < w.EndMinute:
			if w.RouteStatus != database.RouteStatusActive {
				continue
			}
			res, err := a.sessions.Start(ctx, w.RouteID, w.ID, w.UserID)
			switch {
			case xerrors.Is(err, ErrQuotaExceeded):
				logger.Info(ctx, "window open but daily quota used up", slog.F("user_id", w.UserID))
			case xerrors.Is(err, ErrNotFound):
				logger.Debug(ctx, "window route vanished")
			case err != nil:
				logger.Error(ctx, "start session for window", slog.Error(err))
			case res.Created:
				stats.Started++
			}

		case minute >= w.EndMinute:
			session, err := a.store.GetSessionByRouteDate(ctx, w.RouteID, today)
			if err != nil {
				logger.Error(ctx, "load session for closed window", slog.Error(err))
				continue
			}
			if session == nil || session.State != database.SessionStateActive {
				continue
			}
			stopped, err := a.sessions.Stop(ctx, session.ID, w.UserID)
			if err != nil {
				logger.Error(ctx, "stop session for closed window", slog.Error(err))
				continue
			}
			if stopped {
				stats.Stopped++
			}
		}
	}
	return stats, nil
}
