// Package dbmem is an in-memory implementation of the database read/write
// contracts. It enforces the same invariants as the Postgres schema: one
// session per (route, date) and atomic session counter updates.
package dbmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/smukkama/commute-monitor/internal/database"
)

type sessionKey struct {
	routeID uuid.UUID
	date    time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	routes     map[uuid.UUID]database.Route
	windows    map[uuid.UUID]database.MonitoringWindow
	sessions   map[uuid.UUID]database.MonitoringSession
	byRouteDay map[sessionKey]uuid.UUID
	samples    []database.PollSample
	nextSample int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		routes:     make(map[uuid.UUID]database.Route),
		windows:    make(map[uuid.UUID]database.MonitoringWindow),
		sessions:   make(map[uuid.UUID]database.MonitoringSession),
		byRouteDay: make(map[sessionKey]uuid.UUID),
	}
}

func (s *Store) InsertRoute(_ context.Context, route *database.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[route.ID]; ok {
		return xerrors.Errorf("route %s already exists", route.ID)
	}
	if route.Status == "" {
		route.Status = database.RouteStatusActive
	}
	now := time.Now()
	route.CreatedAt, route.UpdatedAt = now, now
	s.routes[route.ID] = *route
	return nil
}

func (s *Store) GetRoute(_ context.Context, id uuid.UUID) (*database.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[id]
	if !ok {
		return nil, nil
	}
	return &route, nil
}

func (s *Store) SetRouteCoordinates(_ context.Context, id uuid.UUID, originLat, originLon, destLat, destLon float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[id]
	if !ok {
		return nil
	}
	route.OriginLat, route.OriginLon = &originLat, &originLon
	route.DestinationLat, route.DestinationLon = &destLat, &destLon
	s.routes[id] = route
	return nil
}

func (s *Store) SetRouteChainHandle(_ context.Context, id uuid.UUID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[id]
	if !ok {
		return nil
	}
	route.ChainHandle = handle
	s.routes[id] = route
	return nil
}

func (s *Store) SwapRouteChainHandle(_ context.Context, id uuid.UUID, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[id]
	if !ok || route.ChainHandle != expected {
		return false, nil
	}
	route.ChainHandle = next
	s.routes[id] = route
	return true, nil
}

func (s *Store) SoftDeleteRoute(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[id]
	if !ok {
		return nil
	}
	route.Status = database.RouteStatusDeleted
	route.ChainHandle = ""
	s.routes[id] = route
	return nil
}

func (s *Store) InsertWindow(_ context.Context, window *database.MonitoringWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window.IsActive {
		for _, w := range s.windows {
			if w.RouteID == window.RouteID && w.IsActive {
				return xerrors.Errorf("route %s already has an active window", window.RouteID)
			}
		}
	}
	window.CreatedAt = time.Now()
	s.windows[window.ID] = *window
	return nil
}

func (s *Store) GetWindow(_ context.Context, id uuid.UUID) (*database.MonitoringWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[id]
	if !ok {
		return nil, nil
	}
	return &window, nil
}

func (s *Store) ListActiveWindows(_ context.Context) ([]database.ActiveWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var windows []database.ActiveWindow
	for _, w := range s.windows {
		route, ok := s.routes[w.RouteID]
		if !w.IsActive || !ok || route.Status == database.RouteStatusDeleted {
			continue
		}
		windows = append(windows, database.ActiveWindow{
			MonitoringWindow: w,
			UserID:           route.UserID,
			RouteStatus:      route.Status,
		})
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].StartMinute != windows[j].StartMinute {
			return windows[i].StartMinute < windows[j].StartMinute
		}
		return windows[i].ID.String() < windows[j].ID.String()
	})
	return windows, nil
}

func (s *Store) InsertSession(_ context.Context, session *database.MonitoringSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{routeID: session.RouteID, date: database.SessionDate(session.SessionDate)}
	if _, ok := s.byRouteDay[key]; ok {
		return false, nil
	}
	session.SessionDate = key.date
	session.CreatedAt = time.Now()
	s.sessions[session.ID] = *session
	s.byRouteDay[key] = session.ID
	return true, nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*database.MonitoringSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *Store) GetSessionByRouteDate(_ context.Context, routeID uuid.UUID, date time.Time) (*database.MonitoringSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRouteDay[sessionKey{routeID: routeID, date: database.SessionDate(date)}]
	if !ok {
		return nil, nil
	}
	session := s.sessions[id]
	return &session, nil
}

func (s *Store) CountUserSessionsOnDate(_ context.Context, userID uuid.UUID, date time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := database.SessionDate(date)
	count := 0
	for _, session := range s.sessions {
		if !session.SessionDate.Equal(day) {
			continue
		}
		if route, ok := s.routes[session.RouteID]; ok && route.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *Store) CompleteSession(_ context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.State != database.SessionStateActive {
		return false, nil
	}
	session.State = database.SessionStateCompleted
	session.CompletedAt = &completedAt
	s.sessions[id] = session
	return true, nil
}

func (s *Store) ListActiveSessionsOnDate(_ context.Context, date time.Time) ([]database.MonitoringSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := database.SessionDate(date)
	var sessions []database.MonitoringSession
	for _, session := range s.sessions {
		if session.SessionDate.Equal(day) && session.State == database.SessionStateActive {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Store) RecordSample(_ context.Context, sample *database.PollSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSample++
	sample.ID = s.nextSample
	sample.CreatedAt = time.Now()
	s.samples = append(s.samples, *sample)

	if sample.SessionID.Valid {
		session, ok := s.sessions[sample.SessionID.UUID]
		if ok {
			session.SampleCount++
			session.QuotaUnits++
			at := sample.SampledAt
			if session.FirstSampleAt == nil {
				session.FirstSampleAt = &at
			}
			session.LastSampleAt = &at
			s.sessions[session.ID] = session
		}
	}
	return nil
}

func (s *Store) ListSessionSamples(_ context.Context, sessionID uuid.UUID) ([]database.PollSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var samples []database.PollSample
	for _, sample := range s.samples {
		if sample.SessionID.Valid && sample.SessionID.UUID == sessionID && !sample.IsDeleted {
			samples = append(samples, sample)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		if !samples[i].SampledAt.Equal(samples[j].SampledAt) {
			return samples[i].SampledAt.After(samples[j].SampledAt)
		}
		return samples[i].ID > samples[j].ID
	})
	return samples, nil
}

func (s *Store) ListBaselineSamples(_ context.Context, routeID uuid.UUID, since time.Time) ([]database.BaselineSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var samples []database.BaselineSample
	for _, sample := range s.samples {
		if sample.RouteID != routeID || !sample.SessionID.Valid || sample.IsDeleted {
			continue
		}
		if sample.SampledAt.Before(since) {
			continue
		}
		samples = append(samples, database.BaselineSample{
			SampledAt:       sample.SampledAt,
			DurationSeconds: sample.DurationSeconds,
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].SampledAt.Before(samples[j].SampledAt)
	})
	return samples, nil
}

// SoftDeleteSample flags a sample deleted, as retention pruning would.
func (s *Store) SoftDeleteSample(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.samples {
		if s.samples[i].ID == id {
			s.samples[i].IsDeleted = true
		}
	}
}
