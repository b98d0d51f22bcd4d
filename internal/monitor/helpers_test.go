package monitor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/database/dbmem"
	"github.com/smukkama/commute-monitor/internal/protocol"
	"github.com/smukkama/commute-monitor/internal/provider"
	"github.com/smukkama/commute-monitor/internal/timer"
)

// monday0730 is a Monday morning in UTC.
var monday0730 = time.Date(2030, 3, 4, 7, 30, 0, 0, time.UTC)

type fakeScheduler struct {
	mu          sync.Mutex
	pending     map[string]timer.Task
	delays      map[string]time.Duration
	cancelled   []string
	scheduleErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		pending: make(map[string]timer.Task),
		delays:  make(map[string]time.Duration),
	}
}

func (f *fakeScheduler) Schedule(_ context.Context, task timer.Task, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.pending[task.Handle] = task
	f.delays[task.Handle] = delay
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, handle)
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeScheduler) Pending(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[handle]
	return ok, nil
}

// pendingFor returns the pending tasks of a route.
func (f *fakeScheduler) pendingFor(routeID uuid.UUID) []timer.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []timer.Task
	for _, task := range f.pending {
		if task.RouteID == routeID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Handle < tasks[j].Handle })
	return tasks
}

// fire removes a pending task as a scheduler would when it comes due.
func (f *fakeScheduler) fire(t *testing.T, handle string) timer.Task {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.pending[handle]
	require.True(t, ok, "handle %s is not pending", handle)
	delete(f.pending, handle)
	return task
}

type fakeGateway struct {
	mu       sync.Mutex
	travel   *provider.TravelTime
	err      error
	geocodes map[string]*provider.Coordinates
	calls    int
}

func (g *fakeGateway) Geocode(_ context.Context, address string) (*provider.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.geocodes[address], nil
}

func (g *fakeGateway) GetTravelTime(_ context.Context, _, _ provider.Coordinates) (*provider.TravelTime, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.travel == nil {
		return nil, nil
	}
	travel := *g.travel
	return &travel, nil
}

func (g *fakeGateway) set(durationSeconds, distanceMeters int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = nil
	g.travel = &provider.TravelTime{
		DurationSeconds: durationSeconds,
		DistanceMeters:  distanceMeters,
		RawPayload:      []byte(`{"status":"OK"}`),
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	samples  []*protocol.SampleEvent
	reroutes []*protocol.RerouteEvent
}

func (p *fakePublisher) PublishSample(_ context.Context, event *protocol.SampleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, event)
	return nil
}

func (p *fakePublisher) PublishReroute(_ context.Context, event *protocol.RerouteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reroutes = append(p.reroutes, event)
	return nil
}

type fixture struct {
	store    *dbmem.Store
	sched    *fakeScheduler
	gateway  *fakeGateway
	events   *fakePublisher
	clock    *quartz.Mock
	metrics  *Metrics
	exec     *Executor
	chain    *Chain
	sessions *SessionScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Failure paths log at error level on purpose.
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	clock := quartz.NewMock(t)
	clock.Set(monday0730)

	f := &fixture{
		store:   dbmem.New(),
		sched:   newFakeScheduler(),
		gateway: &fakeGateway{geocodes: map[string]*provider.Coordinates{}},
		events:  &fakePublisher{},
		clock:   clock,
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.gateway.set(1500, 5000)

	registry := provider.NewRegistry(provider.GoogleName)
	registry.Register(provider.GoogleName, f.gateway)

	f.exec = NewExecutor(f.store, registry, f.events, clock, logger.Named("executor"), f.metrics, ExecutorOptions{
		ReroutePct:      DefaultReroutePct,
		ProviderTimeout: time.Second,
	})
	f.chain = NewChain(f.store, f.sched, f.exec, logger.Named("chain"), f.metrics, DefaultChainPolicy(5*time.Minute))
	f.sessions = NewSessionScheduler(f.store, f.sched, clock, logger.Named("sessions"), f.metrics, SessionOptions{
		DailyQuota: DefaultDailyQuota,
	})
	return f
}

// addRoute creates a geocoded active route with a weekday 07:00-09:00
// window.
func (f *fixture) addRoute(t *testing.T, userID uuid.UUID) (database.Route, database.MonitoringWindow) {
	t.Helper()
	ctx := context.Background()
	lat, lon := 52.52, 13.405
	route := database.Route{
		ID:                 uuid.New(),
		UserID:             userID,
		Name:               "home to office",
		OriginAddress:      "Home",
		DestinationAddress: "Office",
		OriginLat:          &lat,
		OriginLon:          &lon,
		DestinationLat:     &lat,
		DestinationLon:     &lon,
		Provider:           provider.GoogleName,
	}
	require.NoError(t, f.store.InsertRoute(ctx, &route))

	window := database.MonitoringWindow{
		ID:          uuid.New(),
		RouteID:     route.ID,
		StartMinute: 7 * 60,
		EndMinute:   9 * 60,
		DaysMask:    0b0111110,
		IsActive:    true,
	}
	require.NoError(t, f.store.InsertWindow(ctx, &window))
	return route, window
}

func (f *fixture) route(t *testing.T, id uuid.UUID) *database.Route {
	t.Helper()
	route, err := f.store.GetRoute(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, route)
	return route
}

func (f *fixture) session(t *testing.T, id uuid.UUID) *database.MonitoringSession {
	t.Helper()
	session, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, session)
	return session
}

// start opens a session and fails the test on error.
func (f *fixture) start(t *testing.T, route database.Route, window database.MonitoringWindow) StartResult {
	t.Helper()
	res, err := f.sessions.Start(context.Background(), route.ID, window.ID, route.UserID)
	require.NoError(t, err)
	return res
}

// seedSamples records samples with the given distances into a session,
// one minute apart, oldest first.
func (f *fixture) seedSamples(t *testing.T, routeID, sessionID uuid.UUID, distances ...int) {
	t.Helper()
	at := monday0730.Add(-time.Duration(len(distances)) * time.Minute)
	for _, d := range distances {
		require.NoError(t, f.store.RecordSample(context.Background(), &database.PollSample{
			RouteID:         routeID,
			SessionID:       uuid.NullUUID{UUID: sessionID, Valid: true},
			SampledAt:       at,
			DurationSeconds: 1500,
			DistanceMeters:  d,
		}))
		at = at.Add(time.Minute)
	}
}

func repeat(value, n int) []int {
	values := make([]int, n)
	for i := range values {
		values[i] = value
	}
	return values
}
