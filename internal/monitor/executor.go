package monitor

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/protocol"
	"github.com/smukkama/commute-monitor/internal/provider"
)

// Reason explains the outcome of a poll cycle.
type Reason string

const (
	ReasonRecorded       Reason = "recorded"
	ReasonRouteMissing   Reason = "route_missing"
	ReasonRouteDeleted   Reason = "route_deleted"
	ReasonNoSession      Reason = "no_session"
	ReasonGeocodeFailed  Reason = "geocode_failed"
	ReasonProviderFailed Reason = "provider_failed"
	ReasonProviderEmpty  Reason = "provider_empty"
	ReasonStoreFailed    Reason = "store_failed"
)

// Result is the outcome of one poll cycle. Failures are reported here
// rather than returned, so a cycle can never abort the chain driving it.
type Result struct {
	Recorded bool
	Reason   Reason
	Err      error
	Sample   *database.PollSample
}

func skipped(reason Reason, err error) Result {
	return Result{Reason: reason, Err: err}
}

// ExecutorOptions tunes a sampling cycle. Zero values take the defaults.
type ExecutorOptions struct {
	ReroutePct      float64
	ProviderTimeout time.Duration
	Location        *time.Location
}

// Executor runs one sampling cycle for a route.
type Executor struct {
	store     Store
	providers *provider.Registry
	events    EventPublisher
	clock     quartz.Clock
	logger    slog.Logger
	metrics   *Metrics
	opts      ExecutorOptions
}

// NewExecutor creates an executor. events may be nil.
func NewExecutor(store Store, providers *provider.Registry, events EventPublisher, clock quartz.Clock, logger slog.Logger, metrics *Metrics, opts ExecutorOptions) *Executor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	return &Executor{
		store:     store,
		providers: providers,
		events:    events,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Execute samples the route once and stores the result in today's active
// session.
func (e *Executor) Execute(ctx context.Context, routeID uuid.UUID) Result {
	res := e.execute(ctx, routeID)
	e.metrics.Samples.WithLabelValues(string(res.Reason)).Inc()
	return res
}

func (e *Executor) execute(ctx context.Context, routeID uuid.UUID) Result {
	logger := e.logger.With(slog.F("route_id", routeID))

	route, err := e.store.GetRoute(ctx, routeID)
	if err != nil {
		logger.Error(ctx, "load route", slog.Error(err))
		return skipped(ReasonStoreFailed, err)
	}
	if route == nil {
		return skipped(ReasonRouteMissing, nil)
	}
	if route.Status == database.RouteStatusDeleted {
		return skipped(ReasonRouteDeleted, nil)
	}

	now := e.clock.Now("executor", "today")
	session, err := e.store.GetSessionByRouteDate(ctx, routeID, sessionDate(now, e.opts.Location))
	if err != nil {
		logger.Error(ctx, "load session", slog.Error(err))
		return skipped(ReasonStoreFailed, err)
	}
	if session == nil || session.State != database.SessionStateActive {
		logger.Debug(ctx, "no active session, skipping sample")
		return skipped(ReasonNoSession, nil)
	}
	logger = logger.With(slog.F("session_id", session.ID))

	gateway, err := e.providers.Resolve(route.Provider)
	if err != nil {
		logger.Warn(ctx, "resolve provider", slog.Error(err))
		return skipped(ReasonProviderFailed, err)
	}

	origin, destination, res := e.coordinates(ctx, logger, gateway, route)
	if res != nil {
		return *res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	travel, err := gateway.GetTravelTime(callCtx, origin, destination)
	cancel()
	if err != nil {
		logger.Warn(ctx, "provider call failed, skipping sample",
			slog.F("provider", route.Provider), slog.Error(err))
		return skipped(ReasonProviderFailed, err)
	}
	if travel == nil {
		logger.Warn(ctx, "provider returned no travel time, skipping sample",
			slog.F("provider", route.Provider))
		return skipped(ReasonProviderEmpty, nil)
	}

	// Newest first from the store; the detector wants oldest first.
	priorSamples, err := e.store.ListSessionSamples(ctx, session.ID)
	if err != nil {
		logger.Error(ctx, "load prior samples", slog.Error(err))
		return skipped(ReasonStoreFailed, err)
	}
	prior := make([]int, len(priorSamples))
	for i, s := range priorSamples {
		prior[len(priorSamples)-1-i] = s.DistanceMeters
	}
	verdict := EvaluateReroute(prior, travel.DistanceMeters, e.opts.ReroutePct)

	sample := &database.PollSample{
		RouteID:         routeID,
		SessionID:       uuid.NullUUID{UUID: session.ID, Valid: true},
		SampledAt:       e.clock.Now("executor", "sampled"),
		DurationSeconds: travel.DurationSeconds,
		DistanceMeters:  travel.DistanceMeters,
		IsReroute:       verdict.Reroute,
		RawPayload:      travel.RawPayload,
	}
	if err := e.store.RecordSample(ctx, sample); err != nil {
		logger.Error(ctx, "record sample", slog.Error(err))
		return skipped(ReasonStoreFailed, err)
	}

	logger.Debug(ctx, "sample recorded",
		slog.F("duration_seconds", sample.DurationSeconds),
		slog.F("distance_meters", sample.DistanceMeters),
		slog.F("reroute", sample.IsReroute))

	if verdict.Reroute {
		e.metrics.Reroutes.Inc()
		logger.Info(ctx, "reroute detected",
			slog.F("distance_meters", sample.DistanceMeters),
			slog.F("median_meters", verdict.Median))
	}
	e.publish(ctx, logger, route, sample, prior, verdict)

	return Result{Recorded: true, Reason: ReasonRecorded, Sample: sample}
}

// coordinates returns the route endpoints, geocoding and persisting them
// first when the route has none stored.
func (e *Executor) coordinates(ctx context.Context, logger slog.Logger, gateway provider.Gateway, route *database.Route) (provider.Coordinates, provider.Coordinates, *Result) {
	if route.HasCoordinates() {
		return provider.Coordinates{Lat: *route.OriginLat, Lon: *route.OriginLon},
			provider.Coordinates{Lat: *route.DestinationLat, Lon: *route.DestinationLon},
			nil
	}

	origin, err := e.geocode(ctx, gateway, route.OriginAddress)
	if err != nil {
		logger.Warn(ctx, "geocode origin", slog.F("address", route.OriginAddress), slog.Error(err))
		res := skipped(ReasonGeocodeFailed, err)
		return provider.Coordinates{}, provider.Coordinates{}, &res
	}
	destination, err := e.geocode(ctx, gateway, route.DestinationAddress)
	if err != nil {
		logger.Warn(ctx, "geocode destination", slog.F("address", route.DestinationAddress), slog.Error(err))
		res := skipped(ReasonGeocodeFailed, err)
		return provider.Coordinates{}, provider.Coordinates{}, &res
	}

	err = e.store.SetRouteCoordinates(ctx, route.ID, origin.Lat, origin.Lon, destination.Lat, destination.Lon)
	if err != nil {
		logger.Error(ctx, "store route coordinates", slog.Error(err))
		res := skipped(ReasonStoreFailed, err)
		return provider.Coordinates{}, provider.Coordinates{}, &res
	}
	return *origin, *destination, nil
}

func (e *Executor) geocode(ctx context.Context, gateway provider.Gateway, address string) (*provider.Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	coords, err := gateway.Geocode(ctx, address)
	if err != nil {
		return nil, err
	}
	if coords == nil {
		return nil, xerrors.Errorf("no result for %q", address)
	}
	return coords, nil
}

func (e *Executor) publish(ctx context.Context, logger slog.Logger, route *database.Route, sample *database.PollSample, prior []int, verdict RerouteVerdict) {
	if e.events == nil {
		return
	}

	err := e.events.PublishSample(ctx, &protocol.SampleEvent{
		RouteID:         route.ID,
		SessionID:       sample.SessionID.UUID,
		SampleID:        sample.ID,
		Provider:        route.Provider,
		SampledAt:       sample.SampledAt,
		DurationSeconds: sample.DurationSeconds,
		DistanceMeters:  sample.DistanceMeters,
		IsReroute:       sample.IsReroute,
	})
	if err != nil {
		logger.Warn(ctx, "publish sample event", slog.Error(err))
	}

	if !verdict.Reroute {
		return
	}
	err = e.events.PublishReroute(ctx, &protocol.RerouteEvent{
		RouteID:            route.ID,
		UserID:             route.UserID,
		SessionID:          sample.SessionID.UUID,
		SampleID:           sample.ID,
		RouteName:          route.Name,
		OriginAddress:      route.OriginAddress,
		DestinationAddress: route.DestinationAddress,
		DetectedAt:         sample.SampledAt,
		DistanceMeters:     sample.DistanceMeters,
		PreviousMeters:     prior[len(prior)-1],
		MedianMeters:       verdict.Median,
		ThresholdMeters:    verdict.Threshold,
	})
	if err != nil {
		logger.Warn(ctx, "publish reroute event", slog.Error(err))
	}
}
