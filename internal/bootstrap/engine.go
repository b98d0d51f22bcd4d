package bootstrap

import (
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/provider"
	"github.com/smukkama/commute-monitor/internal/timer"
	"github.com/smukkama/commute-monitor/pkg/config"
)

// NewProviderRegistry registers every configured gateway. Google is only
// available with an API key; OSRM needs no credentials.
func NewProviderRegistry(cfg config.ProviderConfig, m config.MonitoringConfig) *provider.Registry {
	registry := provider.NewRegistry(cfg.Default)
	if cfg.GoogleAPIKey != "" {
		registry.Register(provider.GoogleName, provider.NewGoogleGateway(cfg.GoogleBaseURL, cfg.GoogleAPIKey, m.ProviderTimeout))
	}
	registry.Register(provider.OSRMName, provider.NewOSRMGateway(cfg.OSRMBaseURL, cfg.NominatimBaseURL, m.ProviderTimeout))
	return registry
}

// NewRedisScheduler builds the durable scheduler from config.
func NewRedisScheduler(client redis.UniversalClient, clock quartz.Clock, logger slog.Logger, cfg config.SchedulerConfig) *timer.RedisScheduler {
	return timer.NewRedisScheduler(client, clock, logger, timer.RedisOptions{
		KeyPrefix:  cfg.KeyPrefix,
		Workers:    cfg.Workers,
		PollPeriod: cfg.PollPeriod,
	})
}
