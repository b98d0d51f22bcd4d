package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/bootstrap"
	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/internal/monitor"
	"github.com/smukkama/commute-monitor/internal/queue"
	"github.com/smukkama/commute-monitor/internal/timer"
	"github.com/smukkama/commute-monitor/migrations"
	"github.com/smukkama/commute-monitor/pkg/config"
)

// scheduler is the part of both timer backends the service drives.
type scheduler interface {
	monitor.Scheduler
	Stop()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(os.Stderr, cfg.Ops.LogLevel).Named("monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "monitor exited", slog.Error(err))
	}
	logger.Info(ctx, "shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger slog.Logger) error {
	loc, err := cfg.Monitoring.Location()
	if err != nil {
		return err
	}
	clock := quartz.NewReal()

	db, err := bootstrap.ConnectDB(ctx, logger, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, logger.Named("migrations"), migrations.FS); err != nil {
		return xerrors.Errorf("run migrations: %w", err)
	}

	createTopics(ctx, logger, cfg.Kafka)
	events := queue.NewEventPublisher(
		queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSamples),
		queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReroutes),
	)
	defer events.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(registry)

	providers := bootstrap.NewProviderRegistry(cfg.Provider, cfg.Monitoring)
	if _, err := providers.Resolve(cfg.Provider.Default); err != nil {
		logger.Warn(ctx, "default provider is not configured, routes without a known provider will not be polled",
			slog.F("default", cfg.Provider.Default),
			slog.F("available", providers.Names()))
	}

	executor := monitor.NewExecutor(db, providers, events, clock, logger.Named("executor"), metrics, monitor.ExecutorOptions{
		ReroutePct:      cfg.Monitoring.ReroutePct,
		ProviderTimeout: cfg.Monitoring.ProviderTimeout,
		Location:        loc,
	})

	sched, start, err := newScheduler(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer sched.Stop()

	chain := monitor.NewChain(db, sched, executor, logger.Named("chain"), metrics, monitor.DefaultChainPolicy(cfg.Monitoring.PollInterval))
	sessions := monitor.NewSessionScheduler(db, sched, clock, logger.Named("sessions"), metrics, monitor.SessionOptions{
		DailyQuota: cfg.Monitoring.DailyQuota,
		Location:   loc,
	})
	start(chain.Run, chain.Policy().Retry)

	resumed, err := sessions.Resume(ctx)
	if err != nil {
		return xerrors.Errorf("resume sessions: %w", err)
	}
	logger.Info(ctx, "sessions resumed", slog.F("count", resumed))

	activator := monitor.NewActivator(db, sessions, clock, logger.Named("activator"), loc)
	windows := cron.New(cron.WithLocation(loc))
	if _, err := activator.Register(ctx, windows, cfg.Monitoring.WindowCheckSpec); err != nil {
		return err
	}
	windows.Start()
	defer func() { <-windows.Stop().Done() }()

	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           opsRouter(db, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info(egCtx, "ops server listening", slog.F("addr", cfg.Ops.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("ops server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(egCtx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info(ctx, "commute monitor running",
		slog.F("scheduler", cfg.Scheduler.Backend),
		slog.F("poll_interval", cfg.Monitoring.PollInterval),
		slog.F("timezone", loc.String()))
	return eg.Wait()
}

// newScheduler returns the configured backend and a function starting it.
func newScheduler(ctx context.Context, cfg *config.Config, clock quartz.Clock, logger slog.Logger) (scheduler, func(timer.Handler, timer.RetryPolicy), error) {
	switch cfg.Scheduler.Backend {
	case config.SchedulerMemory:
		tm := timer.NewTimerManager(clock, logger.Named("timer"), cfg.Scheduler.Workers)
		return tm, tm.Start, nil
	default:
		client, err := bootstrap.ConnectRedis(ctx, logger, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		rs := bootstrap.NewRedisScheduler(client, clock, logger.Named("scheduler"), cfg.Scheduler)
		return &redisScheduler{RedisScheduler: rs, client: client}, func(h timer.Handler, p timer.RetryPolicy) {
			rs.Start(ctx, h, p)
		}, nil
	}
}

// redisScheduler closes the client after the scheduler has drained.
type redisScheduler struct {
	*timer.RedisScheduler
	client interface{ Close() error }
}

func (s *redisScheduler) Stop() {
	s.RedisScheduler.Stop()
	_ = s.client.Close()
}

func createTopics(ctx context.Context, logger slog.Logger, cfg config.KafkaConfig) {
	for _, topic := range []string{cfg.TopicSamples, cfg.TopicReroutes} {
		if err := queue.CreateTopic(ctx, logger, cfg.Brokers, topic, cfg.NumPartitions, 1); err != nil {
			logger.Warn(ctx, "topic creation failed, it may already exist",
				slog.F("topic", topic), slog.Error(err))
		}
	}
}

func opsRouter(db *database.DB, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}
