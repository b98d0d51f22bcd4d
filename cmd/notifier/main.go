package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/bootstrap"
	"github.com/smukkama/commute-monitor/internal/notification"
	"github.com/smukkama/commute-monitor/internal/queue"
	"github.com/smukkama/commute-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(os.Stderr, cfg.Ops.LogLevel).Named("notifier")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()
	notifier := notification.NewEmailNotifier(&cfg.SMTP, clock, logger.Named("email"))

	// Optional; without SMTP the alerts are only logged.
	if err := notifier.TestConnection(); err != nil {
		logger.Warn(ctx, "SMTP unavailable, notifications will be logged only", slog.Error(err))
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReroutes, "notification-group")
	defer consumer.Close()

	logger.Info(ctx, "notification service running",
		slog.F("topic", cfg.Kafka.TopicReroutes),
		slog.F("smtp_configured", notifier.Configured()))

	if err := notification.NewDispatcher(consumer, notifier, clock, logger).Run(ctx); err != nil {
		logger.Fatal(ctx, "dispatcher exited", slog.Error(err))
	}
	logger.Info(ctx, "shut down gracefully")
}
