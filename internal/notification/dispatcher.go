package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/segmentio/kafka-go"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/protocol"
)

// MessageSource is a committing message stream such as *queue.Consumer.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Notifier delivers reroute alerts.
type Notifier interface {
	SendRerouteAlert(ctx context.Context, event *protocol.RerouteEvent) error
}

// sendRetries bounds how often a failed alert is re-sent before the
// dispatcher gives up.
const sendRetries = 4

// Dispatcher turns reroute events into notifications.
type Dispatcher struct {
	source   MessageSource
	notifier Notifier
	clock    quartz.Clock
	logger   slog.Logger
}

// NewDispatcher creates a dispatcher reading from source.
func NewDispatcher(source MessageSource, notifier Notifier, clock quartz.Clock, logger slog.Logger) *Dispatcher {
	return &Dispatcher{source: source, notifier: notifier, clock: clock, logger: logger}
}

// Run consumes until ctx is done. Undecodable messages are committed and
// dropped. A failed alert is re-sent with backoff; when the retries run
// out Run returns an error without committing, so the message is
// delivered again after a restart. The reader's position moves past a
// fetched message whether or not it is committed, so skipping it would
// lose the alert.
func (d *Dispatcher) Run(ctx context.Context) error {
	wait := backoff.NewExponentialBackOff()
	wait.MaxElapsedTime = 0

	for {
		msg, err := d.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := wait.NextBackOff()
			d.logger.Warn(ctx, "consume reroute event", slog.F("retry_in", delay), slog.Error(err))
			if !d.sleep(ctx, delay) {
				return nil
			}
			continue
		}
		wait.Reset()

		if err := d.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) error {
	event, err := protocol.DecodeRerouteEvent(msg.Value)
	if err != nil {
		d.logger.Error(ctx, "decode reroute event, dropping",
			slog.F("offset", msg.Offset), slog.Error(err))
		d.commit(ctx, msg)
		return nil
	}

	logger := d.logger.With(slog.F("route_id", event.RouteID), slog.F("offset", msg.Offset))
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	err = backoff.RetryNotifyWithTimer(func() error {
		return d.notifier.SendRerouteAlert(ctx, event)
	}, backoff.WithContext(backoff.WithMaxRetries(retry, sendRetries), ctx), func(err error, wait time.Duration) {
		logger.Warn(ctx, "send reroute alert, retrying", slog.F("retry_in", wait), slog.Error(err))
	}, &clockTimer{clock: d.clock})
	if err != nil {
		return xerrors.Errorf("send reroute alert for route %s at offset %d: %w", event.RouteID, msg.Offset, err)
	}

	d.commit(ctx, msg)
	return nil
}

func (d *Dispatcher) commit(ctx context.Context, msg kafka.Message) {
	if err := d.source.Commit(ctx, msg); err != nil {
		d.logger.Error(ctx, "commit offset", slog.F("offset", msg.Offset), slog.Error(err))
	}
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := d.clock.NewTimer(delay, "notification", "backoff")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// clockTimer drives backoff retries from the injected clock.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	t.timer = t.clock.NewTimer(d, "notification", "retry")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
