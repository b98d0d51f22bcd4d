package queue

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/smukkama/commute-monitor/internal/protocol"
)

// EventPublisher publishes engine events, keyed by route id so the
// events of one route stay ordered within a partition.
type EventPublisher struct {
	samples  *Producer
	reroutes *Producer
}

// NewEventPublisher creates a publisher writing to the samples and reroutes producers.
func NewEventPublisher(samples, reroutes *Producer) *EventPublisher {
	return &EventPublisher{samples: samples, reroutes: reroutes}
}

func (p *EventPublisher) PublishSample(ctx context.Context, event *protocol.SampleEvent) error {
	data, err := protocol.EncodeSampleEvent(event)
	if err != nil {
		return xerrors.Errorf("encode sample event: %w", err)
	}
	return p.samples.Publish(ctx, event.RouteID.String(), data)
}

func (p *EventPublisher) PublishReroute(ctx context.Context, event *protocol.RerouteEvent) error {
	data, err := protocol.EncodeRerouteEvent(event)
	if err != nil {
		return xerrors.Errorf("encode reroute event: %w", err)
	}
	return p.reroutes.Publish(ctx, event.RouteID.String(), data)
}

// Close closes both producers.
func (p *EventPublisher) Close() error {
	err := p.samples.Close()
	if rerr := p.reroutes.Close(); err == nil {
		err = rerr
	}
	return err
}
