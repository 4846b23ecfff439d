package eventbus

import (
	"context"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/pkg/events"
	pktNats "ai-docchat-client/pkg/nats"
)

// NatsBus publishes to the DOCCHAT JetStream stream and reads it back with
// ephemeral consumers.
type NatsBus struct {
	pub    *pktNats.Publisher
	sub    *pktNats.Subscriber
	logger logger.ILogger
}

func NewNatsBus(url string, log logger.ILogger) (*NatsBus, error) {
	pub, err := pktNats.NewPublisher(url)
	if err != nil {
		return nil, err
	}
	sub, err := pktNats.NewSubscriber(url)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &NatsBus{pub: pub, sub: sub, logger: log}, nil
}

func (b *NatsBus) Publish(ctx context.Context, event events.Event) error {
	return b.pub.Publish(ctx, event)
}

func (b *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan events.Event, error) {
	out := make(chan events.Event, 64)
	err := b.sub.Subscribe(ctx, topic, "", func(ctx context.Context, event events.Event) error {
		select {
		case out <- event:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *NatsBus) Close() error {
	b.sub.Close()
	b.pub.Close()
	return nil
}
