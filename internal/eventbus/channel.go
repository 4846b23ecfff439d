package eventbus

import (
	"context"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const subscriberBuffer = 64

// ChannelBus is the in-process bus. Events published with no subscriber are dropped.
// Publish waits for subscribers to take the event, so each subscriber sees events
// in publish order. A subscriber that stops reading loses events once its buffer is
// full; it never holds up publishers.
type ChannelBus struct {
	pubSub *gochannel.GoChannel
	logger logger.ILogger
}

func NewChannelBus(log logger.ILogger) *ChannelBus {
	return &ChannelBus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            256,
				BlockPublishUntilSubscriberAck: true,
			},
			newWatermillLogger(log),
		),
		logger: log,
	}
}

// Publish returns ctx.Err() if the event is not handed to every subscriber before
// ctx ends.
func (b *ChannelBus) Publish(ctx context.Context, event events.Event) error {
	data, err := events.Marshal(event)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- b.pubSub.Publish(event.EventType(), message.NewMessage(watermill.NewUUID(), data))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBus) Subscribe(ctx context.Context, topic string) (<-chan events.Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan events.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			event, err := events.Unmarshal(msg.Payload)
			if err != nil {
				// Ack invalid messages to prevent infinite redelivery
				msg.Ack()
				b.logger.Warn(module, "Dropping undecodable event", map[string]interface{}{"topic": topic, "error": err.Error()})
				continue
			}
			if ctx.Err() != nil {
				msg.Ack()
				return
			}
			select {
			case out <- event:
			default:
				b.logger.Warn(module, "Subscriber is not reading, event dropped", map[string]interface{}{"topic": topic})
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *ChannelBus) Close() error {
	return b.pubSub.Close()
}
