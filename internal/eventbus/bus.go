// Package eventbus carries client state events to collaborators: in process over a
// watermill channel, or across processes over Redis pub/sub or NATS JetStream.
package eventbus

import (
	"context"
	"fmt"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/pkg/events"
)

const module = "EventBus"

const (
	DriverWatermill = "watermill"
	DriverRedis     = "redis"
	DriverNats      = "nats"
)

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
	Close() error
}

// Subscriber delivers the events of one topic until ctx ends or the bus closes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan events.Event, error)
	Close() error
}

type Bus interface {
	Publisher
	Subscriber
}

type Options struct {
	Driver   string
	RedisURL string
	NatsURL  string
}

// Open builds the bus for opts.Driver. An unknown driver is an error.
func Open(opts Options, log logger.ILogger) (Bus, error) {
	switch opts.Driver {
	case "", DriverWatermill:
		return NewChannelBus(log), nil
	case DriverRedis:
		return NewRedisBus(opts.RedisURL, log)
	case DriverNats:
		return NewNatsBus(opts.NatsURL, log)
	default:
		return nil, fmt.Errorf("unknown state bus driver %q", opts.Driver)
	}
}
