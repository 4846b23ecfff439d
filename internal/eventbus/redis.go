package eventbus

import (
	"context"
	"fmt"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/pkg/events"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans events out over Redis pub/sub, one channel per topic.
type RedisBus struct {
	rdb    *redis.Client
	logger logger.ILogger
}

func NewRedisBus(url string, log logger.ILogger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn(module, "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusWithClient(rdb, log), nil
}

func NewRedisBusWithClient(rdb *redis.Client, log logger.ILogger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: log}
}

func (b *RedisBus) Publish(ctx context.Context, event events.Event) error {
	data, err := events.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, event.EventType(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event to channel %s: %w", event.EventType(), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan events.Event, error) {
	sub := b.rdb.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so no event published after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := events.Unmarshal([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn(module, "Dropping undecodable event", map[string]interface{}{"channel": msg.Channel, "error": err.Error()})
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
