package bus

import (
	"context"
	"fmt"

	"realtime-bindings/internal/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans room events out across server instances over Redis pub/sub.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  logger.ILogger
}

func NewRedisBus(rdb *redis.Client, log logger.ILogger) *RedisBus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RedisBus{rdb: rdb, channel: DefaultTopic, logger: log}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to redis channel %s: %w", b.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("Bus", "Redis msg parse error", map[string]interface{}{"error": err})
					continue
				}
				h(env)
			}
		}
	}()
	return nil
}

// Close leaves the client open; it belongs to the caller.
func (b *RedisBus) Close() error {
	return nil
}
