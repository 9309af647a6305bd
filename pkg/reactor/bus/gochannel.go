package bus

import (
	"context"
	"fmt"

	"realtime-bindings/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultTopic is the topic, channel or subject name every bus uses for room events.
const DefaultTopic = "room_events"

// GoChannelBus is the single-process bus, backed by a watermill go channel. Handlers must
// not publish synchronously: Publish waits for every subscriber, the caller's included.
type GoChannelBus struct {
	pubSub *gochannel.GoChannel
	topic  string
	logger logger.ILogger
}

func NewGoChannelBus(log logger.ILogger) *GoChannelBus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &GoChannelBus{
		pubSub: gochannel.NewGoChannel(
			// Blocking until every subscriber acks keeps delivery in publish order.
			gochannel.Config{OutputChannelBuffer: 256, BlockPublishUntilSubscriberAck: true},
			watermill.NewStdLogger(false, false),
		),
		topic:  DefaultTopic,
		logger: log,
	}
}

func (b *GoChannelBus) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.topic, err)
	}
	return nil
}

func (b *GoChannelBus) Subscribe(ctx context.Context, h Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}

	go func() {
		for msg := range messages {
			env, err := decode(msg.Payload)
			// Malformed payloads are acked so they are not redelivered forever.
			msg.Ack()
			if err != nil {
				b.logger.Warn("Bus", "Dropping malformed envelope", map[string]interface{}{"error": err})
				continue
			}
			h(env)
		}
	}()
	return nil
}

func (b *GoChannelBus) Close() error {
	return b.pubSub.Close()
}
