package bus

import (
	"context"
	"fmt"
	"time"

	"realtime-bindings/internal/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsStream  = "ROOMS"
	natsSubject = "rooms.events"
)

// NatsBus carries room events on a short-lived JetStream stream. Each subscriber reads it
// through its own ordered consumer starting at new messages, so every session sees every
// event in publish order.
type NatsBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger logger.ILogger
}

// NewNatsBus connects to url and makes sure the ROOMS stream exists.
func NewNatsBus(url string, log logger.ILogger) (*NatsBus, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStream,
		Subjects:  []string{"rooms.>"},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", natsStream, err)
	}

	return &NatsBus{nc: nc, js: js, logger: log}, nil
}

func (b *NatsBus) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, natsSubject, data); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", natsSubject, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, h Handler) error {
	consumer, err := b.js.OrderedConsumer(ctx, natsStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{natsSubject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := decode(msg.Data())
		if err != nil {
			b.logger.Warn("Bus", "Error unmarshalling event data", map[string]interface{}{"error": err})
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", natsStream, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return nil
}

func (b *NatsBus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
