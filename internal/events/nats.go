package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration

	// Stream is the JetStream stream holding every topic under Subjects
	Stream   string
	Subjects []string
	// Durable prefixes the durable consumer created for each topic
	Durable string
	MaxAge  time.Duration
}

// NATSBus maps topics onto subjects of a JetStream stream. Subscribers read
// through durable pull consumers and acknowledge each message after the
// handler returns, so nothing published while they were away is lost.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger

	stream  string
	durable string

	mu         sync.Mutex
	reconnects int
}

// NewNATSBus connects to the configured server and makes sure the stream exists
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "sterisafe"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Stream == "" {
		cfg.Stream = "STERISAFE"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{"incidents.>"}
	}
	if cfg.Durable == "" {
		cfg.Durable = cfg.Name
	}

	b := &NATSBus{
		logger:  slog.Default().With("component", "nats-bus"),
		stream:  cfg.Stream,
		durable: cfg.Durable,
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.mu.Lock()
			b.reconnects++
			b.mu.Unlock()
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	b.conn = conn
	b.js = js

	if _, err := js.StreamInfo(cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: cfg.Subjects,
			Storage:  nats.FileStorage,
			MaxAge:   cfg.MaxAge,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
	} else if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to look up stream %s: %w", cfg.Stream, err)
	}

	b.logger.Info("nats event bus connected", "url", cfg.URL, "stream", cfg.Stream)
	return b, nil
}

// Reconnects reports how many times the connection was re-established
func (b *NATSBus) Reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

// Publish waits for the stream to acknowledge the message
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.js.Publish(topic, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats publish to %s failed: %w", topic, err)
	}
	return nil
}

// durableName derives a consumer name from topic; JetStream names may not
// contain dots
func (b *NATSBus) durableName(topic string) string {
	return b.durable + "-" + strings.NewReplacer(".", "_", "*", "any", ">", "all").Replace(topic)
}

// Subscribe binds to the topic's durable consumer, creating it on first use.
// A new consumer starts with messages published after it was created.
func (b *NATSBus) Subscribe(_ context.Context, topic string, handler Handler) (func(), error) {
	durable := b.durableName(topic)
	if _, err := b.js.ConsumerInfo(b.stream, durable); errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = b.js.AddConsumer(b.stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: topic,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverNewPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up consumer for %s: %w", topic, err)
	}

	// Bound subscriptions leave the consumer in place on unsubscribe
	sub, err := b.js.PullSubscribe(topic, durable, nats.Bind(b.stream, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(ctx, sub, topic, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Warn("nats unsubscribe failed", "subject", topic, "error", err)
			}
		})
	}, nil
}

func (b *NATSBus) consume(ctx context.Context, sub *nats.Subscription, topic string, handler Handler) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msgs, err := sub.Fetch(50, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
				b.logger.Warn("nats fetch failed", "subject", topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, msg := range msgs {
			handler(msg.Data)
			if err := msg.Ack(); err != nil {
				b.logger.Warn("nats ack failed", "subject", topic, "error", err)
			}
		}
	}
}

func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
