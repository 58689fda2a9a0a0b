package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisBus maps topics onto Redis Streams. Each subscriber reads through a
// consumer group, so entries published while it was away are delivered when
// it comes back, and entries it never acknowledged are delivered again.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
	prefix string

	group    string
	consumer string
	maxLen   int64
	block    time.Duration
	batch    int64
}

// RedisOption configures a RedisBus
type RedisOption func(*RedisBus)

// WithConsumer names the consumer group and the consumer within it. Processes
// sharing a group split the entries between them; each group sees them all.
func WithConsumer(group, consumer string) RedisOption {
	return func(b *RedisBus) {
		if group != "" {
			b.group = group
		}
		if consumer != "" {
			b.consumer = consumer
		}
	}
}

// WithStreamMaxLen caps each stream at roughly n entries. Zero keeps everything.
func WithStreamMaxLen(n int64) RedisOption {
	return func(b *RedisBus) { b.maxLen = n }
}

// WithBlock sets how long a read waits for new entries. Unsubscribing can
// take up to this long.
func WithBlock(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.block = d
		}
	}
}

// NewRedisBus verifies connectivity and returns a bus over client.
// Stream keys are namespaced with prefix.
func NewRedisBus(ctx context.Context, client *redis.Client, prefix string, opts ...RedisOption) (*RedisBus, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "steri"
	}
	b := &RedisBus{
		client:   client,
		logger:   slog.Default().With("component", "redis-bus"),
		prefix:   prefix,
		group:    "sterisafe",
		consumer: consumer,
		maxLen:   10000,
		block:    2 * time.Second,
		batch:    50,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger.Info("redis event bus connected",
		"addr", client.Options().Addr, "group", b.group, "consumer", b.consumer)
	return b, nil
}

func (b *RedisBus) stream(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + ":" + topic
}

// Publish appends payload to the topic's stream. A nil error means Redis
// stored the entry.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]interface{}{payloadField: payload},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", topic, err)
	}
	return nil
}

// Subscribe joins the bus's consumer group on topic. A group seen for the
// first time starts at the end of the stream.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	stream := b.stream(topic)
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis subscribe to %s failed: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(subCtx, stream, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// consume delivers entries until ctx is cancelled. Entries left pending by an
// earlier run of this consumer come first, then new ones.
func (b *RedisBus) consume(ctx context.Context, stream string, handler Handler) {
	start := "0"
	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, start},
			Count:    b.batch,
			Block:    b.block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			start = ">"
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("redis stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				delivered++
				if payload, ok := msg.Values[payloadField].(string); ok {
					handler([]byte(payload))
				} else {
					b.logger.Warn("redis stream entry without payload", "stream", stream, "id", msg.ID)
				}
				if err := b.client.XAck(context.Background(), stream, b.group, msg.ID).Err(); err != nil {
					b.logger.Warn("redis stream ack failed", "stream", stream, "id", msg.ID, "error", err)
				}
			}
		}
		if delivered == 0 {
			start = ">"
		}
	}
}

func (b *RedisBus) Close() error {
	// The client may be shared between the cache and the bus
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	b.logger.Info("redis event bus closed")
	return nil
}
