package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T, mr *miniredis.Miniredis, opts ...RedisOption) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	opts = append([]RedisOption{WithBlock(50 * time.Millisecond)}, opts...)
	bus, err := NewRedisBus(context.Background(), client, "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func collect(received chan<- string) Handler {
	return func(p []byte) { received <- string(p) }
}

func waitFor(t *testing.T, received <-chan string) string {
	t.Helper()
	select {
	case got := <-received:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return ""
	}
}

func TestRedisBusDelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestRedisBus(t, mr, WithConsumer("watch", "w1"))
	ctx := context.Background()

	received := make(chan string, 4)
	unsubscribe, err := bus.Subscribe(ctx, "incidents.created", collect(received))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "incidents.created", []byte(`{"id":"1"}`)))
	require.NoError(t, bus.Publish(ctx, "incidents.resolved", []byte(`{"id":"2"}`)))
	assert.JSONEq(t, `{"id":"1"}`, waitFor(t, received))

	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(ctx, "incidents.created", []byte(`{"id":"3"}`)))
	select {
	case got := <-received:
		t.Fatalf("delivered after unsubscribe: %s", got)
	case <-time.After(200 * time.Millisecond):
	}

	assert.True(t, mr.Exists("test:incidents.created"))
}

func TestRedisBusRedeliversAfterReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newTestRedisBus(t, mr, WithConsumer("watch", "w1"))
	received := make(chan string, 4)
	unsubscribe, err := first.Subscribe(ctx, "incidents.created", collect(received))
	require.NoError(t, err)
	unsubscribe()

	// Published while nobody in the group is reading
	publisher := newTestRedisBus(t, mr)
	require.NoError(t, publisher.Publish(ctx, "incidents.created", []byte(`{"id":"away"}`)))

	second := newTestRedisBus(t, mr, WithConsumer("watch", "w1"))
	unsubscribe, err = second.Subscribe(ctx, "incidents.created", collect(received))
	require.NoError(t, err)
	defer unsubscribe()

	assert.JSONEq(t, `{"id":"away"}`, waitFor(t, received))
}

func TestRedisBusGroupsFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestRedisBus(t, mr, WithConsumer("a", "w1"))
	b := newTestRedisBus(t, mr, WithConsumer("b", "w1"))

	gotA := make(chan string, 2)
	gotB := make(chan string, 2)
	stopA, err := a.Subscribe(ctx, "t", collect(gotA))
	require.NoError(t, err)
	defer stopA()
	stopB, err := b.Subscribe(ctx, "t", collect(gotB))
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, a.Publish(ctx, "t", []byte("x")))
	assert.Equal(t, "x", waitFor(t, gotA))
	assert.Equal(t, "x", waitFor(t, gotB))
}

func TestRedisBusNewGroupStartsAtEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	bus := newTestRedisBus(t, mr, WithConsumer("late", "w1"))
	require.NoError(t, bus.Publish(ctx, "t", []byte("before")))

	received := make(chan string, 2)
	unsubscribe, err := bus.Subscribe(ctx, "t", collect(received))
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, bus.Publish(ctx, "t", []byte("after")))
	assert.Equal(t, "after", waitFor(t, received))
}
