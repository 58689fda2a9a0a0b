package events

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurableName(t *testing.T) {
	b := &NATSBus{durable: "steri-watch"}
	assert.Equal(t, "steri-watch-incidents_created", b.durableName("incidents.created"))
	assert.Equal(t, "steri-watch-incidents_all", b.durableName("incidents.>"))
}

// Requires a JetStream enabled server, e.g. nats-server -js
func TestNATSBusRedeliversAfterReconnect(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx := context.Background()
	stream := fmt.Sprintf("STERITEST%d", time.Now().UnixNano())
	subject := "steritest." + stream
	cfg := NATSConfig{URL: url, Stream: stream, Subjects: []string{subject}, Durable: "watch"}

	bus, err := NewNATSBus(cfg)
	require.NoError(t, err)
	defer bus.Close()
	defer bus.js.DeleteStream(stream)

	received := make(chan string, 4)
	unsubscribe, err := bus.Subscribe(ctx, subject, collect(received))
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, bus.Publish(ctx, subject, []byte(`{"id":"away"}`)))

	unsubscribe, err = bus.Subscribe(ctx, subject, collect(received))
	require.NoError(t, err)
	defer unsubscribe()

	assert.JSONEq(t, `{"id":"away"}`, waitFor(t, received))
}
