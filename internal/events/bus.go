// Package events carries incident change notifications between processes.
// Delivery is at-least-once and unordered; consumers reconcile on the
// authoritative fields of each payload.
package events

import (
	"context"
)

// Handler receives a raw payload. It must not block for long: transports
// call it on their delivery goroutine.
type Handler func(payload []byte)

// Bus publishes payloads to topics and fans them out to subscribers
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler on topic. The returned function stops
	// delivery and is safe to call more than once.
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)
	Close() error
}
