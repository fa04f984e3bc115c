// Package pubsub provides a small generic publish/subscribe fan-out used to
// feed trace lines and hold-count changes to the diagnostic window.
package pubsub

import (
	"context"
	"time"
)

// EventType tags what a published payload describes.
type EventType string

const (
	// TraceEvent carries one formatted log line.
	TraceEvent EventType = "trace"
	// HoldsEvent carries the lifecycle hold count after a change.
	HoldsEvent EventType = "holds"
	// SurfaceEvent carries presentation surface notifications.
	SurfaceEvent EventType = "surface"
)

// Event is a published payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
