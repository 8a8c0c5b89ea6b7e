package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventDeviceDiscovered    EventType = "device.discovered"
	EventDeviceConnected     EventType = "device.connected"
	EventDeviceDisconnected  EventType = "device.disconnected"
	EventDeviceRemoved       EventType = "device.removed"
	EventDeltaReceived       EventType = "delta.received"
	EventDeltaAccepted       EventType = "delta.accepted"
	EventDeltaDuplicate      EventType = "delta.duplicate"
	EventDeltaRejected       EventType = "delta.rejected"
	EventConfigPushed        EventType = "config.pushed"
	EventConfigFetchFailed   EventType = "config.fetch_failed"
	EventHeartbeatMissed     EventType = "heartbeat.missed"
	EventSessionStateChanged EventType = "session.state_changed"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string          `json:"id"` // ULID
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
