package registry

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceCreated = "device_created"
	EventDeviceUpdated = "device_updated"
	EventDeviceRemoved = "device_removed"
	EventDeviceEvent   = "device_event"
	EventPassthrough   = "passthrough"
	EventGatewayStatus = "gateway_status"
	EventLocationMode  = "location_mode"
)

// Event is a registry notification fanned out to the web and MQTT layers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for registry events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls matching handlers synchronously; a panicking handler is
// recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// GatewayStatus is the payload of EventGatewayStatus.
type GatewayStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DeviceEvent is the payload of EventDeviceEvent: an impulse, a ding, or
// an external trigger.
type DeviceEvent struct {
	DeviceID string `json:"device_id"`
	VendorID string `json:"vendor_id"`
	Kind     string `json:"kind"`
	Data     any    `json:"data,omitempty"`
}

// DeviceChange is the payload of EventDeviceUpdated.
type DeviceChange struct {
	DeviceID string         `json:"device_id"`
	VendorID string         `json:"vendor_id"`
	Changes  map[string]any `json:"changes"`
}
