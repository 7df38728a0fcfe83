package events

import (
	"sync"
	"time"
)

// Event represents a system event with its payload
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler is a function invoked for each matching event
type Handler func(event *Event)

// Bus is a simple in-process publish/subscribe event bus.
// Handlers are invoked synchronously in subscription order; handlers that
// need to do slow work should hand it off to their own goroutines.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]Handler
	all       []allSubscription
	nextAllID int
}

// allSubscription pairs a catch-all handler with a removal id
type allSubscription struct {
	id      int
	handler Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type. The returned
// function removes the subscription; transient subscribers such as stream
// clients must call it or their handlers accumulate for the process lifetime.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAllID++
	id := b.nextAllID
	b.all = append(b.all, allSubscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes an event to all matching handlers
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[eventType]))
	copy(typed, b.handlers[eventType])
	all := make([]allSubscription, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, sub := range all {
		sub.handler(event)
	}
}
