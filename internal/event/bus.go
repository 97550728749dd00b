// Package event provides the publish/subscribe bus that chat modules use to
// hand lifecycle and chat events to their consumers.
package event

import "sync"

// Event names published by chat modules.
const (
	EventConnect = "connect"
	EventError   = "error"
	EventClose   = "close"
	EventMessage = "message"
)

// Handler receives the payload of a published event.
type Handler func(payload any)

// Bus routes published events to the handlers subscribed to that name.
// Handlers for one name run in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	name    string
	handler Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]*Subscription)}
}

// Subscribe registers h for events published under name.
func (b *Bus) Subscribe(name string, h Handler) *Subscription {
	sub := &Subscription{bus: b, name: name, handler: h}

	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[s.name]
	for i, sub := range subs {
		if sub == s {
			// Copy so a Publish iterating the old slice is unaffected.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[s.name] = next
			break
		}
	}
	if len(b.handlers[s.name]) == 0 {
		delete(b.handlers, s.name)
	}
}

// Publish delivers payload to every handler subscribed to name. Handlers are
// called synchronously and outside the bus lock, so they may subscribe or
// publish themselves.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	subs := b.handlers[name]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(payload)
	}
}

// count returns the number of handlers subscribed to name.
func (b *Bus) count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
