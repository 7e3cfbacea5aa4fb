// Package events carries asynchronous notifications between the node's
// loops as named events.
package events

import (
	"sync"

	logger "github.com/sirupsen/logrus"
)

var log = logger.WithFields(logger.Fields{"prefix": "events"})

// Handler is a callback invoked with the event payload.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	name string
	id   int
}

// Bus is a named-event publisher. Handlers run on the emitting goroutine;
// a listener needing isolation owns its own queue.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewBus creates a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers h for events with the given name.
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.nextID++
	b.handlers[name][b.nextID] = h
	return Subscription{name: name, id: b.nextID}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[sub.name], sub.id)
}

// Emit delivers payload to every subscriber of name synchronously. Each
// handler is panic-guarded so a misbehaving subscriber cannot take down the
// emitting loop.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[name]))
	for _, h := range b.handlers[name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("handler panicked for %s: %v", name, r)
				}
			}()
			h(payload)
		}()
	}
}
