package cache

import (
	"sync"

	"marketgate/logger"
)

// Event types published by the cache.
const (
	EventVersionChanged = "version_changed"
	EventDataRemoved    = "data_removed"
)

// EventHandler receives cache events. Handlers run synchronously on the
// publishing goroutine; keep them short.
type EventHandler func(eventType, key string)

// SubscriptionID identifies one registered handler.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// eventBus is a tiny synchronous pub/sub used for cache invalidation
// notifications. Handlers are invoked in registration order; a panicking
// handler is recovered and logged, never propagated to the publisher.
type eventBus struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	subs   map[string][]subscription
	log    *logger.Log
}

func newEventBus(log *logger.Log) *eventBus {
	return &eventBus{
		subs: make(map[string][]subscription),
		log:  log,
	}
}

func (b *eventBus) subscribe(eventType string, handler EventHandler) SubscriptionID {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

func (b *eventBus) unsubscribe(id SubscriptionID) {
	if id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) publish(eventType, key string) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[eventType]))
	copy(subs, b.subs[eventType])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, eventType, key)
	}
}

func (b *eventBus) dispatch(sub subscription, eventType, key string) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.WithComponent("cache_events").WithFields(logger.Fields{
					"event": eventType,
					"key":   key,
					"panic": r,
				}).Error("event subscriber panicked")
			}
		}
	}()
	sub.handler(eventType, key)
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}
