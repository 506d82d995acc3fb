package storage

import (
	"sync"

	"github.com/google/uuid"
)

// Hub fans change events out to registered watchers. Backends publish on
// every successful write so cross-context observers stay in sync without
// direct messaging.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[string]WatchFunc // key -> token -> fn
}

// NewHub creates an empty watch hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[string]WatchFunc)}
}

// Subscribe registers fn for events on key and returns a cancel func.
func (h *Hub) Subscribe(key string, fn WatchFunc) (cancel func()) {
	token := uuid.NewString()

	h.mu.Lock()
	if h.watchers[key] == nil {
		h.watchers[key] = make(map[string]WatchFunc)
	}
	h.watchers[key][token] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.watchers[key], token)
		if len(h.watchers[key]) == 0 {
			delete(h.watchers, key)
		}
	}
}

// Publish delivers ev to every watcher of ev.Key, synchronously and in
// registration-independent order. Callers publish after the write commits so
// watchers never observe a value before it is durable.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	fns := make([]WatchFunc, 0, len(h.watchers[ev.Key]))
	for _, fn := range h.watchers[ev.Key] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
