package storage

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: key not found")

// Event describes a committed change to a key. A deleted key and a key
// written as null are delivered as the same removal event, so watchers can
// treat "value absent" uniformly.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// WatchFunc receives change events for a watched key.
type WatchFunc func(Event)

// KV is the asynchronous key-value service the quota store is built on.
// It offers no transactions; multi-step read-modify-write sequences are the
// caller's responsibility. Watchers observe writes in the order they were
// committed, with no delivery-latency guarantee.
type KV interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key and notifies watchers.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is a no-op. Watchers
	// receive a removal event.
	Delete(ctx context.Context, key string) error
	// Watch registers fn for changes to key. The returned cancel func
	// unregisters it. fn must not block.
	Watch(key string, fn WatchFunc) (cancel func())
	Close() error
}

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
