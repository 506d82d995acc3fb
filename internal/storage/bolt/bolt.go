package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/timegateapp/timegate/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketRoots = "roots"

// Store implements the storage.KV interface using bbolt. All roots live in a
// single bucket; change notification is an in-process hub, which is
// sufficient because the daemon is the only writer of its database file.
type Store struct {
	db  *bbolt.DB
	hub *storage.Hub
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, hub: storage.NewHub()}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRoots)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRoots, err)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketRoots))
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key and notifies watchers after the transaction
// commits.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketRoots))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketRoots)
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return err
	}
	s.hub.Publish(storage.Event{Key: key, Value: value})
	return nil
}

// Delete removes key. Removing an absent key publishes nothing.
func (s *Store) Delete(ctx context.Context, key string) error {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketRoots))
		if b == nil {
			return nil
		}
		if b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if existed {
		s.hub.Publish(storage.Event{Key: key, Deleted: true})
	}
	return nil
}

// Watch registers fn for changes to key.
func (s *Store) Watch(key string, fn storage.WatchFunc) (cancel func()) {
	return s.hub.Subscribe(key, fn)
}
