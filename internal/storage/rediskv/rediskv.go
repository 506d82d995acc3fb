package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/timegateapp/timegate/internal/config"
	"github.com/timegateapp/timegate/internal/storage"
)

const (
	keyPrefix     = "timegate:root:"
	channelPrefix = "timegate:changes:"
)

// changeMessage is the wire form of a storage.Event on the pub/sub channel.
type changeMessage struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Store implements the storage.KV interface using Redis. Change notification
// rides Redis pub/sub, so watchers in other processes sharing the same Redis
// observe writes too.
type Store struct {
	client *redis.Client
	hub    *storage.Hub
	pubsub *redis.PubSub
	logger zerolog.Logger
	done   chan struct{}
}

// Open creates a new Redis-backed storage instance.
func Open(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &Store{
		client: client,
		hub:    storage.NewHub(),
		pubsub: client.PSubscribe(context.Background(), channelPrefix+"*"),
		logger: logger.With().Str("component", "rediskv").Logger(),
		done:   make(chan struct{}),
	}
	go store.dispatch()

	return store, nil
}

// Close stops the pub/sub dispatcher and closes the connection.
func (s *Store) Close() error {
	close(s.done)
	_ = s.pubsub.Close()
	return s.client.Close()
}

// Get returns the raw value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Set stores value under key and publishes the change.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	return s.publish(ctx, changeMessage{Key: key, Value: string(value)})
}

// Delete removes key. Removing an absent key publishes nothing.
func (s *Store) Delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, keyPrefix+key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}
	return s.publish(ctx, changeMessage{Key: key, Deleted: true})
}

// Watch registers fn for changes to key.
func (s *Store) Watch(key string, fn storage.WatchFunc) (cancel func()) {
	return s.hub.Subscribe(key, fn)
}

func (s *Store) publish(ctx context.Context, msg changeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change message: %w", err)
	}
	return s.client.Publish(ctx, channelPrefix+msg.Key, payload).Err()
}

// dispatch forwards pub/sub messages into the local hub until Close.
func (s *Store) dispatch() {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to decode change message")
				continue
			}
			key := change.Key
			if key == "" {
				key = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			s.hub.Publish(storage.Event{
				Key:     key,
				Value:   []byte(change.Value),
				Deleted: change.Deleted,
			})
		}
	}
}
