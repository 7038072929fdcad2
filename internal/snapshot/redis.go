// Package snapshot persists the last known-good schema of every subgraph so a
// restarted gateway can compose while a subgraph is unreachable.
package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ensembl/ensembl-thoas/internal/metrics"
)

// ErrNotFound is returned by Load when no snapshot exists.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a stored subgraph schema.
type Snapshot struct {
	SDL     string
	SavedAt time.Time
}

// Store saves and loads subgraph schema snapshots.
type Store interface {
	Save(ctx context.Context, subgraph, sdl string) error
	Load(ctx context.Context, subgraph string) (*Snapshot, error)
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	KeyPrefix string        // default "thoas:sdl:"
	TTL       time.Duration // zero keeps snapshots forever
	Metrics   *metrics.Metrics
}

// RedisStore keeps snapshots in Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	metrics   *metrics.Metrics
	stats     Stats
}

// Stats counts store operations.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Saves  uint64 `json:"saves"`
	Errors uint64 `json:"errors"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient creates a store on an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "thoas:sdl:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		metrics:   cfg.Metrics,
	}
}

type redisEntry struct {
	SDL     string
	SavedAt int64
}

func (s *RedisStore) key(subgraph string) string {
	return s.keyPrefix + subgraph
}

// Save stores sdl as the latest snapshot of subgraph.
func (s *RedisStore) Save(ctx context.Context, subgraph, sdl string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(redisEntry{SDL: sdl, SavedAt: time.Now().UnixNano()}); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	err := s.client.Set(ctx, s.key(subgraph), buf.Bytes(), s.ttl).Err()
	s.metrics.RecordSnapshot("save", err)
	if err != nil {
		atomic.AddUint64(&s.stats.Errors, 1)
		return fmt.Errorf("saving snapshot of %s: %w", subgraph, err)
	}
	atomic.AddUint64(&s.stats.Saves, 1)
	return nil
}

// Load returns the latest snapshot of subgraph, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, subgraph string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(subgraph)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddUint64(&s.stats.Misses, 1)
			s.metrics.RecordSnapshot("load", ErrNotFound)
			return nil, ErrNotFound
		}
		atomic.AddUint64(&s.stats.Errors, 1)
		s.metrics.RecordSnapshot("load", err)
		return nil, fmt.Errorf("loading snapshot of %s: %w", subgraph, err)
	}

	var entry redisEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		atomic.AddUint64(&s.stats.Errors, 1)
		s.metrics.RecordSnapshot("load", err)
		return nil, fmt.Errorf("decoding snapshot of %s: %w", subgraph, err)
	}

	atomic.AddUint64(&s.stats.Hits, 1)
	s.metrics.RecordSnapshot("load", nil)
	return &Snapshot{SDL: entry.SDL, SavedAt: time.Unix(0, entry.SavedAt)}, nil
}

// Delete removes the snapshot of subgraph.
func (s *RedisStore) Delete(ctx context.Context, subgraph string) error {
	return s.client.Del(ctx, s.key(subgraph)).Err()
}

// Stats returns a copy of the store statistics.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadUint64(&s.stats.Hits),
		Misses: atomic.LoadUint64(&s.stats.Misses),
		Saves:  atomic.LoadUint64(&s.stats.Saves),
		Errors: atomic.LoadUint64(&s.stats.Errors),
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
