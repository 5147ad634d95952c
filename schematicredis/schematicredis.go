// Package schematicredis provides a Redis-backed implementation of the
// client's Storage interface, so that values such as the anonymous tracker id
// survive across hosts that share a Redis instance.
package schematicredis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to every key when no prefix is configured.
const DefaultPrefix = "schematic"

const opTimeout = 3 * time.Second

// Options configures the storage.
type Options struct {
	// Client is an already configured go-redis client. Required.
	Client redis.UniversalClient
	// Prefix namespaces the keys; DefaultPrefix when empty.
	Prefix string
	// TTL expires stored values; zero means no expiration.
	TTL time.Duration
}

// Storage satisfies schematic.Storage. Failed operations degrade to "not
// found" rather than propagating errors, matching the file-backed default.
type Storage struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a storage and verifies connectivity.
func New(opts Options) (*Storage, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := opts.Client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Storage{client: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// Get returns the stored value for key, or false when it is absent or Redis
// is unreachable.
func (s *Storage) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	value, err := s.client.Get(ctx, s.prefix+":"+key).Result()
	if err != nil {
		return "", false
	}
	return value, true
}

// Set stores the value; a failure is silently dropped and the next Get will
// simply miss.
func (s *Storage) Set(key string, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_ = s.client.Set(ctx, s.prefix+":"+key, value, s.ttl).Err()
}
