/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

const redisKeyPrefix = "decodercache:snapshot:"

// RedisStoreConfig holds the configuration for the RedisStore.
type RedisStoreConfig struct {
	// Address is the Redis server address.
	Address string `json:"address,omitempty"`
	// TTL bounds the lifetime of stored snapshots. Zero means no
	// expiration.
	TTL time.Duration `json:"ttl,omitempty"`
}

// DefaultRedisStoreConfig returns a default configuration for the
// RedisStore.
func DefaultRedisStoreConfig() *RedisStoreConfig {
	return &RedisStoreConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// RedisStore implements the Store interface using Redis as the backend.
type RedisStore struct {
	RedisClient *redis.Client
	ttl         time.Duration
}

var _ Store = &RedisStore{}

// NewRedisStore creates a new RedisStore instance.
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisStoreConfig()
	}

	if !strings.HasPrefix(config.Address, "redis://") &&
		!strings.HasPrefix(config.Address, "rediss://") &&
		!strings.HasPrefix(config.Address, "unix://") {
		config.Address = "redis://" + config.Address
	}

	redisOpt, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		RedisClient: redisClient,
		ttl:         config.TTL,
	}, nil
}

// Save persists the snapshot, replacing any previous one for the same id.
func (r *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := snap.Encode()
	if err != nil {
		return err
	}

	key := redisKeyPrefix + snap.SessionID
	if err := r.RedisClient.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot for session %q: %w", snap.SessionID, err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("snapshot.RedisStore.Save").
		Info("saved snapshot", "sessionID", snap.SessionID, "bytes", len(payload))

	return nil
}

// Load retrieves and decodes the snapshot for a session id.
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	payload, err := r.RedisClient.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load snapshot for session %q: %w", sessionID, err)
	}

	return Decode(payload)
}

// Delete removes the snapshot for a session id.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.RedisClient.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot for session %q: %w", sessionID, err)
	}

	return nil
}
