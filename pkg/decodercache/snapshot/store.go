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

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

// ErrNotFound is returned when no snapshot exists for a session id.
var ErrNotFound = errors.New("snapshot not found")

const defaultInMemoryStoreSize = 256

// StoreConfig selects and configures a snapshot store backend.
// If multiple backends are configured, only the first one is used.
type StoreConfig struct {
	// InMemoryConfig holds the configuration for the in-memory store.
	InMemoryConfig *InMemoryStoreConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis store.
	RedisConfig *RedisStoreConfig `json:"redisConfig"`
}

// DefaultStoreConfig returns a default configuration for the snapshot
// store.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		InMemoryConfig: DefaultInMemoryStoreConfig(),
	}
}

// NewStore creates a Store instance for the configured backend.
func NewStore(cfg *StoreConfig) (Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		store, err := NewInMemoryStore(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory snapshot store: %w", err)
		}
		return store, nil
	case cfg.RedisConfig != nil:
		store, err := NewRedisStore(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis snapshot store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("no valid snapshot store configuration provided")
	}
}

// Store persists encoded session snapshots keyed by session id.
//
// Store operations are thread-safe and can be performed concurrently.
type Store interface {
	// Save persists the snapshot, replacing any previous one for the
	// same session id.
	Save(ctx context.Context, snap *Snapshot) error
	// Load retrieves and decodes the snapshot for a session id.
	// Returns ErrNotFound when absent.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	// Delete removes the snapshot for a session id. Deleting an absent
	// snapshot is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// InMemoryStoreConfig holds the configuration for the InMemoryStore.
type InMemoryStoreConfig struct {
	// Size is the maximum number of snapshots retained.
	Size int `json:"size"`
}

// DefaultInMemoryStoreConfig returns a default configuration for the
// InMemoryStore.
func DefaultInMemoryStoreConfig() *InMemoryStoreConfig {
	return &InMemoryStoreConfig{Size: defaultInMemoryStoreSize}
}

// InMemoryStore is an LRU-bounded, in-process Store implementation.
type InMemoryStore struct {
	data *lru.Cache[string, []byte]
}

var _ Store = &InMemoryStore{}

// NewInMemoryStore creates a new InMemoryStore instance.
func NewInMemoryStore(cfg *InMemoryStoreConfig) (*InMemoryStore, error) {
	if cfg == nil {
		cfg = DefaultInMemoryStoreConfig()
	}

	cache, err := lru.New[string, []byte](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	return &InMemoryStore{data: cache}, nil
}

// Save persists the snapshot, replacing any previous one for the same id.
func (m *InMemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := snap.Encode()
	if err != nil {
		return err
	}

	m.data.Add(snap.SessionID, payload)
	klog.FromContext(ctx).V(logging.TRACE).WithName("snapshot.InMemoryStore.Save").
		Info("saved snapshot", "sessionID", snap.SessionID, "bytes", len(payload))

	return nil
}

// Load retrieves and decodes the snapshot for a session id.
func (m *InMemoryStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	payload, found := m.data.Get(sessionID)
	if !found {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}

	return Decode(payload)
}

// Delete removes the snapshot for a session id.
func (m *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	m.data.Remove(sessionID)
	return nil
}
