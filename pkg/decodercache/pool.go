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

package decodercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/metrics"
	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

const (
	defaultLRUPoolSize = 1024

	defaultPoolNumCounters = 1e7
	defaultPoolBufferItems = 64
	// fixed per-session bookkeeping cost on top of tensor bytes
	sessionOverheadBytes = 256
)

// LRUPoolConfig holds the configuration for the count-bounded session pool.
type LRUPoolConfig struct {
	// Size is the maximum number of sessions held at once.
	Size int `json:"size"`
}

// DefaultLRUPoolConfig returns a default configuration for the LRU pool.
func DefaultLRUPoolConfig() *LRUPoolConfig {
	return &LRUPoolConfig{Size: defaultLRUPoolSize}
}

// CostAwarePoolConfig holds the configuration for the memory-bounded
// session pool.
type CostAwarePoolConfig struct {
	// Size is the maximum memory held by cached sessions.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB".
	Size string `json:"size,omitempty"`
}

// DefaultCostAwarePoolConfig returns a default configuration for the
// cost-aware pool.
func DefaultCostAwarePoolConfig() *CostAwarePoolConfig {
	return &CostAwarePoolConfig{Size: "2GiB"}
}

// PoolConfig holds the configuration for the session pool.
// It may configure several backends; if multiple are configured, only the
// first one is used.
type PoolConfig struct {
	// SessionConfig is applied to every session the pool creates.
	SessionConfig *SessionConfig `json:"sessionConfig"`

	// LRUConfig holds the configuration for the count-bounded backend.
	LRUConfig *LRUPoolConfig `json:"lruConfig"`
	// CostAwareConfig holds the configuration for the memory-bounded
	// backend.
	CostAwareConfig *CostAwarePoolConfig `json:"costAwareConfig"`

	// EnableMetrics toggles whether updates/evictions/resizes are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are
	// logged. If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultPoolConfig returns a default configuration for the session pool.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		SessionConfig: DefaultSessionConfig(),
		LRUConfig:     DefaultLRUPoolConfig(),
		EnableMetrics: false,
	}
}

// Pool holds at most one live session per session id.
//
// The pool bounds how many sessions (or how much session memory) is
// retained; evicted or removed sessions are closed, which releases any
// native buffer handle. The pool serializes its own map operations, but
// ensuring at most one concurrent mutator per session id remains the
// caller's responsibility.
type Pool struct {
	config  *PoolConfig
	backend poolBackend

	// mu guards create-if-absent so concurrent callers for the same id
	// observe a single session.
	mu sync.Mutex
}

// poolBackend is the storage strategy behind a Pool.
type poolBackend interface {
	get(id string) (Cache, bool)
	add(id string, cache Cache, cost int64)
	remove(id string)
	len() int
}

// NewPool creates a session pool with the backend selected by the config.
func NewPool(ctx context.Context, cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if cfg.SessionConfig == nil {
		cfg.SessionConfig = DefaultSessionConfig()
	}

	var backend poolBackend
	var err error

	switch {
	case cfg.LRUConfig != nil:
		backend, err = newLRUPoolBackend(ctx, cfg.LRUConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create LRU session pool: %w", err)
		}
	case cfg.CostAwareConfig != nil:
		backend, err = newCostAwarePoolBackend(ctx, cfg.CostAwareConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware session pool: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid session pool configuration provided")
	}

	if cfg.EnableMetrics {
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return &Pool{config: cfg, backend: backend}, nil
}

// GetOrCreate returns the live session for the given id, creating an inert
// one if absent. Created sessions still need Setup.
func (p *Pool) GetOrCreate(ctx context.Context, sessionID string) Cache {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cache, found := p.backend.get(sessionID); found {
		return cache
	}

	var cache Cache = NewSession(p.config.SessionConfig)
	if p.config.EnableMetrics {
		cache = NewInstrumentedSession(cache)
	}

	p.backend.add(sessionID, cache, sessionCost(cache))

	klog.FromContext(ctx).V(logging.DEBUG).WithName("decodercache.Pool").
		Info("created session", "sessionID", sessionID, "pool-size", p.backend.len())

	return cache
}

// Get returns the live session for the given id, if present.
func (p *Pool) Get(sessionID string) (Cache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.backend.get(sessionID)
}

// Sync refreshes the pool's cost accounting for a session after its state
// changed size. Only meaningful for the cost-aware backend; a no-op
// otherwise.
func (p *Pool) Sync(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cache, found := p.backend.get(sessionID); found {
		p.backend.add(sessionID, cache, sessionCost(cache))
	}
}

// Remove discards the session for the given id and closes it.
func (p *Pool) Remove(ctx context.Context, sessionID string) {
	p.mu.Lock()
	cache, found := p.backend.get(sessionID)
	p.backend.remove(sessionID)
	p.mu.Unlock()

	// the LRU backend closes sessions from its eviction callback on
	// remove; guard against double-close is in Session.Close itself
	if found {
		if err := cache.Close(ctx); err != nil {
			klog.FromContext(ctx).Error(err, "failed to close session", "sessionID", sessionID)
		}
	}
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.backend.len()
}

// sessionCost estimates the memory retained by a session.
func sessionCost(cache Cache) int64 {
	return cache.CachedState().ByteSize() + sessionOverheadBytes
}

// lruPoolBackend bounds the pool by session count.
type lruPoolBackend struct {
	data *lru.Cache[string, Cache]
}

func newLRUPoolBackend(ctx context.Context, cfg *LRUPoolConfig) (*lruPoolBackend, error) {
	if cfg == nil {
		cfg = DefaultLRUPoolConfig()
	}

	cache, err := lru.NewWithEvict[string, Cache](cfg.Size, func(sessionID string, evicted Cache) {
		logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("decodercache.Pool")
		if err := evicted.Close(ctx); err != nil {
			logger.Error(err, "failed to close evicted session", "sessionID", sessionID)
			return
		}
		logger.Info("evicted session", "sessionID", sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session LRU: %w", err)
	}

	return &lruPoolBackend{data: cache}, nil
}

func (b *lruPoolBackend) get(id string) (Cache, bool) { return b.data.Get(id) }
func (b *lruPoolBackend) add(id string, cache Cache, _ int64) {
	if existing, found := b.data.Peek(id); found && existing == cache {
		// cost refresh, nothing to store
		return
	}
	b.data.Add(id, cache)
}
func (b *lruPoolBackend) remove(id string) { b.data.Remove(id) }
func (b *lruPoolBackend) len() int         { return b.data.Len() }

// costAwarePoolBackend bounds the pool by retained tensor bytes.
type costAwarePoolBackend struct {
	data *ristretto.Cache[string, Cache]
}

func newCostAwarePoolBackend(ctx context.Context, cfg *CostAwarePoolConfig) (*costAwarePoolBackend, error) {
	if cfg == nil {
		cfg = DefaultCostAwarePoolConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session pool size: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, Cache]{
		NumCounters: defaultPoolNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultPoolBufferItems,
		Metrics:     true,
		OnEvict: func(item *ristretto.Item[Cache]) {
			if item.Value == nil {
				return
			}
			if err := item.Value.Close(ctx); err != nil {
				klog.FromContext(ctx).Error(err, "failed to close evicted session")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware session pool: %w", err)
	}

	return &costAwarePoolBackend{data: cache}, nil
}

func (b *costAwarePoolBackend) get(id string) (Cache, bool) { return b.data.Get(id) }
func (b *costAwarePoolBackend) add(id string, cache Cache, cost int64) {
	b.data.Set(id, cache, cost)
	b.data.Wait()
}
func (b *costAwarePoolBackend) remove(id string) { b.data.Del(id) }

// len is approximate: ristretto admission and eviction are asynchronous.
func (b *costAwarePoolBackend) len() int {
	return int(b.data.Metrics.KeysAdded() - b.data.Metrics.KeysEvicted()) // #nosec G115
}
