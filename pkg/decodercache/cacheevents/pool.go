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

// Package cacheevents publishes decoder-cache session events (setup,
// eviction, resize, close) as msgpack-encoded batches, optionally over ZMQ.
// Publication is fire-and-forget from the session's perspective; ordering is
// preserved per session id.
package cacheevents

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

const defaultConcurrency = 4

// Config holds the configuration for the event publishing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind to (e.g., "tcp://*:5557").
	// Ignored when a Publisher is supplied to NewPool directly.
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicPrefix is prepended to the session id to form the topic.
	TopicPrefix string `json:"topicPrefix"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event publishing
// pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicPrefix: "kvcache@",
		Concurrency: defaultConcurrency,
	}
}

// message is a unit of publication: one event, already rendered to its
// tagged-union encoding, for one session.
type message struct {
	sessionID string
	payload   msgpack.RawMessage
}

// Pool is a sharded worker pool that publishes session events.
// Events for the same session id always land on the same queue shard, so
// they are published in the order they were recorded.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*message]
	concurrency int
	topicPrefix string
	publisher   Publisher
	wg          sync.WaitGroup
}

var _ Recorder = &Pool{}

// NewPool creates a Pool that publishes through the given Publisher.
// If publisher is nil, a ZMQ publisher is created from the config.
func NewPool(cfg *Config, publisher Publisher) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if publisher == nil {
		zmqPublisher, err := NewZMQPublisher(cfg.ZMQEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZMQ publisher: %w", err)
		}
		publisher = zmqPublisher
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		topicPrefix: cfg.TopicPrefix,
		publisher:   publisher,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*message]())
	}

	return p, nil
}

// Start begins the worker pool. It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("starting event publishing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}
}

// Shutdown gracefully stops the pool and closes the publisher.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("shutting down event publishing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()

	if err := p.publisher.Close(); err != nil {
		logger.Error(err, "failed to close event publisher")
	}
	logger.Info("event publishing pool shut down.")
}

// Record implements Recorder. It renders the event and enqueues it on the
// shard owned by the session id, so per-session ordering is preserved.
func (p *Pool) Record(ctx context.Context, sessionID string, event Event) {
	payload, err := msgpack.Marshal(event.ToTaggedUnion())
	if err != nil {
		klog.FromContext(ctx).Error(err, "failed to marshal event, dropping", "sessionID", sessionID)
		return
	}

	// FNV-1a deterministically selects a queue per session.
	h := fnv.New32a()
	if _, err := h.Write([]byte(sessionID)); err != nil {
		return
	}

	//nolint:gosec // concurrency is a small positive int
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(&message{sessionID: sessionID, payload: payload})
}

// worker is the main processing loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *message) {
			defer queue.Done(task)
			if err := p.publish(ctx, task); err != nil {
				queue.AddRateLimited(task)
				return
			}
			queue.Forget(task)
		}(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) publish(ctx context.Context, task *message) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("cacheevents.Pool")

	batch := &EventBatch{
		TS:     float64(time.Now().UnixNano()) / float64(time.Second),
		Events: []msgpack.RawMessage{task.payload},
	}

	topic := p.topicPrefix + task.sessionID
	if err := p.publisher.Publish(ctx, topic, batch); err != nil {
		debugLogger.Error(err, "failed to publish event batch", "topic", topic)
		return err
	}

	return nil
}
