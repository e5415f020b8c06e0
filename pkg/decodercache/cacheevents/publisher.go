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

package cacheevents

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

// Publisher sends marshaled event batches to subscribers.
type Publisher interface {
	// Publish sends an event batch under the given topic.
	Publish(ctx context.Context, topic string, batch *EventBatch) error
	// Close releases the transport.
	Close() error
}

// ZMQPublisher publishes event batches over a ZMQ PUB socket.
// Messages are sent as [topic, seq, payload] frames, payload msgpack-encoded.
type ZMQPublisher struct {
	socket *zmq.Socket
	seqNum uint64
	mu     sync.Mutex
}

var _ Publisher = &ZMQPublisher{}

// NewZMQPublisher creates a publisher bound to the given endpoint
// (e.g. "tcp://*:5557").
func NewZMQPublisher(endpoint string) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}

	return &ZMQPublisher{socket: socket}, nil
}

// Publish sends an event batch under the given topic.
func (p *ZMQPublisher) Publish(ctx context.Context, topic string, batch *EventBatch) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("cacheevents.ZMQPublisher")

	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	// sequence number for subscriber-side ordering
	seq := atomic.AddUint64(&p.seqNum, 1)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	// zmq sockets are not thread-safe
	p.mu.Lock()
	_, err = p.socket.SendMessage(topic, seqBytes, payload)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	debugLogger.Info("published event batch", "topic", topic, "seq", seq, "events", len(batch.Events))
	return nil
}

// Close closes the PUB socket.
func (p *ZMQPublisher) Close() error {
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}

// ChanPublisher delivers published batches to an in-process channel.
// Used in tests and by embedders that consume events directly.
type ChanPublisher struct {
	ch chan PublishedBatch
}

// PublishedBatch pairs a topic with its batch.
type PublishedBatch struct {
	Topic string
	Batch *EventBatch
}

var _ Publisher = &ChanPublisher{}

// NewChanPublisher creates a ChanPublisher with the given buffer size.
func NewChanPublisher(buffer int) *ChanPublisher {
	return &ChanPublisher{ch: make(chan PublishedBatch, buffer)}
}

// Publish sends the batch to the channel, dropping it if the buffer is full.
func (p *ChanPublisher) Publish(ctx context.Context, topic string, batch *EventBatch) error {
	select {
	case p.ch <- PublishedBatch{Topic: topic, Batch: batch}:
		return nil
	default:
		klog.FromContext(ctx).V(logging.DEBUG).Info("event channel full, dropping batch", "topic", topic)
		return nil
	}
}

// Batches returns the channel of published batches.
func (p *ChanPublisher) Batches() <-chan PublishedBatch {
	return p.ch
}

// Close closes the channel.
func (p *ChanPublisher) Close() error {
	close(p.ch)
	return nil
}
