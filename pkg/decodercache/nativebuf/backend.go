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

// Package nativebuf abstracts engine-owned KV-cache buffers.
//
// When a session runs with a native backend, eviction and padding of the
// sequence axis happen inside the inference engine; the session only holds a
// handle to the engine-side buffer and keeps token accounting. The handle is
// a scarce resource tied 1:1 to the session and released exactly once.
package nativebuf

import (
	"context"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

// Backend acquires engine-side cache buffers.
type Backend interface {
	// Acquire allocates a native buffer sized for priorTokens already
	// processed tokens and frozenTokens retained entries.
	// A failed acquisition is fatal for the session being set up and is
	// not retried.
	Acquire(ctx context.Context, priorTokens, frozenTokens int) (Handle, error)
}

// Handle is an exclusively owned reference to a native buffer.
type Handle interface {
	// Release frees the native buffer. Must be called exactly once; the
	// owning session guarantees this via its Close.
	Release()
}

// NoopBackend is an in-process Backend that tracks live handles without
// allocating engine memory. Used by tests and as a wiring reference.
type NoopBackend struct {
	live atomic.Int64
}

var _ Backend = &NoopBackend{}

// Acquire implements Backend.
func (b *NoopBackend) Acquire(ctx context.Context, priorTokens, frozenTokens int) (Handle, error) {
	if priorTokens < 0 || frozenTokens < 0 {
		return nil, fmt.Errorf("invalid native buffer request: prior=%d frozen=%d", priorTokens, frozenTokens)
	}

	b.live.Add(1)
	klog.FromContext(ctx).V(logging.TRACE).WithName("nativebuf.NoopBackend").
		Info("acquired native buffer", "prior-tokens", priorTokens, "frozen-tokens", frozenTokens)

	return &noopHandle{backend: b}, nil
}

// Live returns the number of currently held handles.
func (b *NoopBackend) Live() int64 {
	return b.live.Load()
}

type noopHandle struct {
	backend *NoopBackend
}

func (h *noopHandle) Release() {
	h.backend.live.Add(-1)
}
