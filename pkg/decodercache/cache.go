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
	"errors"
)

var (
	// ErrNotConfigured is returned when an operation requires a session
	// that has been through Setup.
	ErrNotConfigured = errors.New("session not configured")
	// ErrMalformedState is returned for states whose tensors disagree on
	// the sequence-axis extent, or whose extent does not match the
	// session's window.
	ErrMalformedState = errors.New("malformed cache state")
	// ErrInvalidTokenCount is returned when an update carries a
	// non-positive input token count.
	ErrInvalidTokenCount = errors.New("input token count must be at least 1")
	// ErrShrinkNotSupported is returned by SetCapacity for targets below
	// the current capacity. Only growing the window is supported.
	ErrShrinkNotSupported = errors.New("shrinking cache capacity is not supported")
	// ErrNativeDelegated is returned for operations whose buffer
	// manipulation is owned by the native backend.
	ErrNativeDelegated = errors.New("operation is delegated to the native buffer backend")
)

// Cache is the contract of a per-session decoder KV cache.
//
// A Cache holds the attention state tensors of exactly one generation
// request and keeps them inside a fixed-capacity sliding window as tokens
// are processed. The caller drives it in a strict cycle: Setup once, then
// one Update per forward pass, with SetCapacity in between when the engine
// reports a new buffer shape.
//
// A Cache is owned by a single logical mutator; operations are not
// internally synchronized.
type Cache interface {
	// Setup binds the session identity and initial cache content,
	// discarding any prior state. It may be called again to fully
	// replace the session.
	Setup(ctx context.Context, sessionID string, state State, numProcessedTokens int, freezeFirstPosition bool) error

	// Update folds the raw post-inference state back into the sliding
	// window: the processed-token counter advances by inputTokenCount
	// and an equal number of entries (blank first, then oldest real) is
	// removed from the front of the sequence axis of every tensor.
	// It returns the session-owned state for the next forward pass.
	// On error, no tensor is mutated.
	Update(ctx context.Context, state State, inputTokenCount int) (State, error)

	// SetCapacity grows the sliding window to the target capacity by
	// prepending zero-valued entries. Shrinking fails with
	// ErrShrinkNotSupported.
	SetCapacity(ctx context.Context, capacity int) error

	// ID returns the session id, or an error if read before Setup.
	ID() (string, error)
	// Capacity returns the sequence-axis extent shared by all cached
	// tensors, or 0 before Setup.
	Capacity() int
	// NumNonBlankEntries returns min(capacity, total processed tokens).
	NumNonBlankEntries() int
	// TotalProcessedTokens returns the cumulative token count, which is
	// never clipped to capacity.
	TotalProcessedTokens() int
	// CachedState returns the session-owned tensor mapping.
	CachedState() State

	// Close releases the session's buffers. For native-buffer sessions
	// this releases the engine-side handle exactly once.
	Close(ctx context.Context) error
}
