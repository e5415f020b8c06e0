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

// Package decodercache manages the per-session KV cache used by
// autoregressive transformer decoding: a fixed-capacity sliding window of
// attention state tensors updated as tokens are generated.
//
// The window convention follows single-token decoding engines: cached
// tensors keep blank (zero) placeholder entries at the front of the
// sequence axis and real data at the tail. A forward pass appends
// inputTokenCount entries to the tail; Update then removes the same number
// of entries from the front (blanks first, then the oldest real entries),
// so the session's tensors hold exactly `capacity` sequence entries at all
// times.
package decodercache

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/cacheevents"
	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/nativebuf"
	"github.com/llm-d/llm-d-decoder-cache/pkg/utils"
	"github.com/llm-d/llm-d-decoder-cache/pkg/utils/logging"
)

// SessionConfig holds the configuration for a Session.
type SessionConfig struct {
	// NativeBackend, when set, delegates sequence-axis buffer
	// manipulation to an engine-owned buffer acquired at Setup. The
	// session then only tracks token accounting.
	NativeBackend nativebuf.Backend `json:"-"`
	// Recorder receives session lifecycle events. Nil means no events.
	Recorder cacheevents.Recorder `json:"-"`
}

// DefaultSessionConfig returns a default configuration: pure in-process
// buffers, no event publication.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{}
}

// Session is the concrete Cache implementation.
//
// A Session is constructed inert; Setup binds its identity, initial
// tensors, token counter and freeze policy. It is driven synchronously and
// sequentially by a single owner (see Cache).
type Session struct {
	config   *SessionConfig
	recorder cacheevents.Recorder

	configured bool
	sessionID  string
	// state is the session-owned tensor mapping. Callers receive it from
	// Update and must treat it as read-only until they pass a new raw
	// state back in.
	state                State
	totalProcessedTokens int
	freezeFirstPosition  bool

	nativeHandle nativebuf.Handle
}

var _ Cache = &Session{}

// NewSession creates an inert Session; call Setup before any other
// operation.
func NewSession(config *SessionConfig) *Session {
	if config == nil {
		config = DefaultSessionConfig()
	}

	recorder := config.Recorder
	if recorder == nil {
		recorder = cacheevents.NopRecorder{}
	}

	return &Session{
		config:   config,
		recorder: recorder,
	}
}

// Setup binds identity and initial cache content, discarding all prior
// state. The initial state may be empty; the window capacity is then fixed
// by the first Update. With a native backend configured, Setup acquires an
// engine buffer sized for the prior token count and the frozen entry count;
// acquisition failure leaves the session unconfigured.
func (s *Session) Setup(ctx context.Context, sessionID string, state State,
	numProcessedTokens int, freezeFirstPosition bool,
) error {
	if numProcessedTokens < 0 {
		return fmt.Errorf("%w: negative processed token count %d", ErrInvalidTokenCount, numProcessedTokens)
	}

	if len(state) > 0 {
		if _, err := state.SeqLen(); err != nil {
			return fmt.Errorf("initial state rejected: %w", err)
		}
	}

	if s.config.NativeBackend != nil {
		frozenTokens := 0
		if freezeFirstPosition {
			frozenTokens = 1
		}

		handle, err := s.config.NativeBackend.Acquire(ctx, numProcessedTokens, frozenTokens)
		if err != nil {
			// fatal for the session: no partial state remains
			s.releaseNativeHandle()
			s.configured = false
			s.state = nil
			return fmt.Errorf("failed to acquire native buffer: %w", err)
		}

		// re-setup replaces the previous buffer
		s.releaseNativeHandle()
		s.nativeHandle = handle
	}

	s.sessionID = sessionID
	s.state = state
	s.totalProcessedTokens = numProcessedTokens
	s.freezeFirstPosition = freezeFirstPosition
	s.configured = true

	capacity := s.Capacity()
	klog.FromContext(ctx).V(logging.DEBUG).WithName("decodercache.Session.Setup").
		Info("session configured", "sessionID", sessionID, "capacity", capacity,
			"processed-tokens", numProcessedTokens, "freeze-first-position", freezeFirstPosition,
			"native", s.nativeHandle != nil)

	s.recorder.Record(ctx, sessionID, cacheevents.SessionSetup{
		SessionID:           sessionID,
		Capacity:            capacity,
		ProcessedTokens:     numProcessedTokens,
		FreezeFirstPosition: freezeFirstPosition,
	})

	return nil
}

// Update restructures the raw forward-pass output so it can be fed directly
// into the next forward pass.
//
// The raw state carries the window plus the entries the engine appended for
// this cycle: its sequence-axis extent must equal capacity+inputTokenCount
// (for a session whose capacity is already fixed). Update removes exactly
// inputTokenCount entries from the front of every tensor: blank placeholder
// entries first, then, once the window holds only real data, the oldest
// real entries. With freezeFirstPosition set, the entry at sequence index 0
// is preserved verbatim across real evictions.
//
// Validation is all-or-nothing: a malformed state is rejected before any
// tensor or counter is touched.
func (s *Session) Update(ctx context.Context, state State, inputTokenCount int) (State, error) {
	if !s.configured {
		return nil, ErrNotConfigured
	}
	if inputTokenCount < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTokenCount, inputTokenCount)
	}

	rawExtent, err := state.SeqLen()
	if err != nil {
		return nil, fmt.Errorf("raw state rejected: %w", err)
	}

	// defensive: a capacity mismatch across the session's own tensors
	// means the cache is already corrupted and must not degrade further.
	if len(s.state) > 0 {
		capacity, invErr := s.state.SeqLen()
		if invErr != nil {
			return nil, fmt.Errorf("session state invariant violated: %w", invErr)
		}

		if wantExtent := capacity + inputTokenCount; rawExtent != wantExtent {
			return nil, fmt.Errorf(
				"%w: raw state has sequence extent %d, want capacity %d + %d input tokens",
				ErrMalformedState, rawExtent, capacity, inputTokenCount)
		}

		if err := s.checkNames(state); err != nil {
			return nil, err
		}
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("decodercache.Session.Update")

	if s.nativeHandle != nil {
		// buffer content manipulation happens engine-side; only the
		// accounting is kept here.
		s.totalProcessedTokens += inputTokenCount
		s.state = state
		traceLogger.Info("native update", "sessionID", s.sessionID,
			"input-tokens", inputTokenCount, "total-processed", s.totalProcessedTokens)
		return s.state, nil
	}

	totalProcessedTokens := s.totalProcessedTokens + inputTokenCount

	// blank entries remaining at the front of the raw state, now that
	// this cycle's tokens are accounted for
	paddedEntries := max(0, rawExtent-totalProcessedTokens)
	paddedToDelete := min(paddedEntries, inputTokenCount)
	// if the window was already full of real data, the oldest real
	// entries go as well
	nonPaddedToDelete := max(0, inputTokenCount-paddedEntries)

	next := make(State, len(state))
	for _, name := range utils.SortedKeys(state) {
		tensor := state[name]

		if paddedToDelete > 0 {
			if tensor, err = tensor.SliceSeq(paddedToDelete); err != nil {
				return nil, fmt.Errorf("tensor %q: %w", name, err)
			}
		}
		if nonPaddedToDelete > 0 {
			if tensor, err = s.removeOldest(tensor, nonPaddedToDelete); err != nil {
				return nil, fmt.Errorf("tensor %q: %w", name, err)
			}
		}

		next[name] = tensor
	}

	s.totalProcessedTokens = totalProcessedTokens
	s.state = next

	traceLogger.Info("update applied", "sessionID", s.sessionID,
		"input-tokens", inputTokenCount, "total-processed", s.totalProcessedTokens,
		"padded-removed", paddedToDelete, "non-padded-removed", nonPaddedToDelete,
		"capacity", s.Capacity())

	if paddedToDelete > 0 || nonPaddedToDelete > 0 {
		s.recorder.Record(ctx, s.sessionID, cacheevents.EntriesEvicted{
			SessionID:            s.sessionID,
			PaddedRemoved:        paddedToDelete,
			NonPaddedRemoved:     nonPaddedToDelete,
			TotalProcessedTokens: s.totalProcessedTokens,
		})
	}

	return s.state, nil
}

// removeOldest evicts count real entries from the front of the sequence
// axis. The tensor must hold no blank entries at this point. With the
// first position frozen, the entry at index 0 is carried over verbatim and
// eviction starts at index 1.
func (s *Session) removeOldest(tensor *Tensor, count int) (*Tensor, error) {
	if !s.freezeFirstPosition {
		return tensor.SliceSeq(count)
	}

	first, err := tensor.SliceSeqRange(0, 1)
	if err != nil {
		return nil, err
	}
	rest, err := tensor.SliceSeq(1 + count)
	if err != nil {
		return nil, err
	}

	return first.ConcatSeq(rest)
}

// SetCapacity grows the sliding window of every tensor to the target
// capacity by prepending zero-valued blank entries at sequence index 0.
// Shrinking is rejected with ErrShrinkNotSupported; an equal target is a
// no-op. Native-buffer sessions reject the call, as the engine owns the
// window shape.
func (s *Session) SetCapacity(ctx context.Context, capacity int) error {
	if !s.configured {
		return ErrNotConfigured
	}
	if s.nativeHandle != nil {
		return fmt.Errorf("%w: window shape is owned by the engine", ErrNativeDelegated)
	}

	current, err := s.state.SeqLen()
	if err != nil {
		return fmt.Errorf("session state invariant violated: %w", err)
	}

	switch {
	case capacity < current:
		return fmt.Errorf("%w: current %d, requested %d", ErrShrinkNotSupported, current, capacity)
	case capacity == current:
		return nil
	}

	next := make(State, len(s.state))
	for name, tensor := range s.state {
		grown, err := tensor.GrowSeqFront(capacity - current)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		next[name] = grown
	}
	s.state = next

	klog.FromContext(ctx).V(logging.DEBUG).WithName("decodercache.Session.SetCapacity").
		Info("capacity grown", "sessionID", s.sessionID, "from", current, "to", capacity)

	s.recorder.Record(ctx, s.sessionID, cacheevents.CapacityChanged{
		SessionID:   s.sessionID,
		OldCapacity: current,
		NewCapacity: capacity,
	})

	return nil
}

// ID returns the session id bound at Setup.
func (s *Session) ID() (string, error) {
	if !s.configured {
		return "", fmt.Errorf("%w: session id read before setup", ErrNotConfigured)
	}

	return s.sessionID, nil
}

// Capacity returns the shared sequence-axis extent of the cached tensors,
// or 0 for an unconfigured or empty session.
func (s *Session) Capacity() int {
	for _, tensor := range s.state {
		// uniform extent is an invariant, any tensor will do
		return tensor.SeqLen()
	}

	return 0
}

// NumNonBlankEntries returns the number of cache entries holding real token
// data: min(capacity, total processed tokens).
func (s *Session) NumNonBlankEntries() int {
	return min(s.Capacity(), s.totalProcessedTokens)
}

// TotalProcessedTokens returns the cumulative count of tokens folded into
// the cache.
func (s *Session) TotalProcessedTokens() int {
	return s.totalProcessedTokens
}

// CachedState returns the session-owned tensor mapping.
func (s *Session) CachedState() State {
	return s.state
}

// FreezeFirstPosition reports whether the first sequence position is
// retained across evictions.
func (s *Session) FreezeFirstPosition() bool {
	return s.freezeFirstPosition
}

// UsesNativeBuffer reports whether sequence-axis manipulation is delegated
// to a native backend.
func (s *Session) UsesNativeBuffer() bool {
	return s.nativeHandle != nil
}

// Close releases the session's buffers and, for native-buffer sessions, the
// engine-side handle. Close is idempotent; the handle is released exactly
// once.
func (s *Session) Close(ctx context.Context) error {
	s.releaseNativeHandle()

	if s.configured {
		s.recorder.Record(ctx, s.sessionID, cacheevents.SessionClosed{SessionID: s.sessionID})
	}

	s.state = nil
	s.configured = false

	return nil
}

func (s *Session) releaseNativeHandle() {
	if s.nativeHandle != nil {
		s.nativeHandle.Release()
		s.nativeHandle = nil
	}
}

// checkNames rejects raw states whose tensor-name set drifted from the
// session's; keys are stable across a session's life.
func (s *Session) checkNames(state State) error {
	if len(state) != len(s.state) {
		return fmt.Errorf("%w: raw state has %d tensors, session holds %d",
			ErrMalformedState, len(state), len(s.state))
	}
	for name := range s.state {
		if _, ok := state[name]; !ok {
			return fmt.Errorf("%w: tensor %q missing from raw state", ErrMalformedState, name)
		}
	}

	return nil
}
