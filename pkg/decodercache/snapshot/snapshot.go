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

// Package snapshot serializes the externally visible state of a decoder
// cache session so it can be parked in a store and restored later (e.g.
// across a session migration or a process restart).
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache"
)

var (
	// ErrNotCapturable is returned when a session's buffers are not
	// owned by this process (native-buffer delegation) or the session
	// is not configured.
	ErrNotCapturable = errors.New("session state cannot be captured")
	// ErrChecksumMismatch is returned when a decoded tensor fails its
	// integrity check.
	ErrChecksumMismatch = errors.New("tensor checksum mismatch")
)

// TensorSnapshot holds one serialized cache tensor.
type TensorSnapshot struct {
	Shape [4]int    `cbor:"1,keyasint"`
	Data  []float32 `cbor:"2,keyasint"`
	// Checksum is the xxhash of the CBOR-encoded data payload.
	Checksum uint64 `cbor:"3,keyasint"`
}

// Snapshot is the serialized form of a configured session.
type Snapshot struct {
	SessionID            string                    `cbor:"1,keyasint"`
	Tensors              map[string]TensorSnapshot `cbor:"2,keyasint"`
	TotalProcessedTokens int                       `cbor:"3,keyasint"`
	FreezeFirstPosition  bool                      `cbor:"4,keyasint"`
}

// Capture extracts a Snapshot from a configured, process-owned session.
func Capture(session *decodercache.Session) (*Snapshot, error) {
	sessionID, err := session.ID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotCapturable, err)
	}
	if session.UsesNativeBuffer() {
		return nil, fmt.Errorf("%w: buffers are owned by the native backend", ErrNotCapturable)
	}

	state := session.CachedState()
	tensors := make(map[string]TensorSnapshot, len(state))
	for name, tensor := range state {
		data := tensor.Data()
		checksum, err := dataChecksum(data)
		if err != nil {
			return nil, err
		}

		tensors[name] = TensorSnapshot{
			Shape:    tensor.Shape(),
			Data:     data,
			Checksum: checksum,
		}
	}

	return &Snapshot{
		SessionID:            sessionID,
		Tensors:              tensors,
		TotalProcessedTokens: session.TotalProcessedTokens(),
		FreezeFirstPosition:  session.FreezeFirstPosition(),
	}, nil
}

// Restore replays a Snapshot into the given session via Setup, fully
// replacing its state.
func Restore(ctx context.Context, session *decodercache.Session, snap *Snapshot) error {
	state, err := snap.ToState()
	if err != nil {
		return err
	}

	return session.Setup(ctx, snap.SessionID, state, snap.TotalProcessedTokens, snap.FreezeFirstPosition)
}

// dataChecksum hashes the canonical CBOR encoding of the tensor payload.
func dataChecksum(data []float32) (uint64, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return 0, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tensor payload to CBOR: %w", err)
	}

	return xxhash.Sum64(b), nil
}

// Encode renders the snapshot with canonical CBOR encoding.
func (s *Snapshot) Encode() ([]byte, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot to CBOR: %w", err)
	}

	return b, nil
}

// Decode parses a snapshot and verifies every tensor checksum.
func Decode(payload []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	for name, tensor := range snap.Tensors {
		checksum, err := dataChecksum(tensor.Data)
		if err != nil {
			return nil, err
		}
		if checksum != tensor.Checksum {
			return nil, fmt.Errorf("%w: tensor %q", ErrChecksumMismatch, name)
		}
	}

	return &snap, nil
}

// ToState rebuilds the tensor mapping held by the snapshot.
func (s *Snapshot) ToState() (decodercache.State, error) {
	state := make(decodercache.State, len(s.Tensors))
	for name, tensor := range s.Tensors {
		shape := tensor.Shape
		rebuilt, err := decodercache.NewTensorFromData(shape[0], shape[1], shape[2], shape[3], tensor.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		state[name] = rebuilt
	}

	return state, nil
}
