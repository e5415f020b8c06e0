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

package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache"
	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/nativebuf"
	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/snapshot"
)

// testState builds a two-tensor state with distinguishable values.
func testState(capacity int) decodercache.State {
	state := make(decodercache.State, 2)
	for i, name := range []string{"past_key_values.0.key", "past_key_values.0.value"} {
		tensor := decodercache.NewTensor(1, 2, capacity, 2)
		for h := 0; h < 2; h++ {
			for s := 0; s < capacity; s++ {
				for d := 0; d < 2; d++ {
					tensor.Set(0, h, s, d, float32(i*1000+h*100+s*10+d))
				}
			}
		}
		state[name] = tensor
	}

	return state
}

// configuredSession returns a live session holding testState.
func configuredSession(t *testing.T, capacity, processedTokens int, freeze bool) *decodercache.Session {
	t.Helper()

	session := decodercache.NewSession(nil)
	require.NoError(t, session.Setup(t.Context(), "session-1", testState(capacity), processedTokens, freeze))

	return session
}

func TestCaptureEncodeDecodeRestore(t *testing.T) {
	ctx := t.Context()
	session := configuredSession(t, 6, 3, true)

	snap, err := snapshot.Capture(session)
	require.NoError(t, err)
	assert.Equal(t, "session-1", snap.SessionID)
	assert.Equal(t, 3, snap.TotalProcessedTokens)
	assert.True(t, snap.FreezeFirstPosition)
	assert.Len(t, snap.Tensors, 2)

	payload, err := snap.Encode()
	require.NoError(t, err)

	decoded, err := snapshot.Decode(payload)
	require.NoError(t, err)

	restored := decodercache.NewSession(nil)
	require.NoError(t, snapshot.Restore(ctx, restored, decoded))

	id, err := restored.ID()
	require.NoError(t, err)
	assert.Equal(t, "session-1", id)
	assert.Equal(t, 6, restored.Capacity())
	assert.Equal(t, 3, restored.TotalProcessedTokens())
	assert.True(t, restored.FreezeFirstPosition())

	original := session.CachedState()
	for name, tensor := range restored.CachedState() {
		require.Contains(t, original, name)
		assert.Equal(t, original[name].Shape(), tensor.Shape(), "tensor %q", name)
		assert.Equal(t, original[name].Data(), tensor.Data(), "tensor %q", name)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	snap, err := snapshot.Capture(configuredSession(t, 4, 0, false))
	require.NoError(t, err)

	first, err := snap.Encode()
	require.NoError(t, err)
	second, err := snap.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCaptureRequiresConfiguredSession(t *testing.T) {
	_, err := snapshot.Capture(decodercache.NewSession(nil))
	require.ErrorIs(t, err, snapshot.ErrNotCapturable)
}

func TestCaptureRejectsNativeSessions(t *testing.T) {
	session := decodercache.NewSession(&decodercache.SessionConfig{
		NativeBackend: &nativebuf.NoopBackend{},
	})
	require.NoError(t, session.Setup(t.Context(), "session-1", testState(4), 0, false))

	_, err := snapshot.Capture(session)
	require.ErrorIs(t, err, snapshot.ErrNotCapturable)
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	snap, err := snapshot.Capture(configuredSession(t, 4, 0, false))
	require.NoError(t, err)

	// flip one value without refreshing the stored checksum
	tampered := snap.Tensors["past_key_values.0.key"]
	tampered.Data[0] += 1
	snap.Tensors["past_key_values.0.key"] = tampered

	payload, err := snap.Encode()
	require.NoError(t, err)

	_, err = snapshot.Decode(payload)
	require.ErrorIs(t, err, snapshot.ErrChecksumMismatch)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := snapshot.Decode([]byte("not cbor at all"))
	require.Error(t, err)
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	store, err := snapshot.NewStore(nil)
	require.NoError(t, err)

	snap, err := snapshot.Capture(configuredSession(t, 4, 2, false))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, snap.SessionID, loaded.SessionID)
	assert.Equal(t, snap.TotalProcessedTokens, loaded.TotalProcessedTokens)
	assert.Equal(t, snap.Tensors, loaded.Tensors)

	require.NoError(t, store.Delete(ctx, "session-1"))
	_, err = store.Load(ctx, "session-1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	// deleting an absent snapshot is fine
	require.NoError(t, store.Delete(ctx, "session-1"))
}

func TestStoreRejectsEmptyConfig(t *testing.T) {
	_, err := snapshot.NewStore(&snapshot.StoreConfig{})
	require.Error(t, err)
}
