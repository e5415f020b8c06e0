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

package decodercache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache"
)

// test tensors are kept tiny: batch=1, heads=1, hidden=2 unless a test says
// otherwise.
const (
	testBatch  = 1
	testHeads  = 1
	testHidden = 2
)

var testTensorNames = []string{"past_key_values.0.key", "past_key_values.0.value"}

// blankState builds a zero-filled state with the given window capacity.
func blankState(capacity int) decodercache.State {
	state := make(decodercache.State, len(testTensorNames))
	for _, name := range testTensorNames {
		state[name] = decodercache.NewTensor(testBatch, testHeads, capacity, testHidden)
	}

	return state
}

// tokenValue is the fill value for a given 1-based token index.
func tokenValue(token int) float32 {
	return float32(token)
}

// appendTokens simulates the engine side of a forward pass: it returns a raw
// state whose sequence axis carries the previous window followed by n new
// entries holding the values of tokens firstToken..firstToken+n-1.
func appendTokens(t *testing.T, prev decodercache.State, n, firstToken int) decodercache.State {
	t.Helper()

	raw := make(decodercache.State, len(prev))
	for name, tensor := range prev {
		shape := tensor.Shape()
		out := decodercache.NewTensor(shape[0], shape[1], shape[2]+n, shape[3])

		for b := 0; b < shape[0]; b++ {
			for h := 0; h < shape[1]; h++ {
				for s := 0; s < shape[2]; s++ {
					for d := 0; d < shape[3]; d++ {
						out.Set(b, h, s, d, tensor.At(b, h, s, d))
					}
				}
				for i := 0; i < n; i++ {
					for d := 0; d < shape[3]; d++ {
						out.Set(b, h, shape[2]+i, d, tokenValue(firstToken+i))
					}
				}
			}
		}

		raw[name] = out
	}

	return raw
}

// frontValue reads the value at sequence index s of every tensor and
// requires them to agree.
func frontValue(t *testing.T, state decodercache.State, s int) float32 {
	t.Helper()

	var value float32
	first := true
	for name, tensor := range state {
		got := tensor.At(0, 0, s, 0)
		if first {
			value = got
			first = false
			continue
		}
		require.Equal(t, value, got, "tensor %q disagrees at sequence index %d", name, s)
	}

	return value
}

// requireUniformExtent asserts every tensor shares the given sequence
// extent.
func requireUniformExtent(t *testing.T, state decodercache.State, extent int) {
	t.Helper()

	for name, tensor := range state {
		require.Equal(t, extent, tensor.SeqLen(), "tensor %q", name)
	}
}
