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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache"
)

// seqTensor builds a [2, 2, seq, 2] tensor whose every element encodes its
// sequence index, so slicing results are easy to assert on.
func seqTensor(seq int) *decodercache.Tensor {
	t := decodercache.NewTensor(2, 2, seq, 2)
	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for s := 0; s < seq; s++ {
				for d := 0; d < 2; d++ {
					t.Set(b, h, s, d, float32(s))
				}
			}
		}
	}

	return t
}

func TestNewTensorFromData(t *testing.T) {
	data := make([]float32, 2*2*3*2)
	tensor, err := decodercache.NewTensorFromData(2, 2, 3, 2, data)
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 2, 3, 2}, tensor.Shape())
	assert.Equal(t, 3, tensor.SeqLen())
	assert.EqualValues(t, len(data)*4, tensor.ByteSize())

	_, err = decodercache.NewTensorFromData(2, 2, 3, 2, data[:5])
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
}

func TestSliceSeq(t *testing.T) {
	tensor := seqTensor(6)

	sliced, err := tensor.SliceSeq(2)
	require.NoError(t, err)
	assert.Equal(t, 4, sliced.SeqLen())
	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for s := 0; s < 4; s++ {
				assert.Equal(t, float32(s+2), sliced.At(b, h, s, 0), "b=%d h=%d s=%d", b, h, s)
			}
		}
	}

	// source is untouched
	assert.Equal(t, 6, tensor.SeqLen())
	assert.Equal(t, float32(0), tensor.At(0, 0, 0, 0))
}

func TestSliceSeqRangeBounds(t *testing.T) {
	tensor := seqTensor(4)

	middle, err := tensor.SliceSeqRange(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, middle.SeqLen())
	assert.Equal(t, float32(1), middle.At(1, 1, 0, 1))
	assert.Equal(t, float32(2), middle.At(0, 0, 1, 0))

	empty, err := tensor.SliceSeqRange(2, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.SeqLen())

	_, err = tensor.SliceSeqRange(-1, 2)
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
	_, err = tensor.SliceSeqRange(0, 5)
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
	_, err = tensor.SliceSeqRange(3, 2)
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
}

func TestConcatSeq(t *testing.T) {
	head, err := seqTensor(6).SliceSeqRange(0, 2)
	require.NoError(t, err)
	tail, err := seqTensor(6).SliceSeq(4)
	require.NoError(t, err)

	joined, err := head.ConcatSeq(tail)
	require.NoError(t, err)
	assert.Equal(t, 4, joined.SeqLen())
	want := []float32{0, 1, 4, 5}
	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for s := 0; s < 4; s++ {
				assert.Equal(t, want[s], joined.At(b, h, s, 0), "b=%d h=%d s=%d", b, h, s)
			}
		}
	}

	mismatched := decodercache.NewTensor(1, 2, 2, 2)
	_, err = head.ConcatSeq(mismatched)
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
}

func TestGrowSeqFront(t *testing.T) {
	tensor := seqTensor(3)

	grown, err := tensor.GrowSeqFront(2)
	require.NoError(t, err)
	assert.Equal(t, 5, grown.SeqLen())
	for s := 0; s < 2; s++ {
		assert.Equal(t, float32(0), grown.At(1, 1, s, 1), "blank at %d", s)
	}
	for s := 2; s < 5; s++ {
		assert.Equal(t, float32(s-2), grown.At(1, 1, s, 1), "shifted entry at %d", s)
	}

	same, err := tensor.GrowSeqFront(0)
	require.NoError(t, err)
	assert.Equal(t, 3, same.SeqLen())
	assert.NotSame(t, tensor, same)

	_, err = tensor.GrowSeqFront(-1)
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
}

func TestSeqEntryFingerprint(t *testing.T) {
	a := seqTensor(4)
	b := seqTensor(4)

	assert.Equal(t, a.SeqEntryFingerprint(2), b.SeqEntryFingerprint(2))
	assert.NotEqual(t, a.SeqEntryFingerprint(1), a.SeqEntryFingerprint(2))

	b.Set(0, 1, 2, 0, 42)
	assert.NotEqual(t, a.SeqEntryFingerprint(2), b.SeqEntryFingerprint(2))
}

func TestDataReturnsCopy(t *testing.T) {
	tensor := seqTensor(2)

	data := tensor.Data()
	data[0] = 99
	assert.Equal(t, float32(0), tensor.At(0, 0, 0, 0))
}

func TestStateSeqLen(t *testing.T) {
	state := blankState(8)
	extent, err := state.SeqLen()
	require.NoError(t, err)
	assert.Equal(t, 8, extent)

	_, err = decodercache.State{}.SeqLen()
	require.ErrorIs(t, err, decodercache.ErrMalformedState)

	state["past_key_values.0.value"] = decodercache.NewTensor(testBatch, testHeads, 7, testHidden)
	_, err = state.SeqLen()
	require.ErrorIs(t, err, decodercache.ErrMalformedState)

	state["past_key_values.0.value"] = nil
	_, err = state.SeqLen()
	require.ErrorIs(t, err, decodercache.ErrMalformedState)
}

func TestStateByteSize(t *testing.T) {
	state := blankState(8)
	// two tensors of 1*1*8*2 float32s
	assert.EqualValues(t, 2*8*2*4, state.ByteSize())
}
