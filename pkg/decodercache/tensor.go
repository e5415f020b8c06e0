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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// SequenceAxis is the axis of the sequence dimension in cached tensors.
// Cache tensors are laid out as [batch, heads, sequence, hidden].
const SequenceAxis = 2

// Tensor is a contiguous, row-major 4-D float32 buffer holding one named
// KV-cache array. All mutating operations return a fresh tensor; a Tensor
// handed to a Session is never written through again.
type Tensor struct {
	shape [4]int
	data  []float32
}

// NewTensor returns a zero-filled tensor with the given shape.
func NewTensor(batch, heads, seq, hidden int) *Tensor {
	t := &Tensor{shape: [4]int{batch, heads, seq, hidden}}
	t.data = make([]float32, t.numel())

	return t
}

// NewTensorFromData wraps an existing buffer. The buffer length must match
// the shape product; ownership of the slice transfers to the tensor.
func NewTensorFromData(batch, heads, seq, hidden int, data []float32) (*Tensor, error) {
	t := &Tensor{shape: [4]int{batch, heads, seq, hidden}}
	if len(data) != t.numel() {
		return nil, fmt.Errorf("%w: buffer holds %d elements, shape %v requires %d",
			ErrMalformedState, len(data), t.shape, t.numel())
	}
	t.data = data

	return t, nil
}

func (t *Tensor) numel() int {
	return t.shape[0] * t.shape[1] * t.shape[2] * t.shape[3]
}

// Shape returns the tensor shape as [batch, heads, sequence, hidden].
func (t *Tensor) Shape() [4]int {
	return t.shape
}

// SeqLen returns the extent of the sequence axis.
func (t *Tensor) SeqLen() int {
	return t.shape[SequenceAxis]
}

// ByteSize returns the size of the underlying buffer in bytes.
func (t *Tensor) ByteSize() int64 {
	return int64(len(t.data)) * 4
}

// At returns the element at [b, h, s, d].
func (t *Tensor) At(b, h, s, d int) float32 {
	return t.data[((b*t.shape[1]+h)*t.shape[2]+s)*t.shape[3]+d]
}

// Set writes the element at [b, h, s, d]. Intended for building states, not
// for mutating tensors already owned by a session.
func (t *Tensor) Set(b, h, s, d int, v float32) {
	t.data[((b*t.shape[1]+h)*t.shape[2]+s)*t.shape[3]+d] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{shape: t.shape, data: make([]float32, len(t.data))}
	copy(out.data, t.data)

	return out
}

// SliceSeq returns a fresh tensor with the first `from` sequence entries
// removed.
func (t *Tensor) SliceSeq(from int) (*Tensor, error) {
	return t.SliceSeqRange(from, t.SeqLen())
}

// SliceSeqRange returns a fresh tensor holding sequence entries [from, to).
func (t *Tensor) SliceSeqRange(from, to int) (*Tensor, error) {
	if from < 0 || to > t.SeqLen() || from > to {
		return nil, fmt.Errorf("%w: sequence range [%d, %d) out of bounds for extent %d",
			ErrMalformedState, from, to, t.SeqLen())
	}

	batch, heads, seq, hidden := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	newSeq := to - from
	out := &Tensor{
		shape: [4]int{batch, heads, newSeq, hidden},
		data:  make([]float32, batch*heads*newSeq*hidden),
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			src := ((b*heads+h)*seq + from) * hidden
			dst := (b*heads + h) * newSeq * hidden
			copy(out.data[dst:dst+newSeq*hidden], t.data[src:src+newSeq*hidden])
		}
	}

	return out, nil
}

// ConcatSeq returns a fresh tensor with u's sequence entries appended after
// t's. Both tensors must agree on every non-sequence axis.
func (t *Tensor) ConcatSeq(u *Tensor) (*Tensor, error) {
	if t.shape[0] != u.shape[0] || t.shape[1] != u.shape[1] || t.shape[3] != u.shape[3] {
		return nil, fmt.Errorf("%w: cannot concatenate shapes %v and %v along sequence axis",
			ErrMalformedState, t.shape, u.shape)
	}

	batch, heads, hidden := t.shape[0], t.shape[1], t.shape[3]
	tSeq, uSeq := t.SeqLen(), u.SeqLen()
	newSeq := tSeq + uSeq
	out := &Tensor{
		shape: [4]int{batch, heads, newSeq, hidden},
		data:  make([]float32, batch*heads*newSeq*hidden),
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			dst := (b*heads + h) * newSeq * hidden
			src := (b*heads + h) * tSeq * hidden
			copy(out.data[dst:dst+tSeq*hidden], t.data[src:src+tSeq*hidden])
			src = (b*heads + h) * uSeq * hidden
			copy(out.data[dst+tSeq*hidden:dst+newSeq*hidden], u.data[src:src+uSeq*hidden])
		}
	}

	return out, nil
}

// GrowSeqFront returns a fresh tensor with n zero-valued sequence entries
// prepended at index 0.
func (t *Tensor) GrowSeqFront(n int) (*Tensor, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative growth %d", ErrMalformedState, n)
	}
	if n == 0 {
		return t.Clone(), nil
	}

	pad := NewTensor(t.shape[0], t.shape[1], n, t.shape[3])

	return pad.ConcatSeq(t)
}

// SeqEntryFingerprint returns the xxhash of the bytes of one sequence entry
// across all batches, heads and hidden dims. Used for trace logging and for
// verifying entry retention (e.g. the frozen first position).
func (t *Tensor) SeqEntryFingerprint(s int) uint64 {
	batch, heads, seq, hidden := t.shape[0], t.shape[1], t.shape[2], t.shape[3]

	digest := xxhash.New()
	var scratch [4]byte
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			base := ((b*heads+h)*seq + s) * hidden
			for d := 0; d < hidden; d++ {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(t.data[base+d]))
				_, _ = digest.Write(scratch[:])
			}
		}
	}

	return digest.Sum64()
}

// Data returns a copy of the underlying buffer in row-major order.
func (t *Tensor) Data() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)

	return out
}

// State maps tensor names (one per attention layer/head-group) to their
// cached arrays. All tensors in a valid state share the same sequence-axis
// extent.
type State map[string]*Tensor

// SeqLen returns the shared sequence-axis extent of the state, or an error
// if the state is empty or its tensors disagree.
func (s State) SeqLen() (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("%w: empty state", ErrMalformedState)
	}

	extent := -1
	for name, t := range s {
		if t == nil {
			return 0, fmt.Errorf("%w: tensor %q is nil", ErrMalformedState, name)
		}
		if extent == -1 {
			extent = t.SeqLen()
			continue
		}
		if t.SeqLen() != extent {
			return 0, fmt.Errorf("%w: tensor %q has sequence extent %d, others have %d",
				ErrMalformedState, name, t.SeqLen(), extent)
		}
	}

	return extent, nil
}

// ByteSize returns the total size of all tensor buffers in bytes.
func (s State) ByteSize() int64 {
	var total int64
	for _, t := range s {
		total += t.ByteSize()
	}

	return total
}
