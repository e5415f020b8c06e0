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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-decoder-cache/pkg/decodercache/metrics"
)

type instrumentedSession struct {
	next Cache
}

// NewInstrumentedSession wraps a Cache and emits metrics for Update and
// SetCapacity.
func NewInstrumentedSession(next Cache) Cache {
	return &instrumentedSession{next: next}
}

func (m *instrumentedSession) Setup(ctx context.Context, sessionID string, state State,
	numProcessedTokens int, freezeFirstPosition bool,
) error {
	return m.next.Setup(ctx, sessionID, state, numProcessedTokens, freezeFirstPosition)
}

func (m *instrumentedSession) Update(ctx context.Context, state State, inputTokenCount int) (State, error) {
	timer := prometheus.NewTimer(metrics.UpdateLatency)
	defer timer.ObserveDuration()

	// removal split is determined by the pre-call counters
	paddedRemoved := min(max(0, m.next.Capacity()-m.next.TotalProcessedTokens()), inputTokenCount)

	next, err := m.next.Update(ctx, state, inputTokenCount)
	if err != nil {
		return nil, err
	}

	metrics.Updates.Inc()
	metrics.PaddedRemovals.Add(float64(paddedRemoved))
	metrics.EvictedEntries.Add(float64(inputTokenCount - paddedRemoved))

	return next, nil
}

func (m *instrumentedSession) SetCapacity(ctx context.Context, capacity int) error {
	grew := capacity > m.next.Capacity()

	err := m.next.SetCapacity(ctx, capacity)
	if err == nil && grew {
		metrics.CapacityResizes.Inc()
	}

	return err
}

func (m *instrumentedSession) ID() (string, error)       { return m.next.ID() }
func (m *instrumentedSession) Capacity() int             { return m.next.Capacity() }
func (m *instrumentedSession) NumNonBlankEntries() int   { return m.next.NumNonBlankEntries() }
func (m *instrumentedSession) TotalProcessedTokens() int { return m.next.TotalProcessedTokens() }
func (m *instrumentedSession) CachedState() State        { return m.next.CachedState() }

func (m *instrumentedSession) Close(ctx context.Context) error {
	return m.next.Close(ctx)
}
