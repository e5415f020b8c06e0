// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Updates counts how many Update() calls have completed.
	Updates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decodercache", Subsystem: "session", Name: "updates_total",
		Help: "Total number of cache updates",
	})
	// EvictedEntries counts real (non-padded) cache entries evicted.
	EvictedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decodercache", Subsystem: "session", Name: "evicted_entries_total",
		Help: "Total number of non-padded cache entries evicted",
	})
	// PaddedRemovals counts blank placeholder entries removed.
	PaddedRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decodercache", Subsystem: "session", Name: "padded_removals_total",
		Help: "Total number of padded (blank) cache entries removed",
	})
	// CapacityResizes counts successful SetCapacity calls that grew the window.
	CapacityResizes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "decodercache", Subsystem: "session", Name: "capacity_resizes_total",
		Help: "Total number of capacity resizes",
	})
	// UpdateLatency logs latency of update calls.
	UpdateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "decodercache", Subsystem: "session", Name: "update_latency_seconds",
		Help:    "Latency of Update calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Updates, EvictedEntries, PaddedRemovals,
		CapacityResizes, UpdateLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values
// every interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := Updates.Write(&m)
	if err != nil {
		return
	}
	updates := m.GetCounter().GetValue()

	err = EvictedEntries.Write(&m)
	if err != nil {
		return
	}
	evicted := m.GetCounter().GetValue()

	err = PaddedRemovals.Write(&m)
	if err != nil {
		return
	}
	padded := m.GetCounter().GetValue()

	err = CapacityResizes.Write(&m)
	if err != nil {
		return
	}
	resizes := m.GetCounter().GetValue()

	var latencyMetric dto.Metric
	err = UpdateLatency.Write(&latencyMetric)
	if err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"updates", updates,
		"evicted_entries", evicted,
		"padded_removals", padded,
		"capacity_resizes", resizes,
		"latency_count", latencyCount,
		"latency_sum", latencySum,
		"latency_avg", latencySum/float64(latencyCount),
	)
}
