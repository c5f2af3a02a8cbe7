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

// Package metrics exposes Prometheus collectors for KV-cache pools.
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

const (
	namespace = "kvcache"
	subsystem = "pool"
)

var (
	// Hits counts Get calls that found their key.
	Hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "hits_total",
		Help: "Number of pool reads that found the key",
	}, []string{"pool"})
	// Misses counts Get calls for absent keys.
	Misses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "misses_total",
		Help: "Number of pool reads for absent keys",
	}, []string{"pool"})
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "evictions_total",
		Help: "Number of entries removed by the eviction policy",
	}, []string{"pool", "reason"})

	Entries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "entries",
		Help: "Number of live entries",
	}, []string{"pool"})
	AllocatedBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "allocated_blocks",
		Help: "Number of allocated arena blocks",
	}, []string{"pool"})

	// PersistLatency logs latency of pool persistence.
	PersistLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: "persist_latency_seconds",
		Help:    "Latency of pool persistence in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Hits, Misses, Evictions,
		Entries, AllocatedBlocks,
		PersistLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// Forget drops every series labelled with pool.
func Forget(pool string) {
	labels := prometheus.Labels{"pool": pool}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{Hits, Misses, Evictions, Entries, AllocatedBlocks, PersistLatency} {
		vec.DeletePartialMatch(labels)
	}
}

// StartMetricsLogging spawns a goroutine that logs aggregated metric values
// every interval until ctx is done.
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
	hits, misses := sum(Hits), sum(Misses)
	latencyCount, latencySum := histogramSum(PersistLatency)

	var latencyAvg float64
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"hits", hits,
		"misses", misses,
		"evictions", sum(Evictions),
		"entries", sum(Entries),
		"allocated_blocks", sum(AllocatedBlocks),
		"persist_count", latencyCount,
		"persist_latency_avg", latencyAvg,
	)
}

// collect writes every series of c into DTOs.
func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []*dto.Metric
	for m := range ch {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out
}

// sum adds up the counter or gauge values of every series of c.
func sum(c prometheus.Collector) float64 {
	var total float64
	for _, m := range collect(c) {
		total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
	}
	return total
}

func histogramSum(c prometheus.Collector) (count uint64, total float64) {
	for _, m := range collect(c) {
		count += m.GetHistogram().GetSampleCount()
		total += m.GetHistogram().GetSampleSum()
	}
	return count, total
}
