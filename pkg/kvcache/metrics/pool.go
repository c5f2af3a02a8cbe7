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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
)

// PoolMetrics reports the observations of one pool into the collectors.
type PoolMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	entries   prometheus.Gauge
	allocated prometheus.Gauge
	persist   prometheus.Observer
	pool      string
}

var _ kvpool.Metrics = &PoolMetrics{}

// NewPoolMetrics binds the collectors to the pool label.
func NewPoolMetrics(pool string) *PoolMetrics {
	return &PoolMetrics{
		hits:      Hits.WithLabelValues(pool),
		misses:    Misses.WithLabelValues(pool),
		entries:   Entries.WithLabelValues(pool),
		allocated: AllocatedBlocks.WithLabelValues(pool),
		persist:   PersistLatency.WithLabelValues(pool),
		pool:      pool,
	}
}

func (m *PoolMetrics) Hit()  { m.hits.Inc() }
func (m *PoolMetrics) Miss() { m.misses.Inc() }

func (m *PoolMetrics) Evict(reason kvpool.RemoveReason) {
	Evictions.WithLabelValues(m.pool, reason.String()).Inc()
}

func (m *PoolMetrics) Usage(entries int, allocatedBlocks uint64) {
	m.entries.Set(float64(entries))
	m.allocated.Set(float64(allocatedBlocks))
}

func (m *PoolMetrics) ObservePersist(d time.Duration) {
	m.persist.Observe(d.Seconds())
}
