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

package kvpool

import (
	"time"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/arena"
)

// RemoveReason explains why an entry left a pool.
type RemoveReason int

const (
	// RemoveDeleted is an explicit Delete call.
	RemoveDeleted RemoveReason = iota
	// RemoveReplaced is a Put or Allocate over an existing key.
	RemoveReplaced
	// EvictCapacity frees space for a new allocation.
	EvictCapacity
	// EvictMaxEntries keeps the entry count under MaxEntries.
	EvictMaxEntries
	// EvictRequested is an explicit Evict call.
	EvictRequested
)

// Evicted reports whether the removal was made by the eviction policy.
func (r RemoveReason) Evicted() bool {
	return r >= EvictCapacity
}

func (r RemoveReason) String() string {
	switch r {
	case RemoveDeleted:
		return "deleted"
	case RemoveReplaced:
		return "replaced"
	case EvictCapacity:
		return "capacity"
	case EvictMaxEntries:
		return "max_entries"
	case EvictRequested:
		return "requested"
	default:
		return "unknown"
	}
}

// Metrics exposes pool-level observability hooks.
// NoopMetrics is used when none is configured.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason RemoveReason)
	Usage(entries int, allocatedBlocks uint64)
	ObservePersist(d time.Duration)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                         {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) Evict(RemoveReason)           {}
func (NoopMetrics) Usage(int, uint64)            {}
func (NoopMetrics) ObservePersist(time.Duration) {}

var _ Metrics = NoopMetrics{}

// Listener is notified of entries entering and leaving a pool. Callbacks run
// under the pool lock and must not call back into the pool.
type Listener interface {
	OnStored(pool string, entry Entry)
	OnRemoved(pool string, entry Entry, reason RemoveReason)
}

// Clock provides time in UnixNano.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Options carries the collaborators of a pool. Zero values are replaced in
// New and Restore:
//   - nil Arena    => arena.MemoryFactory
//   - nil Metrics  => NoopMetrics
//   - nil Clock    => wall clock
//
// A nil Listener disables notifications.
type Options struct {
	Arena    arena.Factory
	Metrics  Metrics
	Listener Listener
	Clock    Clock
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Arena == nil {
		out.Arena = arena.MemoryFactory{}
	}
	if out.Metrics == nil {
		out.Metrics = NoopMetrics{}
	}
	if out.Clock == nil {
		out.Clock = systemClock{}
	}
	return out
}
