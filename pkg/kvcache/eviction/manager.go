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

// Package eviction ranks the live entries of a pool for removal under a
// single configured policy.
package eviction

import (
	"fmt"
	"sort"
)

// Meta is the ranking metadata tracked for one entry.
type Meta struct {
	Key          string
	CreatedAt    int64
	LastAccessed int64
	AccessCount  uint64
	Priority     int64
}

type item struct {
	Meta
	// seq is the insertion order, used to break ranking ties.
	seq uint64
}

// Manager keeps ranking metadata for the live entries of one pool.
// It is not safe for concurrent use.
type Manager struct {
	policy  Policy
	items   map[string]*item
	nextSeq uint64
}

// NewManager returns an empty manager ranking entries under policy p.
// It panics if p is not a defined policy.
func NewManager(p Policy) *Manager {
	if !p.Valid() {
		panic(fmt.Sprintf("eviction: %v", p))
	}
	return &Manager{
		policy: p,
		items:  make(map[string]*item),
	}
}

// Policy returns the configured policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Add registers meta, or replaces the metadata of an already tracked key
// while keeping its original insertion order.
func (m *Manager) Add(meta Meta) {
	if it, ok := m.items[meta.Key]; ok {
		it.Meta = meta
		return
	}
	m.items[meta.Key] = &item{Meta: meta, seq: m.nextSeq}
	m.nextSeq++
}

// Access records a read of key at time now. It bumps the access time and
// count; only LRU and LFU rankings depend on them.
func (m *Manager) Access(key string, now int64) bool {
	it, ok := m.items[key]
	if !ok {
		return false
	}
	it.LastAccessed = now
	it.AccessCount++
	return true
}

// SetPriority changes the priority of key.
func (m *Manager) SetPriority(key string, priority int64) bool {
	it, ok := m.items[key]
	if !ok {
		return false
	}
	it.Priority = priority
	return true
}

// Remove drops the metadata of key. Unknown keys are ignored.
func (m *Manager) Remove(key string) {
	delete(m.items, key)
}

// Len returns the number of tracked keys.
func (m *Manager) Len() int {
	return len(m.items)
}

// Candidates returns up to n keys ordered worst first.
func (m *Manager) Candidates(n int) []string {
	if n <= 0 || len(m.items) == 0 {
		return nil
	}

	if n == 1 {
		var worst *item
		for _, it := range m.items {
			if worst == nil || m.less(it, worst) {
				worst = it
			}
		}
		return []string{worst.Key}
	}

	ranked := make([]*item, 0, len(m.items))
	for _, it := range m.items {
		ranked = append(ranked, it)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return m.less(ranked[i], ranked[j])
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = ranked[i].Key
	}
	return keys
}

// less reports whether a should be evicted before b.
func (m *Manager) less(a, b *item) bool {
	ra, rb := rank(m.policy, &a.Meta), rank(m.policy, &b.Meta)
	if ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

// rank maps an entry to its eviction score under p. Lower scores go first.
func rank(p Policy, meta *Meta) int64 {
	switch p {
	case LRU:
		return meta.LastAccessed
	case LFU:
		if meta.AccessCount > uint64(1<<63-1) {
			return 1<<63 - 1
		}
		return int64(meta.AccessCount)
	case FIFO:
		return meta.CreatedAt
	case Priority:
		return meta.Priority
	default:
		panic(fmt.Sprintf("eviction: unhandled %v", p))
	}
}
