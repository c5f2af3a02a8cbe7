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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"bytes"
	"fmt"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/prefix"
)

func (s *PoolEventsSuite) createPool(maxEntries uint64) *kvpool.Pool {
	p, err := s.manager.Store().Create(s.ctx, &kvpool.Config{
		Name:           poolName,
		SizeBytes:      1 << 20,
		Tier:           kvpool.DefaultTier,
		EvictionPolicy: eviction.LRU,
		MaxEntries:     maxEntries,
	}, false)
	s.Require().NoError(err)
	return p
}

func stored(key string) string {
	return fmt.Sprintf("stored %d", kvevents.BlockHash(key))
}

func removed(key string) string {
	return fmt.Sprintf("removed %d", kvevents.BlockHash(key))
}

// describe renders events as "<kind> <hashes>" lines.
func describe(events []kvevents.Event) []string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev := ev.(type) {
		case kvevents.BlockStored:
			for _, h := range ev.BlockHashes {
				lines = append(lines, fmt.Sprintf("stored %d", h))
			}
		case kvevents.BlockRemoved:
			for _, h := range ev.BlockHashes {
				lines = append(lines, fmt.Sprintf("removed %d", h))
			}
		case kvevents.AllBlocksCleared:
			lines = append(lines, "cleared")
		}
	}
	return lines
}

// TestPutPublishesBlockStored verifies that a put announces the entry with
// its prefix as parent hash.
func (s *PoolEventsSuite) TestPutPublishesBlockStored() {
	p := s.createPool(0)

	prefixHash, err := s.manager.PrefixHash([]uint32{1, 2, 3, 4})
	s.Require().NoError(err)
	s.Require().True(p.Put("layer-0", []byte("kv"), kvpool.EntryMeta{PrefixHash: prefixHash, SequenceLength: 4}))

	events := s.collect(1)
	s.Require().Len(events, 1)
	ev, ok := events[0].(kvevents.BlockStored)
	s.Require().True(ok, "got %T", events[0])
	s.Equal([]uint64{kvevents.BlockHash("layer-0")}, ev.BlockHashes)
	s.Equal(4, ev.BlockSize)
	s.Require().NotNil(ev.ParentBlockHash)
	s.Equal(prefixHash, prefix.FormatHash(*ev.ParentBlockHash))
}

// TestReplaceAndDelete verifies the removal and store pair of a replace and
// the removal of a delete.
func (s *PoolEventsSuite) TestReplaceAndDelete() {
	p := s.createPool(0)

	s.Require().True(p.Put("k", []byte("v1"), kvpool.EntryMeta{}))
	s.Require().True(p.Put("k", []byte("v2"), kvpool.EntryMeta{}))
	s.Require().True(p.Delete("k"))
	s.False(p.Delete("k"))

	s.Equal([]string{stored("k"), removed("k"), stored("k"), removed("k")}, describe(s.collect(4)))
}

// TestEvictionPublishesRemovals verifies that entries evicted to honor the
// entry cap are announced before the entry that displaced them.
func (s *PoolEventsSuite) TestEvictionPublishesRemovals() {
	p := s.createPool(2)

	for _, key := range []string{"a", "b", "c"} {
		s.Require().True(p.Put(key, []byte(key), kvpool.EntryMeta{}))
	}

	s.Equal([]string{stored("a"), stored("b"), removed("a"), stored("c")}, describe(s.collect(4)))
	s.Equal([]string{"b", "c"}, p.Keys())
}

// TestDeletePoolPublishesCleared verifies that dropping a pool clears all
// of its blocks downstream.
func (s *PoolEventsSuite) TestDeletePoolPublishesCleared() {
	s.createPool(0)

	existed, err := s.manager.DeletePool(s.ctx, poolName)
	s.Require().NoError(err)
	s.True(existed)

	s.Equal([]string{"cleared"}, describe(s.collect(1)))
}

// TestRestartRestoresPool verifies that a persisted pool survives a Manager
// restart and stays searchable by prefix tokens.
func (s *PoolEventsSuite) TestRestartRestoresPool() {
	p := s.createPool(0)
	tokens := []uint32{7, 7, 7, 7, 8}
	prefixHash, err := s.manager.PrefixHash(tokens)
	s.Require().NoError(err)

	payload := bytes.Repeat([]byte{0xAB}, 3*kvpool.BlockSize+5)
	s.Require().True(p.Put("layer-1", payload, kvpool.EntryMeta{PrefixHash: prefixHash, LayerIndex: 1}))
	s.Require().NoError(s.manager.Store().Persist(s.ctx, poolName))
	s.collect(1)

	s.Require().NoError(s.manager.Shutdown(s.ctx))
	s.manager = s.startManager()

	restored, err := s.manager.Store().Get(s.ctx, poolName)
	s.Require().NoError(err)
	s.Require().NoError(restored.Verify())

	got, ok := restored.Get("layer-1")
	s.Require().True(ok)
	s.Equal(payload, got)

	entries, err := s.manager.FindByPrefixTokens(s.ctx, poolName, tokens)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("layer-1", entries[0].Key)
	s.Equal(uint32(1), entries[0].LayerIndex)
}
