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

package kvpool_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
)

const mib = 1 << 20

// fakeClock returns the same instant until advanced.
type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64 { return f.t }

type removal struct {
	key    string
	reason kvpool.RemoveReason
}

type recordingListener struct {
	mu      sync.Mutex
	stored  []string
	removed []removal
}

func (r *recordingListener) OnStored(_ string, e kvpool.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, e.Key)
}

func (r *recordingListener) OnRemoved(_ string, e kvpool.Entry, reason kvpool.RemoveReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, removal{key: e.Key, reason: reason})
}

func newTestPool(t *testing.T, size uint64, policy eviction.Policy, opts *kvpool.Options) *kvpool.Pool {
	t.Helper()
	p, err := kvpool.New(context.Background(), &kvpool.Config{
		Name:           "test",
		SizeBytes:      size,
		Tier:           "cpu",
		EvictionPolicy: policy,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func payload(i, size int) []byte {
	b := make([]byte, size)
	fill := []byte(fmt.Sprintf("entry-%04d|", i))
	for off := 0; off < size; off += len(fill) {
		copy(b[off:], fill)
	}
	return b
}

func TestGeometry(t *testing.T) {
	assert.Equal(t, uint64(1), kvpool.TotalBlocks(kvpool.MinPoolSize))
	assert.Equal(t, uint64(254), kvpool.TotalBlocks(mib))
	assert.Zero(t, kvpool.TotalBlocks(kvpool.HeaderSize))

	for _, size := range []uint64{kvpool.MinPoolSize, mib, 16 * mib, 1 << 34} {
		blocks := kvpool.TotalBlocks(size)
		bitmap := (blocks + 7) / 8
		assert.LessOrEqual(t, kvpool.HeaderSize+bitmap+blocks*kvpool.BlockSize, size, "size %d", size)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()

	_, err := kvpool.New(ctx, &kvpool.Config{Name: "tiny", SizeBytes: kvpool.MinPoolSize - 1}, nil)
	assert.ErrorIs(t, err, kvpool.ErrInvalidConfig)

	_, err = kvpool.New(ctx, &kvpool.Config{SizeBytes: mib}, nil)
	assert.ErrorIs(t, err, kvpool.ErrInvalidConfig)

	_, err = kvpool.New(ctx, &kvpool.Config{Name: "p", SizeBytes: mib, EvictionPolicy: 7}, nil)
	assert.ErrorIs(t, err, kvpool.ErrInvalidConfig)

	_, err = kvpool.New(ctx, nil, nil)
	assert.ErrorIs(t, err, kvpool.ErrInvalidConfig)

	p, err := kvpool.New(ctx, &kvpool.Config{Name: "p", SizeBytes: kvpool.MinPoolSize}, nil)
	require.NoError(t, err)
	assert.Equal(t, kvpool.DefaultTier, p.Config().Tier)
}

func TestPutGetRoundTrip(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)

	data := payload(1, 10000)
	require.True(t, p.Put("k1", data, kvpool.EntryMeta{PrefixHash: "h", LayerIndex: 3, SequenceLength: 128}))

	got, ok := p.Get("k1")
	require.True(t, ok)
	assert.Equal(t, data, got)

	got[0] ^= 0xff
	again, _ := p.Get("k1")
	assert.Equal(t, data, again, "Get returns a copy")

	e, ok := p.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, uint64(10000), e.Size)
	assert.Equal(t, uint64(2), e.AccessCount)
	assert.Equal(t, uint32(3), e.LayerIndex)
	assert.Equal(t, uint64(128), e.SequenceLength)
	assert.Zero(t, e.Offset%kvpool.BlockSize)

	stats := p.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, uint64(3), stats.AllocatedBlocks)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(10000), stats.UsedBytes)
	require.NoError(t, p.Verify())
}

func TestGetMissing(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)
	got, ok := p.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, uint64(1), p.Stats().Misses)
}

func TestPutReplacesExistingKey(t *testing.T) {
	listener := &recordingListener{}
	p := newTestPool(t, mib, eviction.LRU, &kvpool.Options{Listener: listener})

	require.True(t, p.Put("k", payload(1, 3*kvpool.BlockSize), kvpool.EntryMeta{PrefixHash: "old"}))
	require.True(t, p.Put("k", payload(2, 100), kvpool.EntryMeta{PrefixHash: "new"}))

	got, ok := p.Get("k")
	require.True(t, ok)
	assert.Equal(t, payload(2, 100), got)

	stats := p.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, uint64(1), stats.AllocatedBlocks)
	assert.Empty(t, p.FindByPrefix("old"))
	assert.Len(t, p.FindByPrefix("new"), 1)

	assert.Equal(t, []string{"k", "k"}, listener.stored)
	assert.Equal(t, []removal{{key: "k", reason: kvpool.RemoveReplaced}}, listener.removed)
	require.NoError(t, p.Verify())
}

func TestAllocateEdgeCases(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)

	_, ok := p.Allocate("zero", 0, kvpool.EntryMeta{})
	assert.False(t, ok)
	assert.False(t, p.Put("empty", nil, kvpool.EntryMeta{}))

	assert.Panics(t, func() { p.Allocate("neg", -1, kvpool.EntryMeta{}) })

	require.True(t, p.Put("keep", payload(1, 10), kvpool.EntryMeta{}))
	_, ok = p.Allocate("huge", 255*kvpool.BlockSize, kvpool.EntryMeta{})
	assert.False(t, ok, "larger than the whole pool")
	_, ok = p.Lookup("keep")
	assert.True(t, ok, "oversized request evicts nothing")

	e, ok := p.Allocate("whole", 254*kvpool.BlockSize, kvpool.EntryMeta{})
	require.True(t, ok, "evicts everything to fit the whole arena")
	assert.Equal(t, uint64(0), e.Offset)
	_, ok = p.Lookup("keep")
	assert.False(t, ok)

	data, ok := p.Get("whole")
	require.True(t, ok)
	assert.True(t, bytes.Equal(make([]byte, 254*kvpool.BlockSize), data), "allocations are zeroed")
}

func TestDeleteIsIdempotent(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)
	require.True(t, p.Put("k", payload(1, 10), kvpool.EntryMeta{PrefixHash: "h"}))

	before := p.Stats()
	assert.False(t, p.Delete("missing"))
	assert.Equal(t, before, p.Stats())

	assert.True(t, p.Delete("k"))
	assert.False(t, p.Delete("k"))
	assert.Zero(t, p.Stats().AllocatedBlocks)
	assert.Zero(t, p.Stats().PrefixGroups)
	require.NoError(t, p.Verify())
}

// TestAutoEvictionUnderPressure fills a 1 MiB LRU pool far past capacity.
func TestAutoEvictionUnderPressure(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)

	for i := 0; i < 300; i++ {
		require.True(t, p.Put(fmt.Sprintf("k%03d", i), payload(i, 4096), kvpool.EntryMeta{}))
		allocated := p.Stats().AllocatedBlocks
		require.LessOrEqual(t, allocated, uint64(254))
	}

	for i := 250; i < 300; i++ {
		got, ok := p.Get(fmt.Sprintf("k%03d", i))
		require.True(t, ok, "recent entry %d", i)
		require.Equal(t, payload(i, 4096), got)
	}
	for i := 0; i < 10; i++ {
		_, ok := p.Get(fmt.Sprintf("k%03d", i))
		assert.False(t, ok, "early entry %d", i)
	}

	stats := p.Stats()
	assert.Equal(t, 254, stats.EntryCount)
	assert.Equal(t, uint64(300-254), stats.Evictions)
	assert.InDelta(t, 100.0, stats.UtilizationPercent, 0.001)
	require.NoError(t, p.Verify())
}

func TestLRUKeepsRecentlyReadEntries(t *testing.T) {
	p := newTestPool(t, kvpool.HeaderSize+1+3*kvpool.BlockSize+3, eviction.LRU, nil)
	require.Equal(t, uint64(3), p.Stats().TotalBlocks)

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, p.Put(k, payload(0, 100), kvpool.EntryMeta{}))
	}
	_, ok := p.Get("a")
	require.True(t, ok)

	require.True(t, p.Put("d", payload(0, 100), kvpool.EntryMeta{}))
	assert.Equal(t, []string{"a", "c", "d"}, p.Keys())
}

func TestFIFOIgnoresReads(t *testing.T) {
	p := newTestPool(t, kvpool.HeaderSize+1+3*kvpool.BlockSize+3, eviction.FIFO, nil)

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, p.Put(k, payload(0, 100), kvpool.EntryMeta{}))
	}
	_, _ = p.Get("a")

	require.True(t, p.Put("d", payload(0, 100), kvpool.EntryMeta{}))
	assert.Equal(t, []string{"b", "c", "d"}, p.Keys())
}

func TestPriorityEviction(t *testing.T) {
	p := newTestPool(t, mib, eviction.Priority, nil)

	require.True(t, p.Put("high", payload(0, 10), kvpool.EntryMeta{Priority: 10}))
	require.True(t, p.Put("low", payload(0, 10), kvpool.EntryMeta{Priority: 1}))
	require.True(t, p.Put("mid", payload(0, 10), kvpool.EntryMeta{Priority: 5}))

	assert.Equal(t, 1, p.Evict(0.1))
	assert.Equal(t, []string{"high", "mid"}, p.Keys())

	require.True(t, p.SetPriority("high", 0))
	assert.False(t, p.SetPriority("low", 0))
	assert.Equal(t, 1, p.Evict(0.1))
	assert.Equal(t, []string{"mid"}, p.Keys())
}

func TestMaxEntriesSoftCap(t *testing.T) {
	listener := &recordingListener{}
	p, err := kvpool.New(context.Background(), &kvpool.Config{
		Name: "capped", SizeBytes: mib, EvictionPolicy: eviction.FIFO, MaxEntries: 2,
	}, &kvpool.Options{Listener: listener})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, p.Put(k, payload(0, 10), kvpool.EntryMeta{}))
	}
	assert.Equal(t, []string{"b", "c"}, p.Keys())
	assert.Equal(t, []removal{{key: "a", reason: kvpool.EvictMaxEntries}}, listener.removed)

	require.True(t, p.Put("b", payload(1, 10), kvpool.EntryMeta{}), "replacing does not count against the cap")
	assert.Equal(t, []string{"b", "c"}, p.Keys())
}

func TestEvictPercent(t *testing.T) {
	p := newTestPool(t, mib, eviction.FIFO, nil)
	for i := 0; i < 100; i++ {
		require.True(t, p.Put(fmt.Sprintf("k%03d", i), payload(i, 4096), kvpool.EntryMeta{}))
	}

	// ceil(254 * 10 / 100) = 26 blocks
	assert.Equal(t, 26, p.Evict(10))
	_, ok := p.Lookup("k025")
	assert.False(t, ok)
	_, ok = p.Lookup("k026")
	assert.True(t, ok)

	assert.Equal(t, 0, p.Evict(0))
	assert.Equal(t, 74, p.Evict(100), "stops when the pool is empty")
	assert.Zero(t, p.Stats().EntryCount)

	assert.Panics(t, func() { p.Evict(-1) })
	assert.Panics(t, func() { p.Evict(100.5) })
}

func TestFindByPrefix(t *testing.T) {
	clock := &fakeClock{t: 1000}
	p := newTestPool(t, mib, eviction.LRU, &kvpool.Options{Clock: clock})

	require.True(t, p.Put("a", payload(0, 10), kvpool.EntryMeta{PrefixHash: "shared"}))
	require.True(t, p.Put("b", payload(0, 10), kvpool.EntryMeta{PrefixHash: "other"}))
	require.True(t, p.Put("c", payload(0, 10), kvpool.EntryMeta{PrefixHash: "shared"}))
	require.True(t, p.Put("d", payload(0, 10), kvpool.EntryMeta{PrefixHash: "shared"}))

	keysOf := func(entries []kvpool.Entry) []string {
		out := make([]string, len(entries))
		for i := range entries {
			out[i] = entries[i].Key
		}
		return out
	}

	assert.Equal(t, []string{"a", "c", "d"}, keysOf(p.FindByPrefix("shared")))

	require.True(t, p.Delete("c"))
	assert.Equal(t, []string{"a", "d"}, keysOf(p.FindByPrefix("shared")))

	p.Evict(0.1) // evicts "a" under LRU
	assert.Equal(t, []string{"d"}, keysOf(p.FindByPrefix("shared")))
	assert.Empty(t, p.FindByPrefix("missing"))
	assert.Empty(t, p.FindByPrefix(""))
}

func TestClockIsStrictlyMonotonic(t *testing.T) {
	clock := &fakeClock{t: 5}
	p := newTestPool(t, mib, eviction.LRU, &kvpool.Options{Clock: clock})

	require.True(t, p.Put("a", payload(0, 1), kvpool.EntryMeta{}))
	require.True(t, p.Put("b", payload(0, 1), kvpool.EntryMeta{}))
	clock.t = 1 // clock going backwards

	require.True(t, p.Put("c", payload(0, 1), kvpool.EntryMeta{}))
	a, _ := p.Lookup("a")
	b, _ := p.Lookup("b")
	c, _ := p.Lookup("c")
	assert.Equal(t, int64(5), a.CreatedAt)
	assert.Equal(t, int64(6), b.CreatedAt)
	assert.Equal(t, int64(7), c.CreatedAt)
}

func TestClosedPool(t *testing.T) {
	p := newTestPool(t, mib, eviction.LRU, nil)
	require.True(t, p.Put("a", payload(0, 1), kvpool.EntryMeta{}))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, ok := p.Get("a")
	assert.False(t, ok)
	assert.False(t, p.Put("b", payload(0, 1), kvpool.EntryMeta{}))
	assert.ErrorIs(t, p.Persist(t.TempDir()+"/x.kvpool"), kvpool.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	p := newTestPool(t, mib, eviction.LFU, nil)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i%40)
				data := payload(i, 1+(i*337)%(3*kvpool.BlockSize))
				if !p.Put(key, data, kvpool.EntryMeta{PrefixHash: fmt.Sprintf("h%d", i%5)}) {
					return fmt.Errorf("put %s failed", key)
				}
				if got, ok := p.Get(key); ok && !bytes.Equal(got, data) {
					// another writer never shares this key
					return fmt.Errorf("key %s returned foreign bytes", key)
				}
				if i%7 == 0 {
					p.Delete(key)
				}
				_ = p.FindByPrefix("h1")
				_ = p.Stats()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.Verify())
}

func TestStatsJSONShape(t *testing.T) {
	p := newTestPool(t, mib, eviction.LFU, nil)
	want := kvpool.Stats{
		Name:           "test",
		Tier:           "cpu",
		EvictionPolicy: eviction.LFU,
		TotalBlocks:    254,
		FreeBlocks:     254,
		BlockSize:      kvpool.BlockSize,
		SizeBytes:      mib,
	}
	if diff := cmp.Diff(want, p.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
}
