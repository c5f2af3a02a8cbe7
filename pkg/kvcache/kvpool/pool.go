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

// Package kvpool implements a size-bounded pool of opaque KV-cache payloads
// with block allocation, policy driven eviction and binary persistence.
package kvpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/arena"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils/logging"
)

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("pool is closed")

var zeroBlock [BlockSize]byte

// Pool is a named arena of fixed-size blocks holding cache entries.
// All methods are safe for concurrent use; one mutex serializes them.
type Pool struct {
	mu sync.Mutex

	cfg    Config
	opts   Options
	logger klog.Logger

	alloc    *allocator.Bitmap
	evictor  *eviction.Manager
	dir      *directory
	prefixes map[string]sets.Set[string]
	arena    arena.ByteArena

	// lastTick is the latest timestamp handed out by now.
	lastTick int64

	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool
}

// New creates an empty pool for cfg.
func New(ctx context.Context, cfg *Config, opts *Options) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := TotalBlocks(cfg.SizeBytes)
	p, err := newPool(ctx, cfg, opts, allocator.New(total))
	if err != nil {
		return nil, err
	}

	p.logger.V(logging.DEBUG).Info("created pool", "name", cfg.Name, "totalBlocks", total,
		"tier", cfg.Tier, "policy", cfg.EvictionPolicy)
	return p, nil
}

func newPool(ctx context.Context, cfg *Config, opts *Options, bitmap *allocator.Bitmap) (*Pool, error) {
	o := opts.withDefaults()
	c := *cfg
	if c.Tier == "" {
		c.Tier = DefaultTier
	}

	_, total := bitmap.Usage()
	region, err := o.Arena.Open(c.Name, int64(total*BlockSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open arena for pool %s: %w", c.Name, err)
	}

	return &Pool{
		cfg:      c,
		opts:     o,
		logger:   klog.FromContext(ctx).WithName("kvpool.Pool").WithValues("pool", c.Name),
		alloc:    bitmap,
		evictor:  eviction.NewManager(c.EvictionPolicy),
		dir:      newDirectory(),
		prefixes: make(map[string]sets.Set[string]),
		arena:    region,
	}, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Allocate reserves zeroed space for size bytes under key and returns the
// new entry. An existing key is replaced. ok is false when the space cannot
// be found even after evicting every candidate, or when size exceeds the
// pool capacity, in which case nothing is evicted. size == 0 fails and a
// negative size panics.
func (p *Pool) Allocate(key string, size int64, meta EntryMeta) (Entry, bool) {
	if size < 0 {
		panic(fmt.Sprintf("kvpool: negative allocation size %d", size))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.allocateLocked(key, uint64(size), meta)
	if !ok {
		return Entry{}, false
	}

	if err := p.fill(e.Offset, nil, e.Blocks()*BlockSize); err != nil {
		p.logger.Error(err, "failed to zero allocation", "key", key)
		p.removeLocked(key, RemoveDeleted)
		return Entry{}, false
	}

	p.stored(e)
	return *e, true
}

// Put stores a copy of data under key, replacing any previous entry.
// It returns false when the pool cannot make room, which is an expected
// outcome for a full cache.
func (p *Pool) Put(key string, data []byte, meta EntryMeta) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.allocateLocked(key, uint64(len(data)), meta)
	if !ok {
		return false
	}

	if err := p.fill(e.Offset, data, e.Blocks()*BlockSize); err != nil {
		p.logger.Error(err, "failed to write payload", "key", key)
		p.removeLocked(key, RemoveDeleted)
		return false
	}

	p.stored(e)
	return true
}

// allocateLocked reserves blocks for key and registers the entry.
func (p *Pool) allocateLocked(key string, size uint64, meta EntryMeta) (*Entry, bool) {
	if p.closed || size == 0 {
		return nil, false
	}

	blocks := blocksFor(size)
	_, total := p.alloc.Usage()
	if blocks > total {
		p.logger.V(logging.DEBUG).Info("allocation exceeds pool capacity", "key", key,
			"blocks", blocks, "totalBlocks", total)
		return nil, false
	}

	if _, exists := p.dir.get(key); exists {
		p.removeLocked(key, RemoveReplaced)
	}

	if p.cfg.MaxEntries > 0 {
		for uint64(p.dir.len()) >= p.cfg.MaxEntries {
			if !p.evictOneLocked(EvictMaxEntries) {
				break
			}
		}
	}

	// Each pass evicts one entry, so the loop ends after at most len(dir) passes.
	var start uint64
	for {
		var found bool
		if start, found = p.alloc.Allocate(blocks); found {
			break
		}
		if !p.evictOneLocked(EvictCapacity) {
			p.logger.V(logging.DEBUG).Info("pool exhausted", "key", key, "blocks", blocks)
			return nil, false
		}
	}

	now := p.now()
	p.dir.insert(Entry{
		Key:            key,
		PrefixHash:     meta.PrefixHash,
		Offset:         start * BlockSize,
		Size:           size,
		CreatedAt:      now,
		LastAccessed:   now,
		Priority:       meta.Priority,
		SequenceLength: meta.SequenceLength,
		LayerIndex:     meta.LayerIndex,
	})
	e, _ := p.dir.get(key)
	p.track(e)
	return e, true
}

// track registers e with the eviction manager and the prefix index.
func (p *Pool) track(e *Entry) {
	p.evictor.Add(eviction.Meta{
		Key:          e.Key,
		CreatedAt:    e.CreatedAt,
		LastAccessed: e.LastAccessed,
		AccessCount:  e.AccessCount,
		Priority:     e.Priority,
	})
	if e.PrefixHash != "" {
		keys, ok := p.prefixes[e.PrefixHash]
		if !ok {
			keys = sets.New[string]()
			p.prefixes[e.PrefixHash] = keys
		}
		keys.Insert(e.Key)
	}
}

// fill writes data at off and zeroes the rest of span bytes.
func (p *Pool) fill(off uint64, data []byte, span uint64) error {
	if len(data) > 0 {
		if _, err := p.arena.WriteAt(data, int64(off)); err != nil {
			return err
		}
	}
	for pos := uint64(len(data)); pos < span; {
		n := min(span-pos, BlockSize-pos%BlockSize)
		if _, err := p.arena.WriteAt(zeroBlock[:n], int64(off+pos)); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (p *Pool) stored(e *Entry) {
	p.opts.Metrics.Usage(p.dir.len(), p.allocatedBlocks())
	if p.opts.Listener != nil {
		p.opts.Listener.OnStored(p.cfg.Name, *e)
	}
}

// evictOneLocked removes the worst ranked entry. It reports false when the
// pool is empty.
func (p *Pool) evictOneLocked(reason RemoveReason) bool {
	candidates := p.evictor.Candidates(1)
	if len(candidates) == 0 {
		return false
	}
	p.logger.V(logging.TRACE).Info("evicting entry", "key", candidates[0], "reason", reason)
	_, ok := p.removeLocked(candidates[0], reason)
	return ok
}

// removeLocked drops key from every structure and frees its blocks.
func (p *Pool) removeLocked(key string, reason RemoveReason) (Entry, bool) {
	e, ok := p.dir.remove(key)
	if !ok {
		return Entry{}, false
	}

	if err := p.alloc.Free(e.StartBlock(), e.Blocks()); err != nil {
		// The directory and bitmap disagree; keep serving but surface it.
		p.logger.Error(err, "bitmap out of sync with directory", "key", key)
	}
	p.evictor.Remove(key)
	if keys, found := p.prefixes[e.PrefixHash]; found {
		keys.Delete(key)
		if keys.Len() == 0 {
			delete(p.prefixes, e.PrefixHash)
		}
	}

	if reason.Evicted() {
		p.evictions++
		p.opts.Metrics.Evict(reason)
	}
	p.opts.Metrics.Usage(p.dir.len(), p.allocatedBlocks())
	if p.opts.Listener != nil {
		p.opts.Listener.OnRemoved(p.cfg.Name, e, reason)
	}
	return e, true
}

// Get returns a copy of the payload stored under key and records the access.
func (p *Pool) Get(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}

	e, ok := p.dir.get(key)
	if !ok {
		p.misses++
		p.opts.Metrics.Miss()
		return nil, false
	}

	data := make([]byte, e.Size)
	if _, err := p.arena.ReadAt(data, int64(e.Offset)); err != nil {
		p.logger.Error(err, "failed to read payload", "key", key)
		p.misses++
		p.opts.Metrics.Miss()
		return nil, false
	}

	now := p.now()
	e.LastAccessed = now
	e.AccessCount++
	p.evictor.Access(key, now)
	p.hits++
	p.opts.Metrics.Hit()
	return data, true
}

// Lookup returns the metadata of key without counting an access.
func (p *Pool) Lookup(key string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.dir.get(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SetPriority changes the eviction priority of key.
func (p *Pool) SetPriority(key string, priority int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.dir.get(key)
	if !ok {
		return false
	}
	e.Priority = priority
	return p.evictor.SetPriority(key, priority)
}

// Delete removes key and reports whether it existed.
func (p *Pool) Delete(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.removeLocked(key, RemoveDeleted)
	return ok
}

// Evict removes entries, worst ranked first, until the removed entries
// account for ceil(totalBlocks*targetPercent/100) blocks or the pool is
// empty. It returns the number of entries removed. targetPercent outside
// [0, 100] panics.
func (p *Pool) Evict(targetPercent float64) int {
	if math.IsNaN(targetPercent) || targetPercent < 0 || targetPercent > 100 {
		panic(fmt.Sprintf("kvpool: eviction target %v%% out of range", targetPercent))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, total := p.alloc.Usage()
	target := uint64(math.Ceil(float64(total) * targetPercent / 100))

	var freed uint64
	removed := 0
	for freed < target {
		candidates := p.evictor.Candidates(1)
		if len(candidates) == 0 {
			break
		}
		e, ok := p.removeLocked(candidates[0], EvictRequested)
		if !ok {
			break
		}
		freed += e.Blocks()
		removed++
	}

	p.logger.V(logging.DEBUG).Info("evicted entries", "percent", targetPercent,
		"targetBlocks", target, "freedBlocks", freed, "entries", removed)
	return removed
}

// FindByPrefix returns the live entries created with prefixHash, oldest first.
func (p *Pool) FindByPrefix(prefixHash string) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, ok := p.prefixes[prefixHash]
	if !ok {
		return nil
	}

	entries := make([]Entry, 0, keys.Len())
	for key := range keys {
		if e, found := p.dir.get(key); found {
			entries = append(entries, *e)
		}
	}
	sortByCreation(entries)
	return entries
}

// Keys returns the live keys in lexical order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, p.dir.len())
	for key := range p.dir.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats is a point-in-time summary of a pool.
type Stats struct {
	Name               string          `json:"name"`
	Tier               string          `json:"tier"`
	EvictionPolicy     eviction.Policy `json:"evictionPolicy"`
	EntryCount         int             `json:"entryCount"`
	MaxEntries         uint64          `json:"maxEntries"`
	AllocatedBlocks    uint64          `json:"allocatedBlocks"`
	TotalBlocks        uint64          `json:"totalBlocks"`
	FreeBlocks         uint64          `json:"freeBlocks"`
	BlockSize          uint64          `json:"blockSize"`
	UtilizationPercent float64         `json:"utilizationPercent"`
	SizeBytes          uint64          `json:"sizeBytes"`
	UsedBytes          uint64          `json:"usedBytes"`
	Hits               uint64          `json:"hits"`
	Misses             uint64          `json:"misses"`
	Evictions          uint64          `json:"evictions"`
	PrefixGroups       int             `json:"prefixGroups"`
}

// Stats returns the current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated, total := p.alloc.Usage()
	var used uint64
	p.dir.each(func(e *Entry) { used += e.Size })

	var utilization float64
	if total > 0 {
		utilization = float64(allocated) * 100 / float64(total)
	}

	return Stats{
		Name:               p.cfg.Name,
		Tier:               p.cfg.Tier,
		EvictionPolicy:     p.cfg.EvictionPolicy,
		EntryCount:         p.dir.len(),
		MaxEntries:         p.cfg.MaxEntries,
		AllocatedBlocks:    allocated,
		TotalBlocks:        total,
		FreeBlocks:         total - allocated,
		BlockSize:          BlockSize,
		UtilizationPercent: utilization,
		SizeBytes:          p.cfg.SizeBytes,
		UsedBytes:          used,
		Hits:               p.hits,
		Misses:             p.misses,
		Evictions:          p.evictions,
		PrefixGroups:       len(p.prefixes),
	}
}

// Verify checks that the directory, the bitmap and the prefix index agree.
func (p *Pool) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return verify(p.dir, p.alloc, p.prefixes, p.evictor)
}

// Close releases the arena. Later operations fail or report missing keys.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.arena.Close(); err != nil {
		return fmt.Errorf("failed to close arena of pool %s: %w", p.cfg.Name, err)
	}
	return nil
}

// now returns a timestamp strictly greater than every earlier one.
func (p *Pool) now() int64 {
	t := p.opts.Clock.NowUnixNano()
	if t <= p.lastTick {
		t = p.lastTick + 1
	}
	p.lastTick = t
	return t
}

func (p *Pool) allocatedBlocks() uint64 {
	allocated, _ := p.alloc.Usage()
	return allocated
}

func sortByCreation(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		return entries[i].Offset < entries[j].Offset
	})
}
