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

// Entry describes one cached payload. Offset is block aligned and
// [Offset, Offset+Size) never overlaps another live entry of the same pool.
type Entry struct {
	Key            string `json:"key"`
	PrefixHash     string `json:"prefixHash,omitempty"`
	Offset         uint64 `json:"offset"`
	Size           uint64 `json:"size"`
	CreatedAt      int64  `json:"createdAt"`
	LastAccessed   int64  `json:"lastAccessed"`
	AccessCount    uint64 `json:"accessCount"`
	Priority       int64  `json:"priority"`
	SequenceLength uint64 `json:"sequenceLength"`
	LayerIndex     uint32 `json:"layerIndex"`
}

// EntryMeta is the caller-supplied metadata of a new entry.
type EntryMeta struct {
	// PrefixHash groups entries sharing a cached prompt prefix.
	PrefixHash string
	LayerIndex uint32
	// SequenceLength is the token count the payload covers.
	SequenceLength uint64
	// Priority ranks the entry under the priority policy; lower goes first.
	Priority int64
}

// StartBlock returns the index of the first block the entry occupies.
func (e *Entry) StartBlock() uint64 {
	return e.Offset / BlockSize
}

// Blocks returns the number of blocks the entry occupies.
func (e *Entry) Blocks() uint64 {
	return blocksFor(e.Size)
}

// directory is the key to entry mapping of a pool. Entries live in a slab
// addressed by slot; the key and start-block indexes store slots, and freed
// slots are reused.
type directory struct {
	slots   []Entry
	used    []bool
	free    []int
	byKey   map[string]int
	byBlock map[uint64]int
}

func newDirectory() *directory {
	return &directory{
		byKey:   make(map[string]int),
		byBlock: make(map[uint64]int),
	}
}

func (d *directory) len() int {
	return len(d.byKey)
}

// insert stores e, which must not share a key or start block with a live
// entry, and returns its slot.
func (d *directory) insert(e Entry) int {
	var slot int
	if n := len(d.free); n > 0 {
		slot = d.free[n-1]
		d.free = d.free[:n-1]
		d.slots[slot] = e
		d.used[slot] = true
	} else {
		slot = len(d.slots)
		d.slots = append(d.slots, e)
		d.used = append(d.used, true)
	}
	d.byKey[e.Key] = slot
	d.byBlock[e.StartBlock()] = slot
	return slot
}

// get returns a pointer into the slab. It is invalidated by insert.
func (d *directory) get(key string) (*Entry, bool) {
	slot, ok := d.byKey[key]
	if !ok {
		return nil, false
	}
	return &d.slots[slot], true
}

// atBlock returns the entry starting at block.
func (d *directory) atBlock(block uint64) (*Entry, bool) {
	slot, ok := d.byBlock[block]
	if !ok {
		return nil, false
	}
	return &d.slots[slot], true
}

// remove drops key and returns the removed entry.
func (d *directory) remove(key string) (Entry, bool) {
	slot, ok := d.byKey[key]
	if !ok {
		return Entry{}, false
	}
	e := d.slots[slot]
	delete(d.byKey, key)
	delete(d.byBlock, e.StartBlock())
	d.slots[slot] = Entry{}
	d.used[slot] = false
	d.free = append(d.free, slot)
	return e, true
}

// each calls fn for every live entry in slot order.
func (d *directory) each(fn func(e *Entry)) {
	for i := range d.slots {
		if d.used[i] {
			fn(&d.slots[i])
		}
	}
}
