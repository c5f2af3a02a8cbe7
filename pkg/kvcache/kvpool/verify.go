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
	"errors"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
)

// ErrInconsistent is returned by Verify when pool structures disagree.
var ErrInconsistent = errors.New("pool state is inconsistent")

// checkEntries validates entry geometry against totalBlocks and returns the
// bitmap their ranges imply.
func checkEntries(entries []Entry, totalBlocks uint64) (*allocator.Bitmap, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	keys := sets.New[string]()
	expected := allocator.New(totalBlocks)
	var end uint64
	for i := range sorted {
		e := &sorted[i]
		switch {
		case e.Size == 0:
			return nil, fmt.Errorf("entry %q has zero size", e.Key)
		case e.Offset%BlockSize != 0:
			return nil, fmt.Errorf("entry %q offset %d is not block aligned", e.Key, e.Offset)
		case e.StartBlock() >= totalBlocks || e.Blocks() > totalBlocks-e.StartBlock():
			return nil, fmt.Errorf("entry %q range exceeds %d blocks", e.Key, totalBlocks)
		case i > 0 && e.Offset < end:
			return nil, fmt.Errorf("entry %q overlaps entry %q", e.Key, sorted[i-1].Key)
		case keys.Has(e.Key):
			return nil, fmt.Errorf("duplicate key %q", e.Key)
		}
		keys.Insert(e.Key)
		end = e.Offset + e.Blocks()*BlockSize
		if err := expected.Reserve(e.StartBlock(), e.Blocks()); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Key, err)
		}
	}
	return expected, nil
}

func verify(dir *directory, bitmap *allocator.Bitmap, prefixes map[string]sets.Set[string],
	evictor *eviction.Manager,
) error {
	entries := make([]Entry, 0, dir.len())
	dir.each(func(e *Entry) { entries = append(entries, *e) })

	_, total := bitmap.Usage()
	expected, err := checkEntries(entries, total)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if string(expected.Bytes()) != string(bitmap.Bytes()) {
		return fmt.Errorf("%w: bitmap does not match entry ranges", ErrInconsistent)
	}

	for i := range entries {
		e := &entries[i]
		if at, ok := dir.atBlock(e.StartBlock()); !ok || at.Key != e.Key {
			return fmt.Errorf("%w: block index misses entry %q", ErrInconsistent, e.Key)
		}
		if e.PrefixHash != "" && !prefixes[e.PrefixHash].Has(e.Key) {
			return fmt.Errorf("%w: prefix index misses entry %q", ErrInconsistent, e.Key)
		}
	}

	indexed := 0
	for _, keys := range prefixes {
		indexed += keys.Len()
	}
	grouped := 0
	for i := range entries {
		if entries[i].PrefixHash != "" {
			grouped++
		}
	}
	if indexed != grouped {
		return fmt.Errorf("%w: prefix index holds %d keys for %d entries", ErrInconsistent, indexed, grouped)
	}

	if evictor.Len() != len(entries) {
		return fmt.Errorf("%w: eviction manager tracks %d of %d entries", ErrInconsistent,
			evictor.Len(), len(entries))
	}
	return nil
}
