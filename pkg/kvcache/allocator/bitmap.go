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

// Package allocator tracks which fixed-size blocks of a pool arena are in
// use. It hands out contiguous block runs first-fit and never relocates
// existing allocations.
package allocator

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrDoubleFree is returned by Free when part of the range is not allocated.
	ErrDoubleFree = errors.New("allocator: block range is not fully allocated")
	// ErrCorruptBitmap is returned by FromBytes when the packed bitmap does not
	// describe the declared number of blocks.
	ErrCorruptBitmap = errors.New("allocator: corrupt bitmap")
	// ErrOverlap is returned by Reserve when part of the range is in use.
	ErrOverlap = errors.New("allocator: block range is already allocated")
)

// Bitmap is a first-fit block allocator with one bit per block.
// A set bit marks an allocated block. Bitmap is not safe for concurrent use;
// the owning pool serializes access.
type Bitmap struct {
	bits  *bitset.BitSet
	total uint64
	used  uint64
}

// New returns an allocator managing totalBlocks free blocks.
func New(totalBlocks uint64) *Bitmap {
	return &Bitmap{
		bits:  bitset.New(uint(totalBlocks)),
		total: totalBlocks,
	}
}

// ByteLen returns the size in bytes of the packed bitmap for totalBlocks.
func ByteLen(totalBlocks uint64) uint64 {
	return (totalBlocks + 7) / 8
}

// Allocate reserves the first run of count consecutive free blocks and
// returns its starting block index. ok is false when no run is long enough,
// which includes a full allocator and count == 0.
func (b *Bitmap) Allocate(count uint64) (start uint64, ok bool) {
	if count == 0 || count > b.total-b.used {
		return 0, false
	}

	from := uint(0)
	for {
		free, found := b.bits.NextClear(from)
		if !found || uint64(free) >= b.total {
			return 0, false
		}

		end := b.total
		if next, found := b.bits.NextSet(free); found && uint64(next) < b.total {
			end = uint64(next)
		}

		if end-uint64(free) >= count {
			for i := uint64(free); i < uint64(free)+count; i++ {
				b.bits.Set(uint(i))
			}
			b.used += count
			return uint64(free), true
		}

		if end >= b.total {
			return 0, false
		}
		from = uint(end)
	}
}

// Reserve marks the exact range [start, start+count) allocated. It fails
// with ErrOverlap, changing nothing, when any block is already in use.
// A range reaching past the managed blocks panics.
func (b *Bitmap) Reserve(start, count uint64) error {
	if count == 0 {
		return nil
	}
	if start >= b.total || count > b.total-start {
		panic(fmt.Sprintf("allocator: reserve of [%d, %d) exceeds %d blocks", start, start+count, b.total))
	}

	if next, found := b.bits.NextSet(uint(start)); found && uint64(next) < start+count {
		return fmt.Errorf("%w: block %d", ErrOverlap, next)
	}

	for i := start; i < start+count; i++ {
		b.bits.Set(uint(i))
	}
	b.used += count
	return nil
}

// Free releases count blocks starting at start. A range reaching past the
// managed blocks is a programmer error and panics. If any block in the range
// is already free, nothing is changed and ErrDoubleFree is returned.
func (b *Bitmap) Free(start, count uint64) error {
	if count == 0 {
		return nil
	}
	if start >= b.total || count > b.total-start {
		panic(fmt.Sprintf("allocator: free of [%d, %d) exceeds %d blocks", start, start+count, b.total))
	}

	if !b.Allocated(start, count) {
		return fmt.Errorf("%w: [%d, %d)", ErrDoubleFree, start, start+count)
	}

	for i := start; i < start+count; i++ {
		b.bits.Clear(uint(i))
	}
	b.used -= count
	return nil
}

// Allocated reports whether every block in [start, start+count) is allocated.
// Ranges outside the managed blocks report false.
func (b *Bitmap) Allocated(start, count uint64) bool {
	if start >= b.total || count > b.total-start {
		return false
	}
	for i := start; i < start+count; i++ {
		if !b.bits.Test(uint(i)) {
			return false
		}
	}
	return true
}

// Usage returns the number of allocated blocks and the total block count.
func (b *Bitmap) Usage() (allocated, total uint64) {
	return b.used, b.total
}

// Bytes packs the bitmap into ByteLen(total) bytes. Block i is stored in
// byte i/8 at bit position i%8, least significant bit first.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, ByteLen(b.total))
	for i, ok := b.bits.NextSet(0); ok && uint64(i) < b.total; i, ok = b.bits.NextSet(i + 1) {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// FromBytes rebuilds an allocator for totalBlocks from a bitmap produced by
// Bytes. Padding bits past totalBlocks must be zero.
func FromBytes(totalBlocks uint64, data []byte) (*Bitmap, error) {
	if uint64(len(data)) != ByteLen(totalBlocks) {
		return nil, fmt.Errorf("%w: got %d bytes for %d blocks", ErrCorruptBitmap, len(data), totalBlocks)
	}

	b := New(totalBlocks)
	for idx, octet := range data {
		for bit := uint64(0); bit < 8 && octet != 0; bit++ {
			if octet&(1<<bit) == 0 {
				continue
			}
			block := uint64(idx)*8 + bit
			if block >= totalBlocks {
				return nil, fmt.Errorf("%w: padding bit %d set", ErrCorruptBitmap, block)
			}
			b.bits.Set(uint(block))
			b.used++
		}
	}

	return b, nil
}
