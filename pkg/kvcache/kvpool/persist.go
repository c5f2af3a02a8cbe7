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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/natefinch/atomic"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/allocator"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils/logging"
)

const (
	fileMagic   = "KVCP"
	fileVersion = uint16(1)

	// maxStringLen bounds strings read from a pool file.
	maxStringLen = 64 << 10
)

var (
	// ErrInvalidMagic is returned when a file is not a pool file.
	ErrInvalidMagic = errors.New("not a pool file")
	// ErrUnsupportedVersion is returned for pool files of an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported pool file version")
	// ErrCorrupt is returned for truncated or inconsistent pool files.
	ErrCorrupt = errors.New("corrupt pool file")
)

// Persist writes the pool to path. The file is written to a temporary file
// in the same directory and renamed over path, so path either keeps its old
// content or holds the complete new image.
func (p *Pool) Persist(path string) error {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if err := p.arena.Flush(); err != nil {
		return fmt.Errorf("failed to flush arena of pool %s: %w", p.cfg.Name, err)
	}

	header := p.encodeHeader()
	body := io.MultiReader(bytes.NewReader(header), io.NewSectionReader(p.arena, 0, p.arena.Size()))
	if err := atomic.WriteFile(path, body); err != nil {
		return fmt.Errorf("failed to persist pool %s: %w", p.cfg.Name, err)
	}

	elapsed := time.Since(start)
	p.opts.Metrics.ObservePersist(elapsed)
	p.logger.V(logging.DEBUG).Info("persisted pool", "path", path, "entries", p.dir.len(),
		"bytes", int64(len(header))+p.arena.Size(), "duration", elapsed)
	return nil
}

// encodeHeader serializes everything that precedes the arena bytes.
func (p *Pool) encodeHeader() []byte {
	_, total := p.alloc.Usage()
	bitmap := p.alloc.Bytes()

	entries := make([]Entry, 0, p.dir.len())
	p.dir.each(func(e *Entry) { entries = append(entries, *e) })
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })

	buf := make([]byte, 0, 64+len(bitmap)+len(entries)*96)
	buf = append(buf, fileMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, fileVersion)
	buf = appendString(buf, p.cfg.Name)
	buf = binary.LittleEndian.AppendUint64(buf, p.cfg.SizeBytes)
	buf = appendString(buf, p.cfg.Tier)
	buf = append(buf, byte(p.cfg.EvictionPolicy))
	buf = binary.LittleEndian.AppendUint64(buf, p.cfg.MaxEntries)
	buf = binary.LittleEndian.AppendUint64(buf, total)
	buf = append(buf, bitmap...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(entries)))

	for i := range entries {
		e := &entries[i]
		buf = appendString(buf, e.Key)
		buf = appendString(buf, e.PrefixHash)
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint64(buf, e.Size)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LastAccessed))
		buf = binary.LittleEndian.AppendUint64(buf, e.AccessCount)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Priority))
		buf = binary.LittleEndian.AppendUint64(buf, e.SequenceLength)
		buf = binary.LittleEndian.AppendUint32(buf, e.LayerIndex)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Restore loads the pool image at path into a new pool. A missing file
// yields an error matching fs.ErrNotExist; a damaged one yields
// ErrInvalidMagic, ErrUnsupportedVersion or ErrCorrupt. The returned pool is
// nil whenever the error is not.
func Restore(ctx context.Context, path string, opts *Options) (*Pool, error) {
	logger := klog.FromContext(ctx).WithName("kvpool.Restore")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat pool file: %w", err)
	}

	d := &decoder{r: bufio.NewReaderSize(f, 1<<16), limit: info.Size()}
	img, err := d.decodeHeader()
	if err != nil {
		logger.V(logging.DEBUG).Info("rejected pool file", "path", path, "reason", err.Error())
		return nil, err
	}

	arenaBytes := int64(img.totalBlocks * BlockSize)
	if remaining := info.Size() - d.n; remaining != arenaBytes {
		err := fmt.Errorf("%w: arena holds %d bytes, expected %d", ErrCorrupt, remaining, arenaBytes)
		logger.V(logging.DEBUG).Info("rejected pool file", "path", path, "reason", err.Error())
		return nil, err
	}

	p, err := newPool(ctx, &img.cfg, opts, img.bitmap)
	if err != nil {
		return nil, err
	}

	if _, err := io.CopyN(io.NewOffsetWriter(p.arena, 0), d.r, arenaBytes); err != nil {
		_ = p.arena.Close()
		return nil, fmt.Errorf("%w: failed to load arena: %v", ErrCorrupt, err)
	}

	sortByCreation(img.entries)
	for i := range img.entries {
		e := img.entries[i]
		p.dir.insert(e)
		p.track(&e)
		p.lastTick = max(p.lastTick, e.CreatedAt, e.LastAccessed)
	}
	p.opts.Metrics.Usage(p.dir.len(), p.allocatedBlocks())

	p.logger.V(logging.DEBUG).Info("restored pool", "path", path, "entries", p.dir.len(),
		"totalBlocks", img.totalBlocks)
	return p, nil
}

// image is the decoded metadata of a pool file.
type image struct {
	cfg         Config
	totalBlocks uint64
	bitmap      *allocator.Bitmap
	entries     []Entry
}

// decoder reads little endian fields. The first failure is kept in err and
// turns later reads into no-ops; n counts consumed bytes.
type decoder struct {
	r     *bufio.Reader
	n     int64
	limit int64
	err   error
}

func (d *decoder) decodeHeader() (*image, error) {
	magic := d.read(len(fileMagic))
	if d.err != nil || string(magic) != fileMagic {
		return nil, ErrInvalidMagic
	}
	if v := d.u16(); d.err == nil && v != fileVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	img := &image{}
	img.cfg.Name = d.str()
	img.cfg.SizeBytes = d.u64()
	img.cfg.Tier = d.str()
	img.cfg.EvictionPolicy = eviction.Policy(d.u8())
	img.cfg.MaxEntries = d.u64()
	img.totalBlocks = d.u64()
	if d.err != nil {
		return nil, d.corrupt()
	}

	if err := img.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if img.totalBlocks != TotalBlocks(img.cfg.SizeBytes) {
		return nil, fmt.Errorf("%w: %d blocks do not match size %d", ErrCorrupt,
			img.totalBlocks, img.cfg.SizeBytes)
	}
	if img.totalBlocks > uint64(d.limit)/BlockSize {
		return nil, fmt.Errorf("%w: file too short for %d blocks", ErrCorrupt, img.totalBlocks)
	}

	bitmap, err := allocator.FromBytes(img.totalBlocks, d.read(int(allocator.ByteLen(img.totalBlocks))))
	if d.err != nil {
		return nil, d.corrupt()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	img.bitmap = bitmap

	count := d.u64()
	if d.err != nil {
		return nil, d.corrupt()
	}
	if count > img.totalBlocks {
		return nil, fmt.Errorf("%w: %d entries for %d blocks", ErrCorrupt, count, img.totalBlocks)
	}

	img.entries = make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		img.entries = append(img.entries, Entry{
			Key:            d.str(),
			PrefixHash:     d.str(),
			Offset:         d.u64(),
			Size:           d.u64(),
			CreatedAt:      int64(d.u64()),
			LastAccessed:   int64(d.u64()),
			AccessCount:    d.u64(),
			Priority:       int64(d.u64()),
			SequenceLength: d.u64(),
			LayerIndex:     d.u32(),
		})
		if d.err != nil {
			return nil, d.corrupt()
		}
	}

	expected, err := checkEntries(img.entries, img.totalBlocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(expected.Bytes(), bitmap.Bytes()) {
		return nil, fmt.Errorf("%w: bitmap does not match entry ranges", ErrCorrupt)
	}
	return img, nil
}

func (d *decoder) corrupt() error {
	return fmt.Errorf("%w: %v", ErrCorrupt, d.err)
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(d.r, buf)
	d.n += int64(read)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return nil
	}
	return buf
}

func (d *decoder) u8() uint8 {
	if b := d.read(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.read(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.read(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.read(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("string of %d bytes exceeds limit", n)
		return ""
	}
	return string(d.read(int(n)))
}
