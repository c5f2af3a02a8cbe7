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

package arena

// Memory is a ByteArena backed by a Go byte slice.
type Memory struct {
	data []byte
}

var _ ByteArena = &Memory{}

// NewMemory returns a zeroed in-memory arena of size bytes.
func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, ErrClosed
	}
	return readAt(m.data, p, off)
}

// WriteAt implements io.WriterAt. Writes never grow the arena.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Size returns the arena capacity.
func (m *Memory) Size() int64 {
	return int64(len(m.data))
}

// Flush is a no-op.
func (m *Memory) Flush() error {
	return nil
}

// Close drops the buffer.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// MemoryFactory creates Memory arenas.
type MemoryFactory struct{}

// Open returns a new Memory arena.
func (MemoryFactory) Open(_ string, size int64) (ByteArena, error) {
	return NewMemory(size), nil
}

// Remove is a no-op; memory arenas leave nothing behind.
func (MemoryFactory) Remove(string) error {
	return nil
}
