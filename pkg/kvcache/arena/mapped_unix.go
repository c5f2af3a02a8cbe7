//go:build unix

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

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mapped is a ByteArena backed by a read-write memory mapping. File-backed
// mappings use MAP_SHARED so other processes mapping the same file observe
// the same bytes.
type Mapped struct {
	data []byte
	file *os.File
}

var _ ByteArena = &Mapped{}

// OpenMapped maps size bytes of a fresh zeroed segment and installs it at
// path. The segment is built under a temporary name and renamed into place,
// so mappings already open on path keep their own bytes.
func OpenMapped(path string, size int64) (*Mapped, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create arena file: %w", err)
	}
	discard := func() {
		f.Close()
		_ = os.Remove(f.Name())
	}

	if err := f.Truncate(size); err != nil {
		discard()
		return nil, fmt.Errorf("failed to size arena file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		discard()
		return nil, fmt.Errorf("failed to map arena file: %w", err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		_ = unix.Munmap(data)
		discard()
		return nil, fmt.Errorf("failed to install arena file: %w", err)
	}

	return &Mapped{data: data, file: f}, nil
}

// NewAnonymous returns an arena backed by an anonymous private mapping.
func NewAnonymous(size int64) (*Mapped, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map anonymous arena: %w", err)
	}

	return &Mapped{data: data}, nil
}

// ReadAt implements io.ReaderAt.
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, ErrClosed
	}
	return readAt(m.data, p, off)
}

// WriteAt implements io.WriterAt.
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Size returns the mapping length.
func (m *Mapped) Size() int64 {
	return int64(len(m.data))
}

// Flush synchronously writes dirty pages back to the file.
func (m *Mapped) Flush() error {
	if m.data == nil {
		return ErrClosed
	}
	if m.file == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync arena: %w", err)
	}
	return nil
}

// Close unmaps the region and closes the backing file. The file itself is
// left in place.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	if m.file != nil {
		if closeErr := m.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.file = nil
	}
	return err
}

// SharedMemoryFactory creates file-backed Mapped arenas under Dir.
type SharedMemoryFactory struct {
	Dir string
}

// Path returns the segment file used for the pool name.
func (f SharedMemoryFactory) Path(name string) string {
	return filepath.Join(f.Dir, "kvpool-"+name)
}

// Open maps a fresh segment for name. An arena opened earlier for the same
// name keeps its previous, now unlinked, segment.
func (f SharedMemoryFactory) Open(name string, size int64) (ByteArena, error) {
	return OpenMapped(f.Path(name), size)
}

// Remove unlinks the segment for name. A missing segment is not an error.
func (f SharedMemoryFactory) Remove(name string) error {
	if err := os.Remove(f.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove arena segment: %w", err)
	}
	return nil
}

// AnonymousFactory creates anonymous Mapped arenas.
type AnonymousFactory struct{}

// Open maps a private anonymous region.
func (AnonymousFactory) Open(_ string, size int64) (ByteArena, error) {
	return NewAnonymous(size)
}

// Remove is a no-op; anonymous mappings vanish on Close.
func (AnonymousFactory) Remove(string) error {
	return nil
}
