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

// Package arena provides the byte regions that hold pool payloads.
package arena

import (
	"errors"
	"fmt"
	"io"
)

// ErrOutOfBounds is returned when a read or write falls outside the arena.
var ErrOutOfBounds = errors.New("arena: access out of bounds")

// ErrClosed is returned by operations on a closed arena.
var ErrClosed = errors.New("arena: closed")

// ByteArena is a fixed-size byte region addressed by offset.
// Implementations are not safe for concurrent use; the owning pool
// serializes access.
type ByteArena interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the arena capacity in bytes.
	Size() int64
	// Flush makes previous writes durable where the backend supports it.
	Flush() error
	// Close releases the region. The arena must not be used afterwards.
	Close() error
}

// Factory creates arenas for named pools.
type Factory interface {
	// Open returns a zeroed arena of size bytes for the pool name.
	Open(name string, size int64) (ByteArena, error)
	// Remove releases any backing resource left behind for name.
	Remove(name string) error
}

// Backend names a Factory implementation in configuration.
type Backend string

const (
	// BackendMemory keeps payloads in a Go heap buffer.
	BackendMemory Backend = "memory"
	// BackendSharedMemory maps a file under a tmpfs directory such as /dev/shm.
	BackendSharedMemory Backend = "shm"
	// BackendAnonymous uses an anonymous private mapping outside the Go heap.
	BackendAnonymous Backend = "anon"
)

// DefaultSharedMemoryDir is where shm arenas are created when no directory
// is configured.
const DefaultSharedMemoryDir = "/dev/shm"

// NewFactory returns the Factory for backend. dir is only used by
// BackendSharedMemory; an empty dir selects DefaultSharedMemoryDir.
func NewFactory(backend Backend, dir string) (Factory, error) {
	switch backend {
	case BackendMemory, "":
		return MemoryFactory{}, nil
	case BackendSharedMemory:
		if dir == "" {
			dir = DefaultSharedMemoryDir
		}
		return SharedMemoryFactory{Dir: dir}, nil
	case BackendAnonymous:
		return AnonymousFactory{}, nil
	default:
		return nil, fmt.Errorf("unknown arena backend %q", backend)
	}
}

// checkRange validates an access of n bytes at off against size.
func checkRange(off int64, n int, size int64) error {
	if off < 0 || int64(n) > size || off > size-int64(n) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, off, off+int64(n), size)
	}
	return nil
}

// readAt copies from data into p with io.ReaderAt semantics.
func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, off)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
