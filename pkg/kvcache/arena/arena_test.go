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

package arena_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/arena"
)

// testArenaBehavior runs the checks shared by every ByteArena backend.
func testArenaBehavior(t *testing.T, a arena.ByteArena, size int64) {
	t.Helper()
	require.Equal(t, size, a.Size())

	zero := make([]byte, 16)
	n, err := a.ReadAt(zero, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, make([]byte, 16), zero, "arena starts zeroed")

	payload := []byte("kv-tensor-bytes")
	n, err = a.WriteAt(payload, 100)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = a.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = a.WriteAt(payload, size-4)
	assert.ErrorIs(t, err, arena.ErrOutOfBounds)
	_, err = a.WriteAt(payload, -1)
	assert.ErrorIs(t, err, arena.ErrOutOfBounds)

	tail := make([]byte, 8)
	n, err = a.ReadAt(tail, size-4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)

	_, err = a.ReadAt(tail, size)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, a.Flush())

	section := io.NewSectionReader(a, 100, int64(len(payload)))
	all, err := io.ReadAll(section)
	require.NoError(t, err)
	assert.Equal(t, payload, all)

	require.NoError(t, a.Close())
	_, err = a.ReadAt(got, 0)
	assert.ErrorIs(t, err, arena.ErrClosed)
}

func TestMemoryArena(t *testing.T) {
	testArenaBehavior(t, arena.NewMemory(4096), 4096)
}

func TestNewFactory(t *testing.T) {
	f, err := arena.NewFactory(arena.BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, arena.MemoryFactory{}, f)

	f, err = arena.NewFactory(arena.BackendSharedMemory, "")
	require.NoError(t, err)
	assert.Equal(t, arena.SharedMemoryFactory{Dir: arena.DefaultSharedMemoryDir}, f)

	_, err = arena.NewFactory("gpu", "")
	assert.Error(t, err)
}
