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

package prefix_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/prefix"
)

func tokens(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(1000 + i)
	}
	return out
}

func TestBlockHashesChain(t *testing.T) {
	for _, algo := range []prefix.Algorithm{prefix.SHA256CBOR, prefix.XXHash} {
		t.Run(string(algo), func(t *testing.T) {
			h, err := prefix.NewHasher(&prefix.Config{BlockSize: 4, Algorithm: algo, MemoSize: 16})
			require.NoError(t, err)

			full, err := h.BlockHashes(tokens(10))
			require.NoError(t, err)
			require.Len(t, full, 2, "partial trailing block is ignored")
			assert.NotEqual(t, full[0], full[1])

			short, err := h.BlockHashes(tokens(4))
			require.NoError(t, err)
			assert.Equal(t, full[:1], short, "shared prefix yields shared hashes")

			again, err := h.BlockHashes(tokens(10))
			require.NoError(t, err)
			assert.Equal(t, full, again, "memoized result matches")

			other := tokens(8)
			other[0] = 7
			diverged, err := h.BlockHashes(other)
			require.NoError(t, err)
			assert.NotEqual(t, full[1], diverged[1], "change in an early block alters every later hash")
		})
	}
}

func TestPrefixHash(t *testing.T) {
	h, err := prefix.NewHasher(nil)
	require.NoError(t, err)

	s, err := h.PrefixHash(tokens(15))
	require.NoError(t, err)
	assert.Empty(t, s)

	a, err := h.PrefixHash(tokens(16))
	require.NoError(t, err)
	assert.Len(t, a, 16)

	b, err := h.PrefixHash(tokens(20))
	require.NoError(t, err)
	assert.Equal(t, a, b, "tokens past the last full block do not change the hash")
}

func TestSeedChangesHashes(t *testing.T) {
	a, err := prefix.NewHasher(&prefix.Config{BlockSize: 2, HashSeed: "0"})
	require.NoError(t, err)
	b, err := prefix.NewHasher(&prefix.Config{BlockSize: 2, HashSeed: "1"})
	require.NoError(t, err)

	ha, err := a.BlockHashes(tokens(2))
	require.NoError(t, err)
	hb, err := b.BlockHashes(tokens(2))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestNewHasherRejectsBadConfig(t *testing.T) {
	_, err := prefix.NewHasher(&prefix.Config{BlockSize: 0})
	assert.Error(t, err)
	_, err = prefix.NewHasher(&prefix.Config{BlockSize: 4, Algorithm: "md5"})
	assert.Error(t, err)
}

func TestFormatHash(t *testing.T) {
	assert.Equal(t, "00000000000000ff", prefix.FormatHash(255))
	assert.Equal(t, "ffffffffffffffff", prefix.FormatHash(^uint64(0)))
}
