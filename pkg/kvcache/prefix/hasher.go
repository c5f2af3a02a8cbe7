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

// Package prefix derives prompt-prefix hashes from token ids. Entries that
// cache the KV state of the same prompt prefix carry the same hash.
package prefix

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Algorithm selects how block hashes are computed.
type Algorithm string

const (
	// SHA256CBOR hashes the canonical CBOR encoding of (parent, tokens, nil)
	// and keeps the lower 64 bits of the SHA-256 sum, as vLLM does.
	SHA256CBOR Algorithm = "sha256_cbor"
	// XXHash chains xxhash64 over the little endian parent and tokens.
	XXHash Algorithm = "xxhash"
)

const (
	// defaultBlockSize is the number of tokens per block used by vLLM.
	defaultBlockSize = 16
	defaultMemoSize  = 1 << 16
)

// Config holds the configuration for the Hasher.
type Config struct {
	// BlockSize is the number of tokens per hashed block.
	BlockSize int `json:"blockSize"`
	// HashSeed seeds the root parent hash, like vLLM's PYTHONHASHSEED.
	HashSeed string `json:"hashSeed"`
	// Algorithm defaults to SHA256CBOR.
	Algorithm Algorithm `json:"algorithm"`
	// MemoSize is the number of block hashes remembered; 0 disables the memo.
	MemoSize int `json:"memoSize"`
}

// DefaultConfig returns the default configuration for the Hasher.
func DefaultConfig() *Config {
	return &Config{
		BlockSize: defaultBlockSize,
		Algorithm: SHA256CBOR,
		MemoSize:  defaultMemoSize,
	}
}

type memoKey struct {
	parent uint64
	digest uint64
}

// Hasher turns token sequences into chained per-block hashes.
// It is safe for concurrent use.
type Hasher struct {
	blockSize int
	algorithm Algorithm
	encMode   cbor.EncMode
	initHash  uint64
	memo      *lru.Cache[memoKey, uint64]
}

// NewHasher creates a Hasher. A nil cfg selects DefaultConfig.
func NewHasher(cfg *Config) (*Hasher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid prefix block size %d", cfg.BlockSize)
	}

	h := &Hasher{blockSize: cfg.BlockSize, algorithm: cfg.Algorithm}
	if h.algorithm == "" {
		h.algorithm = SHA256CBOR
	}

	switch h.algorithm {
	case SHA256CBOR:
		encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
		if err != nil {
			return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
		}
		h.encMode = encMode

		b, err := encMode.Marshal(cfg.HashSeed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hash seed: %w", err)
		}
		sum := sha256.Sum256(b)
		h.initHash = binary.BigEndian.Uint64(sum[24:])
	case XXHash:
		h.initHash = xxhash.Sum64String(cfg.HashSeed)
	default:
		return nil, fmt.Errorf("unknown prefix hash algorithm %q", cfg.Algorithm)
	}

	if cfg.MemoSize > 0 {
		memo, err := lru.New[memoKey, uint64](cfg.MemoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize hash memo: %w", err)
		}
		h.memo = memo
	}

	return h, nil
}

// BlockHashes returns one chained hash per full block of tokens. Trailing
// tokens that do not fill a block are ignored.
func (h *Hasher) BlockHashes(tokens []uint32) ([]uint64, error) {
	n := len(tokens) / h.blockSize
	hashes := make([]uint64, 0, n)

	parent := h.initHash
	for i := 0; i < n; i++ {
		chunk := tokens[i*h.blockSize : (i+1)*h.blockSize]
		next, err := h.blockHash(parent, chunk)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, next)
		parent = next
	}
	return hashes, nil
}

// PrefixHash returns the hash of the longest full-block prefix of tokens as
// a 16 digit hex string, or "" when tokens do not fill a single block.
func (h *Hasher) PrefixHash(tokens []uint32) (string, error) {
	hashes, err := h.BlockHashes(tokens)
	if err != nil || len(hashes) == 0 {
		return "", err
	}
	return FormatHash(hashes[len(hashes)-1]), nil
}

// FormatHash renders a block hash the way PrefixHash does.
func FormatHash(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

func (h *Hasher) blockHash(parent uint64, chunk []uint32) (uint64, error) {
	if h.algorithm == XXHash {
		return xxChain(parent, chunk), nil
	}

	var key memoKey
	if h.memo != nil {
		key = memoKey{parent: parent, digest: xxChain(parent, chunk)}
		if v, ok := h.memo.Get(key); ok {
			return v, nil
		}
	}

	b, err := h.encMode.Marshal([]interface{}{parent, chunk, nil})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal block to CBOR: %w", err)
	}
	sum := sha256.Sum256(b)
	v := binary.BigEndian.Uint64(sum[24:])

	if h.memo != nil {
		h.memo.Add(key, v)
	}
	return v, nil
}

func xxChain(parent uint64, chunk []uint32) uint64 {
	buf := make([]byte, 8+4*len(chunk))
	binary.LittleEndian.PutUint64(buf, parent)
	for i, tok := range chunk {
		binary.LittleEndian.PutUint32(buf[8+4*i:], tok)
	}
	return xxhash.Sum64(buf)
}
