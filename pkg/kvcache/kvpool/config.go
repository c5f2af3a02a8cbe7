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

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

const (
	// BlockSize is the allocation unit of a pool arena in bytes.
	BlockSize = 4096
	// HeaderSize is the region of SizeBytes reserved for pool metadata.
	HeaderSize = 4096
	// MinPoolSize is the smallest SizeBytes that holds the header, one bitmap
	// byte and a single block.
	MinPoolSize = HeaderSize + 1 + BlockSize

	// DefaultTier is the tier label used when none is configured.
	DefaultTier = "cpu"
)

// ErrInvalidConfig is returned when a pool configuration is rejected.
var ErrInvalidConfig = errors.New("invalid pool config")

// Config is the static configuration of a pool. It cannot change once the
// pool exists.
type Config struct {
	// Name identifies the pool within a store.
	Name string `json:"name"`
	// SizeBytes is the total budget for header, bitmap and arena.
	SizeBytes uint64 `json:"sizeBytes"`
	// Tier is an advisory placement label such as cpu, gpu or nvme.
	Tier string `json:"tier"`
	// EvictionPolicy ranks entries for removal.
	EvictionPolicy eviction.Policy `json:"evictionPolicy"`
	// MaxEntries caps the entry count; 0 means unlimited.
	MaxEntries uint64 `json:"maxEntries"`
}

// DefaultConfig returns a 64 MiB LRU pool configuration named name.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		SizeBytes:      64 << 20,
		Tier:           DefaultTier,
		EvictionPolicy: eviction.LRU,
	}
}

// Validate checks the configuration against the pool geometry.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.SizeBytes < MinPoolSize {
		return fmt.Errorf("%w: size %s is below the minimum of %s", ErrInvalidConfig,
			utils.FormatSize(c.SizeBytes), utils.FormatSize(MinPoolSize))
	}
	if !c.EvictionPolicy.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, c.EvictionPolicy)
	}
	return nil
}

// TotalBlocks returns how many blocks fit in sizeBytes once the header and
// the bitmap tracking those blocks are accounted for.
func TotalBlocks(sizeBytes uint64) uint64 {
	if sizeBytes <= HeaderSize {
		return 0
	}
	return (sizeBytes - HeaderSize) * 8 / (8*BlockSize + 1)
}

// blocksFor returns the number of blocks needed to hold size bytes.
func blocksFor(size uint64) uint64 {
	return (size + BlockSize - 1) / BlockSize
}
