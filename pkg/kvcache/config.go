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

package kvcache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/prefix"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/store"
)

// Config holds the configuration for the Manager module.
// The configuration covers the different components found in the Manager
// module.
type Config struct {
	StoreConfig  *store.Config    `json:"storeConfig"`
	EventsConfig *kvevents.Config `json:"eventsConfig"`
	PrefixConfig *prefix.Config   `json:"prefixConfig"`
}

// NewDefaultConfig returns a default configuration for the Manager module.
func NewDefaultConfig() *Config {
	return &Config{
		StoreConfig:  store.DefaultConfig(),
		EventsConfig: kvevents.DefaultConfig(),
		PrefixConfig: prefix.DefaultConfig(),
	}
}

// LoadConfig reads a HuJSON (JSON with comments and trailing commas) file
// over the defaults. Fields missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses HuJSON data over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
