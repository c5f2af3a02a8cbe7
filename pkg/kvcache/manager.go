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

// Package kvcache wires pool storage, event publication and prefix hashing
// into one Manager.
package kvcache

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/prefix"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/store"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils/logging"
)

// Manager owns the pool store and its collaborators.
type Manager struct {
	config *Config

	store     *store.Store        // holds the named pools
	publisher *kvevents.Publisher // announces pool changes; nil when disabled
	hasher    *prefix.Hasher      // turns tokens into prefix hashes
}

// NewManager creates a Manager given a Config. A nil config selects
// NewDefaultConfig.
func NewManager(ctx context.Context, config *Config) (*Manager, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	hasher, err := prefix.NewHasher(config.PrefixConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefix hasher: %w", err)
	}

	publisher, err := kvevents.NewPublisher(ctx, config.EventsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	var listener kvpool.Listener
	if publisher != nil {
		listener = publisher
	}

	st, err := store.New(ctx, config.StoreConfig, listener)
	if err != nil {
		if publisher != nil {
			publisher.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create pool store: %w", err)
	}

	return &Manager{
		config:    config,
		store:     st,
		publisher: publisher,
		hasher:    hasher,
	}, nil
}

// Run starts background work. It is non-blocking.
func (m *Manager) Run(ctx context.Context) {
	if m.publisher != nil {
		m.publisher.Start(ctx)
	}
}

// Store returns the pool store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// PrefixHash returns the prefix hash of tokens.
func (m *Manager) PrefixHash(tokens []uint32) (string, error) {
	return m.hasher.PrefixHash(tokens)
}

// FindByPrefixTokens returns the entries of pool cached for the prefix
// formed by tokens.
func (m *Manager) FindByPrefixTokens(ctx context.Context, pool string, tokens []uint32) ([]kvpool.Entry, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.FindByPrefixTokens")

	hash, err := m.hasher.PrefixHash(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to hash prefix: %w", err)
	}
	if hash == "" {
		traceLogger.Info("tokens do not fill a prefix block", "tokens", len(tokens))
		return nil, nil
	}

	p, err := m.store.Get(ctx, pool)
	if err != nil {
		return nil, err
	}

	entries := p.FindByPrefix(hash)
	traceLogger.Info("found prefix entries", "pool", pool, "prefix-hash", hash, "entries", len(entries))
	return entries, nil
}

// DeletePool removes a pool and announces that its blocks are gone.
func (m *Manager) DeletePool(ctx context.Context, name string) (bool, error) {
	existed, err := m.store.Delete(ctx, name)
	if err != nil {
		return existed, err
	}
	if existed && m.publisher != nil {
		m.publisher.PublishCleared(name)
	}
	return existed, nil
}

// Shutdown releases the loaded pools and flushes pending events.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.store.Close()
	if m.publisher != nil {
		m.publisher.Shutdown(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to close pool store: %w", err)
	}
	return nil
}
