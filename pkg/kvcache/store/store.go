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

// Package store keeps named pools in a directory, one pool file each, and
// loads them on demand.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/arena"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils/logging"
)

// FileExtension is the suffix of pool files in the base directory.
const FileExtension = ".kvpool"

var (
	// ErrPoolExists is returned by Create for a name already in use.
	ErrPoolExists = errors.New("pool already exists")
	// ErrPoolNotFound is returned when no pool has the requested name.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrInvalidName is returned for names that cannot be used as file names.
	ErrInvalidName = errors.New("invalid pool name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config holds the configuration of a Store.
type Config struct {
	// BaseDir holds one file per pool.
	BaseDir string `json:"baseDir"`
	// ArenaBackend selects where pool payloads live in memory.
	ArenaBackend arena.Backend `json:"arenaBackend"`
	// SharedMemoryDir is the tmpfs directory used by the shm backend.
	SharedMemoryDir string `json:"sharedMemoryDir"`
	// EnableMetrics reports pool metrics to the Prometheus registry.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval logs a metrics beat when positive.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:         defaultBaseDir(),
		ArenaBackend:    arena.BackendMemory,
		SharedMemoryDir: arena.DefaultSharedMemoryDir,
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "llm-d", "kvcache")
	}
	return filepath.Join(os.TempDir(), "llm-d-kvcache")
}

// Store is a directory-backed registry of pools. The registry is guarded by
// one mutex; each pool serializes its own operations.
type Store struct {
	mu    sync.Mutex
	pools map[string]*kvpool.Pool
	// drops counts removals per name so a restore that raced one is discarded.
	drops map[string]uint64

	cfg      Config
	factory  arena.Factory
	listener kvpool.Listener
	restores singleflight.Group
	logger   klog.Logger

	afterRestore func(name string) // test hook, runs before registration
}

// New creates a Store rooted at cfg.BaseDir, creating the directory if
// needed. listener, when not nil, is attached to every pool.
func New(ctx context.Context, cfg *Config, listener kvpool.Listener) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	factory, err := arena.NewFactory(cfg.ArenaBackend, cfg.SharedMemoryDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create arena factory: %w", err)
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	if cfg.EnableMetrics {
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return &Store{
		pools:    make(map[string]*kvpool.Pool),
		drops:    make(map[string]uint64),
		cfg:      *cfg,
		factory:  factory,
		listener: listener,
		logger:   klog.FromContext(ctx).WithName("store.Store"),
	}, nil
}

// Path returns the file holding the pool name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.cfg.BaseDir, name+FileExtension)
}

// Create makes a new empty pool, writes its file and registers it. An
// existing pool of the same name is replaced only when overwrite is set;
// otherwise ErrPoolExists is returned.
func (s *Store) Create(ctx context.Context, cfg *kvpool.Config, overwrite bool) (*kvpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", kvpool.ErrInvalidConfig)
	}
	if err := checkName(cfg.Name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.existsLocked(cfg.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrPoolExists, cfg.Name)
		}
		if _, err := s.dropLocked(cfg.Name); err != nil {
			return nil, err
		}
	}

	p, err := kvpool.New(ctx, cfg, s.options(cfg.Name))
	if err != nil {
		return nil, err
	}
	if err := p.Persist(s.Path(cfg.Name)); err != nil {
		_ = p.Close()
		return nil, err
	}

	s.pools[cfg.Name] = p
	s.logger.V(logging.DEBUG).Info("created pool", "name", cfg.Name, "overwrite", exists)
	return p, nil
}

// Get returns the named pool, restoring it from its file on first use.
// Concurrent first uses of one name share a single restore.
func (s *Store) Get(ctx context.Context, name string) (*kvpool.Pool, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, ok := s.pools[name]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := s.restores.Do(name, func() (interface{}, error) {
		s.mu.Lock()
		drops := s.drops[name]
		s.mu.Unlock()

		restored, err := kvpool.Restore(ctx, s.Path(name), s.options(name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
			}
			return nil, fmt.Errorf("failed to restore pool %s: %w", name, err)
		}
		if s.afterRestore != nil {
			s.afterRestore(name)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.pools[name]; ok {
			// created while the file was being read
			_ = restored.Close()
			return existing, nil
		}
		if s.drops[name] != drops {
			// deleted while the file was being read
			_ = restored.Close()
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
		}
		s.pools[name] = restored
		return restored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*kvpool.Pool), nil //nolint:forcetypeassert // only pools are returned above
}

// Delete closes the named pool and removes its file. It reports whether
// the pool existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.dropLocked(name)
	if err != nil {
		return existed, err
	}
	if existed {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("store.Store.Delete").Info("deleted pool", "name", name)
	}
	return existed, nil
}

// dropLocked forgets the pool and removes every resource it left behind.
func (s *Store) dropLocked(name string) (bool, error) {
	s.drops[name]++
	existed := false
	if p, ok := s.pools[name]; ok {
		existed = true
		delete(s.pools, name)
		if err := p.Close(); err != nil {
			s.logger.Error(err, "failed to close pool", "name", name)
		}
	}

	if err := os.Remove(s.Path(name)); err == nil {
		existed = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return existed, fmt.Errorf("failed to remove pool file: %w", err)
	}

	if err := s.factory.Remove(name); err != nil {
		return existed, err
	}
	if s.cfg.EnableMetrics {
		metrics.Forget(name)
	}
	return existed, nil
}

// List returns the names of all pools on disk, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(de.Name(), FileExtension)
		if ok && validName.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Persist writes the in-memory state of the named pool to its file. Pools
// that are not loaded are already persisted.
func (s *Store) Persist(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	s.mu.Lock()
	p, loaded := s.pools[name]
	s.mu.Unlock()

	if !loaded {
		if _, err := os.Stat(s.Path(name)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrPoolNotFound, name)
			}
			return fmt.Errorf("failed to stat pool file: %w", err)
		}
		return nil
	}

	if err := p.Persist(s.Path(name)); err != nil {
		return err
	}
	klog.FromContext(ctx).V(logging.TRACE).WithName("store.Store.Persist").Info("persisted pool", "name", name)
	return nil
}

// Reload discards the in-memory copy of the named pool and restores it from
// its file.
func (s *Store) Reload(ctx context.Context, name string) (*kvpool.Pool, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if p, ok := s.pools[name]; ok {
		delete(s.pools, name)
		if err := p.Close(); err != nil {
			s.logger.Error(err, "failed to close pool", "name", name)
		}
	}
	s.mu.Unlock()

	return s.Get(ctx, name)
}

// Close releases every loaded pool without persisting it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, p := range s.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.pools, name)
	}
	return errors.Join(errs...)
}

func (s *Store) existsLocked(name string) (bool, error) {
	if _, ok := s.pools[name]; ok {
		return true, nil
	}
	_, err := os.Stat(s.Path(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat pool file: %w", err)
	}
}

func (s *Store) options(name string) *kvpool.Options {
	opts := &kvpool.Options{
		Arena:    s.factory,
		Listener: s.listener,
	}
	if s.cfg.EnableMetrics {
		opts.Metrics = metrics.NewPoolMetrics(name)
	}
	return opts
}

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
