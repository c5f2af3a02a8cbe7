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

package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-pool/internal/cli"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
)

// runner invokes the CLI against a temporary pool directory. Every call is
// a fresh invocation, so state only carries over through pool files.
type runner struct {
	t   *testing.T
	dir string
}

func newRunner(t *testing.T) *runner {
	t.Helper()
	return &runner{t: t, dir: t.TempDir()}
}

func (r *runner) run(args ...string) (string, string, int) {
	var out, errOut bytes.Buffer
	full := append([]string{"kvcache", "--base-dir", r.dir}, args...)
	code := cli.Run(context.Background(), &out, &errOut, full)
	return out.String(), errOut.String(), code
}

func (r *runner) mustRun(args ...string) string {
	r.t.Helper()
	stdout, stderr, code := r.run(args...)
	require.Equal(r.t, 0, code, "command %v failed\nstderr: %s", args, stderr)
	return stdout
}

func (r *runner) mustFail(args ...string) string {
	r.t.Helper()
	_, stderr, code := r.run(args...)
	require.Equal(r.t, 1, code, "command %v succeeded unexpectedly", args)
	return stderr
}

func (r *runner) payload(name string, data []byte) string {
	r.t.Helper()
	path := filepath.Join(r.t.TempDir(), name)
	require.NoError(r.t, os.WriteFile(path, data, 0o600))
	return path
}

func (r *runner) stats(name string) kvpool.Stats {
	r.t.Helper()
	var stats kvpool.Stats
	require.NoError(r.t, json.Unmarshal([]byte(r.mustRun("status", name, "--json")), &stats))
	return stats
}

func tokens(n int) string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('1' + i%9))
	}
	return strings.Join(ids, ",")
}

func TestUsage(t *testing.T) {
	r := newRunner(t)

	stdout := r.mustRun()
	assert.Contains(t, stdout, "Commands:")
	assert.Contains(t, stdout, "create <name> --size <SIZE>")
	assert.Contains(t, stdout, "--base-dir")

	stdout = r.mustRun("--help")
	assert.Contains(t, stdout, "Global flags:")
}

func TestUnknownCommandAndFlag(t *testing.T) {
	r := newRunner(t)

	assert.Contains(t, r.mustFail("frobnicate"), "unknown command: frobnicate")
	assert.Contains(t, r.mustFail("--no-such-flag", "list"), "no-such-flag")
}

func TestCommandHelp(t *testing.T) {
	r := newRunner(t)

	stdout := r.mustRun("put", "--help")
	assert.Contains(t, stdout, "Usage: kvcache put <name> <key> --file <F>")
	assert.Contains(t, stdout, "--prefix-tokens")
}

func TestCreateAndStatus(t *testing.T) {
	r := newRunner(t)

	stdout := r.mustRun("create", "p1", "--size", "1M", "--tier", "gpu", "--eviction", "fifo")
	assert.Contains(t, stdout, "created pool p1: 1 MB, 254 blocks, fifo eviction")

	stats := r.stats("p1")
	assert.Equal(t, "p1", stats.Name)
	assert.Equal(t, "gpu", stats.Tier)
	assert.Equal(t, eviction.FIFO, stats.EvictionPolicy)
	assert.Equal(t, uint64(254), stats.TotalBlocks)
	assert.Equal(t, uint64(1<<20), stats.SizeBytes)
	assert.Zero(t, stats.EntryCount)

	stdout = r.mustRun("status", "p1")
	assert.Contains(t, stdout, "Blocks:      0/254 (0.0%)")

	assert.Equal(t, "p1\n", r.mustRun("list"))
}

func TestCreateRejectsBadInput(t *testing.T) {
	r := newRunner(t)

	assert.Contains(t, r.mustFail("create"), "pool name is required")
	assert.Contains(t, r.mustFail("create", "p1"), "--size is required")
	assert.Contains(t, r.mustFail("create", "p1", "--size", "lots"), "invalid size literal")
	assert.Contains(t, r.mustFail("create", "p1", "--size", "1K"), "invalid pool config")
	assert.Contains(t, r.mustFail("create", "p1", "--size", "1M", "--tier", "tape"), "unknown tier")
	assert.Contains(t, r.mustFail("create", "p1", "--size", "1M", "--eviction", "random"), "unknown eviction policy")
	assert.Contains(t, r.mustFail("create", "../p1", "--size", "1M"), "invalid pool name")
}

func TestCreateExisting(t *testing.T) {
	r := newRunner(t)

	r.mustRun("create", "p1", "--size", "1M")
	r.mustRun("put", "p1", "k", "--file", r.payload("k", []byte("data")))

	assert.Contains(t, r.mustFail("create", "p1", "--size", "2M"), "pool already exists")
	assert.Equal(t, 1, r.stats("p1").EntryCount)

	r.mustRun("create", "p1", "--size", "2M", "--overwrite")
	stats := r.stats("p1")
	assert.Zero(t, stats.EntryCount)
	assert.Equal(t, uint64(2<<20), stats.SizeBytes)
}

func TestMissingPool(t *testing.T) {
	r := newRunner(t)

	assert.Contains(t, r.mustFail("status", "ghost"), "pool not found")
	assert.Contains(t, r.mustFail("persist", "ghost"), "pool not found")
	assert.Contains(t, r.mustFail("restore", "ghost"), "pool not found")
	assert.Contains(t, r.mustFail("evict", "ghost", "--percent", "10"), "pool not found")
	assert.Contains(t, r.mustFail("delete", "ghost"), "pool not found")
	assert.Contains(t, r.mustFail("get", "ghost", "k"), "pool not found")
}

func TestPutGet(t *testing.T) {
	r := newRunner(t)
	data := bytes.Repeat([]byte("kv"), 3000)

	r.mustRun("create", "p1", "--size", "1M")
	stdout := r.mustRun("put", "p1", "layer-0", "--file", r.payload("layer-0", data),
		"--layer", "3", "--seq-len", "128", "--priority", "7")
	assert.Contains(t, stdout, "stored layer-0 in p1 at offset 0")

	assert.Equal(t, string(data), r.mustRun("get", "p1", "layer-0"))

	out := filepath.Join(t.TempDir(), "copy.bin")
	r.mustRun("get", "p1", "layer-0", "--out", out)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	stats := r.stats("p1")
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, uint64(2), stats.AllocatedBlocks)
	assert.Equal(t, uint64(len(data)), stats.UsedBytes)

	assert.Contains(t, r.mustFail("get", "p1", "nope"), "key not found")
	assert.Contains(t, r.mustFail("put", "p1", "k"), "--file is required")
	assert.Contains(t, r.mustFail("put", "p1"), "pool name and key are required")
}

func TestPutTooLarge(t *testing.T) {
	r := newRunner(t)

	r.mustRun("create", "p1", "--size", "64K")
	stderr := r.mustFail("put", "p1", "big", "--file", r.payload("big", make([]byte, 1<<20)))
	assert.Contains(t, stderr, "entry does not fit in pool")
}

func TestFindByPrefix(t *testing.T) {
	r := newRunner(t)
	prompt := tokens(32)

	r.mustRun("create", "p1", "--size", "1M")
	r.mustRun("put", "p1", "a", "--file", r.payload("a", []byte("a")), "--prefix-tokens", prompt)
	r.mustRun("put", "p1", "b", "--file", r.payload("b", []byte("b")), "--prefix-hash", "00000000000000ff")
	r.mustRun("put", "p1", "c", "--file", r.payload("c", []byte("c")), "--prefix-tokens", prompt)

	stdout := r.mustRun("find", "p1", "--prefix-tokens", prompt)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "KEY"))
	assert.True(t, strings.HasPrefix(lines[1], "a "))
	assert.True(t, strings.HasPrefix(lines[2], "c "))

	stdout = r.mustRun("find", "p1", "--prefix-hash", "00000000000000ff")
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 2)

	assert.Contains(t, r.mustFail("find", "p1"), "--prefix-hash or --prefix-tokens is required")
	assert.Contains(t, r.mustFail("find", "p1", "--prefix-tokens", "1,2,3"), "do not fill a prefix block")
	assert.Contains(t, r.mustFail("find", "p1", "--prefix-tokens", "1,x"), "invalid token")
	assert.Contains(t, r.mustFail("find", "p1", "--prefix-tokens", prompt, "--prefix-hash", "ab"),
		"mutually exclusive")
}

func TestEvict(t *testing.T) {
	r := newRunner(t)

	r.mustRun("create", "p1", "--size", "1M")
	for _, key := range []string{"a", "b", "c", "d"} {
		r.mustRun("put", "p1", key, "--file", r.payload(key, make([]byte, 4096)))
	}

	assert.Contains(t, r.mustRun("evict", "p1", "--percent", "0"), "evicted 0 entries")
	assert.Contains(t, r.mustRun("evict", "p1", "--percent", "1"), "evicted 3 entries")
	assert.Equal(t, 1, r.stats("p1").EntryCount)
	r.mustRun("get", "p1", "d")

	assert.Contains(t, r.mustFail("evict", "p1", "--percent", "150"), "--percent must be between 0 and 100")
	assert.Contains(t, r.mustFail("evict", "p1", "--percent", "-1"), "--percent must be between 0 and 100")
}

func TestPersistRestoreDelete(t *testing.T) {
	r := newRunner(t)

	r.mustRun("create", "p1", "--size", "1M")
	r.mustRun("put", "p1", "k", "--file", r.payload("k", []byte("payload")))

	assert.Contains(t, r.mustRun("persist", "p1"), filepath.Join(r.dir, "p1.kvpool"))
	assert.Contains(t, r.mustRun("restore", "p1"), "restored pool p1: 1 entries, 1/254 blocks")

	r.mustRun("create", "p2", "--size", "1M")
	assert.Equal(t, "p1\np2\n", r.mustRun("list"))

	assert.Contains(t, r.mustRun("delete", "p1"), "deleted pool p1")
	assert.Equal(t, "p2\n", r.mustRun("list"))
	assert.Contains(t, r.mustFail("get", "p1", "k"), "pool not found")
}

func TestCorruptPoolFile(t *testing.T) {
	r := newRunner(t)

	require.NoError(t, os.WriteFile(filepath.Join(r.dir, "bad.kvpool"), []byte("not a pool"), 0o600))
	assert.Contains(t, r.mustFail("status", "bad"), "failed to restore pool bad")
	assert.Contains(t, r.mustFail("restore", "bad"), "failed to restore pool bad")
}

func TestConfigFile(t *testing.T) {
	var out, errOut bytes.Buffer
	dir := t.TempDir()
	config := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(config, []byte(`{
		// pools live in a test directory
		"storeConfig": {"baseDir": "`+dir+`"},
	}`), 0o600))

	code := cli.Run(context.Background(), &out, &errOut,
		[]string{"kvcache", "--config", config, "create", "p1", "--size", "1M"})
	require.Equal(t, 0, code, errOut.String())
	assert.FileExists(t, filepath.Join(dir, "p1.kvpool"))

	code = cli.Run(context.Background(), &out, &errOut,
		[]string{"kvcache", "--config", filepath.Join(dir, "missing.json"), "list"})
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "failed to read config")
}
