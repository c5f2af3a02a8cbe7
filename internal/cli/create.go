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

package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

var (
	errNameRequired = errors.New("pool name is required")
	errSizeRequired = errors.New("--size is required")
	errUnknownTier  = errors.New("unknown tier (must be cpu, gpu or nvme)")
)

var tiers = sets.New("cpu", "gpu", "nvme")

// CreateCmd returns the create command.
func CreateCmd(a *app) *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.StringP("size", "s", "", "Pool size in bytes or with a K|M|G|T suffix")
	fs.String("tier", kvpool.DefaultTier, "Placement tier: cpu|gpu|nvme")
	fs.String("eviction", eviction.LRU.String(), "Eviction policy: lru|lfu|fifo|priority")
	fs.Uint64("max-entries", 0, "Maximum entry count (0 = unlimited)")
	fs.Bool("overwrite", false, "Replace an existing pool of the same name")

	return &Command{
		Flags: fs,
		Usage: "create <name> --size <SIZE>",
		Short: "Create an empty pool",
		Long: `Create an empty pool and write its file.

Fails if the pool already exists unless --overwrite is given.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execCreate(ctx, o, a, fs, args)
		},
	}
}

func execCreate(ctx context.Context, o *IO, a *app, fs *flag.FlagSet, args []string) error {
	if len(args) == 0 {
		return errNameRequired
	}

	sizeLiteral, _ := fs.GetString("size")
	if sizeLiteral == "" {
		return errSizeRequired
	}
	size, err := utils.ParseSize(sizeLiteral)
	if err != nil {
		return err
	}

	tier, _ := fs.GetString("tier")
	if !tiers.Has(tier) {
		return fmt.Errorf("%w: %q", errUnknownTier, tier)
	}

	policyName, _ := fs.GetString("eviction")
	policy, err := eviction.ParsePolicy(policyName)
	if err != nil {
		return err
	}

	maxEntries, _ := fs.GetUint64("max-entries")
	overwrite, _ := fs.GetBool("overwrite")

	mgr, err := a.manager(ctx)
	if err != nil {
		return err
	}

	cfg := &kvpool.Config{
		Name:           args[0],
		SizeBytes:      size,
		Tier:           tier,
		EvictionPolicy: policy,
		MaxEntries:     maxEntries,
	}
	p, err := mgr.Store().Create(ctx, cfg, overwrite)
	if err != nil {
		return err
	}

	stats := p.Stats()
	o.Printf("created pool %s: %s, %d blocks, %s eviction\n",
		stats.Name, utils.FormatSize(stats.SizeBytes), stats.TotalBlocks, stats.EvictionPolicy)
	return nil
}
