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
	"encoding/json"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

// StatusCmd returns the status command.
func StatusCmd(a *app) *Command {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.Bool("json", false, "Print the statistics as JSON")

	return &Command{
		Flags: fs,
		Usage: "status <name> [--json]",
		Short: "Show pool statistics",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			asJSON, _ := fs.GetBool("json")

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			p, err := mgr.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}

			stats := p.Stats()
			if asJSON {
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode stats: %w", err)
				}
				o.Println(string(data))
				return nil
			}

			o.Printf("Pool:        %s\n", stats.Name)
			o.Printf("Tier:        %s\n", stats.Tier)
			o.Printf("Eviction:    %s\n", stats.EvictionPolicy)
			o.Printf("Size:        %s\n", utils.FormatSize(stats.SizeBytes))
			o.Printf("Entries:     %d\n", stats.EntryCount)
			if stats.MaxEntries > 0 {
				o.Printf("Max entries: %d\n", stats.MaxEntries)
			}
			o.Printf("Blocks:      %d/%d (%.1f%%)\n", stats.AllocatedBlocks, stats.TotalBlocks, stats.UtilizationPercent)
			o.Printf("Used:        %s\n", utils.FormatSize(stats.UsedBytes))
			o.Printf("Prefixes:    %d\n", stats.PrefixGroups)
			return nil
		},
	}
}
