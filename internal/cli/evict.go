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
	"math"

	flag "github.com/spf13/pflag"
)

var errPercentRange = errors.New("--percent must be between 0 and 100")

// EvictCmd returns the evict command.
func EvictCmd(a *app) *Command {
	fs := flag.NewFlagSet("evict", flag.ContinueOnError)
	fs.Float64P("percent", "p", 0, "Share of the pool blocks to free, 0-100")

	return &Command{
		Flags: fs,
		Usage: "evict <name> --percent <N>",
		Short: "Evict entries by policy rank",
		Long: `Evict the worst ranked entries until they account for N percent of
the pool blocks, then persist the pool.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			percent, _ := fs.GetFloat64("percent")
			if math.IsNaN(percent) || percent < 0 || percent > 100 {
				return fmt.Errorf("%w: %v", errPercentRange, percent)
			}

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			p, err := mgr.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}

			removed := p.Evict(percent)
			if err := mgr.Store().Persist(ctx, args[0]); err != nil {
				return err
			}
			o.Printf("evicted %d entries from %s\n", removed, args[0])
			return nil
		},
	}
}
