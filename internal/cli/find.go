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
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

var errPrefixRequired = errors.New("--prefix-hash or --prefix-tokens is required")

// FindCmd returns the find command.
func FindCmd(a *app) *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	addPrefixFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "find <name> --prefix-hash <H>",
		Short: "List entries sharing a prefix",
		Long: `List the live entries of a pool stored with a prefix hash, oldest
first. --prefix-tokens derives the hash from token ids.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			hash, err := prefixFromFlags(ctx, a, fs)
			if err != nil {
				return err
			}
			if hash == "" {
				return errPrefixRequired
			}

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			p, err := mgr.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}

			printEntries(o, p.FindByPrefix(hash))
			return nil
		},
	}
}

func printEntries(o *IO, entries []kvpool.Entry) {
	tw := tabwriter.NewWriter(o.Out(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tOFFSET\tSIZE\tLAYER\tSEQ-LEN\tPRIORITY\tACCESSES")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\n",
			e.Key, e.Offset, utils.FormatSize(e.Size), e.LayerIndex, e.SequenceLength, e.Priority, e.AccessCount)
	}
	_ = tw.Flush()
}
