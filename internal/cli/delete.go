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
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/store"
)

// DeleteCmd returns the delete command.
func DeleteCmd(a *app) *Command {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "delete <name>",
		Short: "Delete a pool and its file",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			existed, err := mgr.DeletePool(ctx, args[0])
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("%w: %s", store.ErrPoolNotFound, args[0])
			}
			o.Println("deleted pool", args[0])
			return nil
		},
	}
}
