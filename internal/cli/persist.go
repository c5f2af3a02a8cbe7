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

	flag "github.com/spf13/pflag"
)

// PersistCmd returns the persist command.
func PersistCmd(a *app) *Command {
	fs := flag.NewFlagSet("persist", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "persist <name>",
		Short: "Write a pool to its file",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := mgr.Store().Get(ctx, args[0]); err != nil {
				return err
			}
			if err := mgr.Store().Persist(ctx, args[0]); err != nil {
				return err
			}
			o.Println("persisted pool", args[0], "to", mgr.Store().Path(args[0]))
			return nil
		},
	}
}

// RestoreCmd returns the restore command.
func RestoreCmd(a *app) *Command {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "restore <name>",
		Short: "Load a pool from its file and verify it",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errNameRequired
			}
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			p, err := mgr.Store().Reload(ctx, args[0])
			if err != nil {
				return err
			}
			if err := p.Verify(); err != nil {
				return err
			}
			stats := p.Stats()
			o.Printf("restored pool %s: %d entries, %d/%d blocks\n",
				stats.Name, stats.EntryCount, stats.AllocatedBlocks, stats.TotalBlocks)
			return nil
		},
	}
}
