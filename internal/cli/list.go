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

// ListCmd returns the list command.
func ListCmd(a *app) *Command {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "list",
		Short: "List pools on disk",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			names, err := mgr.Store().List()
			if err != nil {
				return err
			}
			for _, name := range names {
				o.Println(name)
			}
			return nil
		},
	}
}
