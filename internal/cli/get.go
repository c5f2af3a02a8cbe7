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
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
)

var errKeyNotFound = errors.New("key not found")

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.StringP("out", "o", "", "Write the payload to this file instead of stdout")

	return &Command{
		Flags: fs,
		Usage: "get <name> <key> [--out <F>]",
		Short: "Read the payload stored under a key",
		Long: `Read the payload stored under a key. The access is recorded and the
pool persisted.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errKeyRequired
			}
			name, key := args[0], args[1]
			out, _ := fs.GetString("out")

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			p, err := mgr.Store().Get(ctx, name)
			if err != nil {
				return err
			}

			data, ok := p.Get(key)
			if !ok {
				return fmt.Errorf("%w: %s", errKeyNotFound, key)
			}
			if err := mgr.Store().Persist(ctx, name); err != nil {
				return err
			}

			if out == "" {
				_, err = o.Out().Write(data)
				return err
			}
			if err := atomic.WriteFile(out, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("failed to write payload: %w", err)
			}
			return nil
		},
	}
}
