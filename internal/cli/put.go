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
	"os"

	flag "github.com/spf13/pflag"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache/kvpool"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

var (
	errKeyRequired  = errors.New("pool name and key are required")
	errFileRequired = errors.New("--file is required")
	errPoolFull     = errors.New("entry does not fit in pool")
)

// PutCmd returns the put command.
func PutCmd(a *app) *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.StringP("file", "f", "", "File holding the payload")
	addPrefixFlags(fs)
	fs.Int64("priority", 0, "Priority under the priority policy (lower is evicted first)")
	fs.Uint32("layer", 0, "Model layer index")
	fs.Uint64("seq-len", 0, "Token count the payload covers")

	return &Command{
		Flags: fs,
		Usage: "put <name> <key> --file <F>",
		Short: "Store a payload under a key",
		Long: `Store the contents of a file under a key, evicting entries as needed,
then persist the pool.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execPut(ctx, o, a, fs, args)
		},
	}
}

func execPut(ctx context.Context, o *IO, a *app, fs *flag.FlagSet, args []string) error {
	if len(args) < 2 {
		return errKeyRequired
	}
	name, key := args[0], args[1]

	path, _ := fs.GetString("file")
	if path == "" {
		return errFileRequired
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	prefixHash, err := prefixFromFlags(ctx, a, fs)
	if err != nil {
		return err
	}
	priority, _ := fs.GetInt64("priority")
	layer, _ := fs.GetUint32("layer")
	seqLen, _ := fs.GetUint64("seq-len")

	mgr, err := a.manager(ctx)
	if err != nil {
		return err
	}
	p, err := mgr.Store().Get(ctx, name)
	if err != nil {
		return err
	}

	meta := kvpool.EntryMeta{
		PrefixHash:     prefixHash,
		LayerIndex:     layer,
		SequenceLength: seqLen,
		Priority:       priority,
	}
	if !p.Put(key, data, meta) {
		return fmt.Errorf("%w: %s is %s", errPoolFull, key, utils.FormatSize(uint64(len(data))))
	}
	if err := mgr.Store().Persist(ctx, name); err != nil {
		return err
	}

	e, _ := p.Lookup(key)
	o.Printf("stored %s in %s at offset %d (%s)\n", key, name, e.Offset, utils.FormatSize(e.Size))
	return nil
}
