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
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-cache-pool/pkg/utils"
)

var (
	errPrefixConflict = errors.New("--prefix-hash and --prefix-tokens are mutually exclusive")
	errPrefixTooShort = errors.New("prefix tokens do not fill a prefix block")
)

func addPrefixFlags(fs *flag.FlagSet) {
	fs.String("prefix-hash", "", "Prefix hash grouping entries of one cached prompt prefix")
	fs.StringSlice("prefix-tokens", nil, "Comma-separated token ids to derive the prefix hash from")
}

// prefixFromFlags resolves the prefix hash given by either prefix flag. It
// returns "" when neither is set.
func prefixFromFlags(ctx context.Context, a *app, fs *flag.FlagSet) (string, error) {
	hash, _ := fs.GetString("prefix-hash")
	rawTokens, _ := fs.GetStringSlice("prefix-tokens")
	if len(rawTokens) == 0 {
		return hash, nil
	}
	if hash != "" {
		return "", errPrefixConflict
	}

	tokens, err := utils.SliceMapE(rawTokens, parseToken)
	if err != nil {
		return "", err
	}

	mgr, err := a.manager(ctx)
	if err != nil {
		return "", err
	}
	return hashTokens(mgr, tokens)
}

func hashTokens(mgr *kvcache.Manager, tokens []uint32) (string, error) {
	hash, err := mgr.PrefixHash(tokens)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", fmt.Errorf("%w: %d tokens", errPrefixTooShort, len(tokens))
	}
	return hash, nil
}

func parseToken(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid token %q: %w", s, err)
	}
	return uint32(v), nil
}
