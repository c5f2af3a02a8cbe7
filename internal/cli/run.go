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

// Package cli implements the kvcache command line.
package cli

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"io"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-pool/pkg/kvcache"
)

const (
	binaryName      = "kvcache"
	shutdownTimeout = 30 * time.Second
)

var errUnknownCommand = errors.New("unknown command")

// app holds the state shared by the commands of one invocation.
type app struct {
	configPath string
	baseDir    string

	mgr *kvcache.Manager
}

// manager returns the Manager of this invocation, creating it on first use.
func (a *app) manager(ctx context.Context) (*kvcache.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}

	cfg := kvcache.NewDefaultConfig()
	if a.configPath != "" {
		loaded, err := kvcache.LoadConfig(a.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.baseDir != "" {
		cfg.StoreConfig.BaseDir = a.baseDir
	}

	mgr, err := kvcache.NewManager(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mgr.Run(ctx)

	a.mgr = mgr
	return mgr, nil
}

func (a *app) shutdown(ctx context.Context) error {
	if a.mgr == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.mgr.Shutdown(shutdownCtx)
}

func commands(a *app) []*Command {
	return []*Command{
		CreateCmd(a),
		StatusCmd(a),
		ListCmd(a),
		PersistCmd(a),
		RestoreCmd(a),
		EvictCmd(a),
		PutCmd(a),
		GetCmd(a),
		FindCmd(a),
		DeleteCmd(a),
	}
}

func globalFlags(a *app) *flag.FlagSet {
	fs := flag.NewFlagSet(binaryName, flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(&strings.Builder{})
	fs.BoolP("help", "h", false, "Show help")
	fs.StringVarP(&a.configPath, "config", "c", "", "Manager config file (JSON with comments)")
	fs.StringVar(&a.baseDir, "base-dir", "", "Directory holding pool files")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	return fs
}

// Run is the main entry point. args includes the binary name. Returns exit
// code.
func Run(ctx context.Context, out io.Writer, errOut io.Writer, args []string) int {
	a := &app{}
	o := NewIO(out, errOut)
	fs := globalFlags(a)
	cmds := commands(a)

	if len(args) > 0 {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		o.ErrPrintln("error:", err)
		printUsage(NewIO(errOut, errOut), fs, cmds)
		return 1
	}

	rest := fs.Args()
	if help, _ := fs.GetBool("help"); help || len(rest) == 0 {
		printUsage(o, fs, cmds)
		return 0
	}

	ctx = klog.NewContext(ctx, klog.Background())

	var cmd *Command
	for _, c := range cmds {
		if c.Name() == rest[0] {
			cmd = c
			break
		}
	}
	if cmd == nil {
		o.ErrPrintln("error:", fmt.Errorf("%w: %s", errUnknownCommand, rest[0]))
		printUsage(NewIO(errOut, errOut), fs, cmds)
		return 1
	}

	code := cmd.Run(ctx, o, rest[1:])
	if err := a.shutdown(ctx); err != nil {
		o.ErrPrintln("error:", err)
		code = 1
	}
	return code
}

func printUsage(o *IO, fs *flag.FlagSet, cmds []*Command) {
	o.Println("Usage:", binaryName, "[global flags] <command> [args]")
	o.Println()
	o.Println("Manage persistent KV-cache pools.")
	o.Println()
	o.Println("Commands:")
	for _, c := range cmds {
		o.Println(c.HelpLine())
	}
	o.Println()
	o.Println("Global flags:")

	var buf strings.Builder
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	o.Printf("%s", buf.String())
	o.Println()
	o.Printf("Run '%s <command> --help' for command flags.\n", binaryName)
}
