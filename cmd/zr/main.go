// zr CLI - runs, disassembles and stores compiled zr images
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/zrvm/manifest"
	"github.com/chazu/zrvm/vm"
)

var log = commonlog.GetLogger("zr.cli")

// options are the global flags shared by every command.
type options struct {
	configDir string
	verbosity int
	trace     bool
	profile   bool
	storePath string
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "Directory containing zr.toml (default: search upwards from .)")
	flag.IntVar(&opts.verbosity, "v", 0, "Log verbosity (0 = warnings, 1 = info, 2 = debug)")
	flag.BoolVar(&opts.trace, "trace", false, "Log every executed instruction (needs -v 2)")
	flag.BoolVar(&opts.profile, "profile", false, "Print per-function execution counts after run")
	flag.StringVar(&opts.storePath, "store", "", "Module store path (overrides [modules] store)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zr [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Runs and manages compiled zr module images.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run <image> [args...]   Execute an image's entry function\n")
		fmt.Fprintf(os.Stderr, "  dis <image>             Disassemble every function in an image\n")
		fmt.Fprintf(os.Stderr, "  import [<name> <image>] Store an image, or every changed [modules.images] entry\n")
		fmt.Fprintf(os.Stderr, "  modules                 List stored modules\n")
		fmt.Fprintf(os.Stderr, "  rm <name>               Remove a stored module\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  zr run build/main.zri 10        # Run with one integer argument\n")
		fmt.Fprintf(os.Stderr, "  zr -v 2 -trace run main.zri     # Trace execution\n")
		fmt.Fprintf(os.Stderr, "  zr import geo build/geo.zri     # Make module geo loadable by name\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := loadManifest(opts.configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	configureLogging(m, opts.verbosity)
	if opts.storePath != "" {
		m.Modules.Store = opts.storePath
	}
	if opts.trace {
		m.VM.Trace = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "run":
		var prof *vm.Profiler
		if opts.profile {
			prof = vm.NewProfiler()
		}
		err = runCommand(ctx, m, prof, args[1:])
		if prof != nil {
			printProfile(os.Stderr, prof)
		}
	case "dis":
		err = disCommand(os.Stdout, args[1:])
	case "import":
		err = importCommand(ctx, m, args[1:])
	case "modules":
		err = modulesCommand(ctx, os.Stdout, m)
	case "rm":
		err = rmCommand(ctx, m, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest loads zr.toml from dir, or searches upwards from the
// working directory. Without a manifest the defaults apply.
func loadManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil || m != nil {
		return m, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return manifest.Default(wd), nil
}

func configureLogging(m *manifest.Manifest, verbosity int) {
	if m.Log.Verbosity > verbosity {
		verbosity = m.Log.Verbosity
	}
	var path *string
	if f := m.LogFile(); f != "" {
		path = &f
	}
	commonlog.Configure(verbosity, path)
}
