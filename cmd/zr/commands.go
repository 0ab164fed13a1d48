package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/zrvm/manifest"
	"github.com/chazu/zrvm/store"
	"github.com/chazu/zrvm/vm"
	"github.com/chazu/zrvm/vm/image"
)

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCommand(ctx context.Context, m *manifest.Manifest, prof *vm.Profiler, args []string) error {
	if len(args) == 0 {
		return errors.New("run requires an image path")
	}
	mod, err := readModule(args[0])
	if err != nil {
		return err
	}

	st, err := openStoreIfPresent(m)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	return execute(ctx, os.Stdout, m, st, prof, mod, parseArgs(args[1:]))
}

// execute runs mod's entry function in a fresh state whose module registry
// falls back to st (which may be nil), and prints each result on its own
// line. Preloaded modules are resolved first so a missing dependency fails
// before any code runs. prof, if not nil, observes the run.
func execute(ctx context.Context, out io.Writer, m *manifest.Manifest, st *store.Store, prof *vm.Profiler, mod *vm.Module, args []vm.Value) error {
	if mod.Entry == nil {
		return fmt.Errorf("module %s has no entry function", mod.Name)
	}

	reg := vm.NewModuleRegistry(nil)
	if st != nil {
		reg.SetLoader(st)
	}
	for _, name := range m.Modules.Preload {
		if _, err := reg.Module(ctx, name); err != nil {
			return err
		}
	}
	reg.Register(mod)

	s := vm.NewState(m.Config())
	s.SetModules(reg)
	installGlobals(s, out)
	if prof != nil {
		prof.Attach(s)
	}
	for _, name := range mod.ExportNames() {
		v, _ := mod.Lookup(name)
		s.SetGlobal(name, v)
	}

	results, err := s.Call(ctx, vm.FromFunction(mod.Entry), args...)
	if err != nil {
		var re *vm.RuntimeError
		if errors.As(err, &re) {
			log.Warningf("%s failed: %s error: %s", mod.Name, re.Kind, re.Message)
		}
		return err
	}
	for _, r := range results {
		fmt.Fprintln(out, s.ToString(r))
	}
	return nil
}

// installGlobals registers the host functions scripts reach through
// GET_GLOBAL.
func installGlobals(s *vm.State, out io.Writer) {
	s.SetGlobal("print", vm.FromNative("print", func(s *vm.State, args []vm.Value) (vm.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = s.ToString(a)
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return vm.Null, nil
	}))
}

// parseArgs converts command-line arguments to values: integers, then
// floats, then true/false/null, otherwise strings.
func parseArgs(args []string) []vm.Value {
	vals := make([]vm.Value, len(args))
	for i, a := range args {
		vals[i] = parseArg(a)
	}
	return vals
}

func parseArg(a string) vm.Value {
	if n, err := strconv.ParseInt(a, 10, 64); err == nil {
		return vm.FromInt(n)
	}
	if f, err := strconv.ParseFloat(a, 64); err == nil {
		return vm.FromFloat(f)
	}
	switch a {
	case "true":
		return vm.True
	case "false":
		return vm.False
	case "null":
		return vm.Null
	}
	return vm.FromString(a)
}

func printProfile(w io.Writer, prof *vm.Profiler) {
	stats := prof.Stats()
	fmt.Fprintf(w, "%d instructions in %d invocations of %d functions\n",
		stats.Instructions, stats.Invocations, stats.Functions)
	for _, fp := range prof.TopFunctions(10) {
		fmt.Fprintf(w, "  %-24s %10d instr %8d calls\n", fp.Function.Name, fp.Instructions, fp.Invocations)
	}
}

// ---------------------------------------------------------------------------
// dis
// ---------------------------------------------------------------------------

func disCommand(w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("dis requires an image path")
	}
	mod, err := readModule(args[0])
	if err != nil {
		return err
	}
	disassemble(w, mod)
	return nil
}

func disassemble(w io.Writer, mod *vm.Module) {
	fmt.Fprintf(w, "module %s (hash %x)\n", mod.Name, mod.Hash[:8])
	if mod.Entry != nil {
		fmt.Fprint(w, mod.Entry.Disassemble())
	}
	for _, name := range mod.ExportNames() {
		v, _ := mod.Lookup(name)
		switch {
		case v.IsFunction():
			fmt.Fprintf(w, "\nexport %s:\n%s", name, v.Function().Disassemble())
		default:
			p, ok := v.Prototype()
			if !ok {
				fmt.Fprintf(w, "\nexport %s = %s\n", name, v)
				continue
			}
			fmt.Fprintf(w, "\nexport %s: %s %s\n", name, p.Kind, p.QualifiedName())
			for _, f := range p.Fields {
				fmt.Fprintf(w, "  field %s = %s\n", f.Name, f.Default)
			}
			p.Object.ForEach(func(key, member vm.Value) {
				if member.IsFunction() {
					fmt.Fprintf(w, "  member %s:\n%s", key, member.Function().Disassemble())
				}
			})
		}
	}
}

// ---------------------------------------------------------------------------
// import / modules / rm
// ---------------------------------------------------------------------------

func importCommand(ctx context.Context, m *manifest.Manifest, args []string) error {
	st, err := store.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	switch len(args) {
	case 2:
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		e, err := st.Put(ctx, args[0], data)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", e.Name, e.HashPrefix(12))
		return nil
	case 0:
		return importManifestImages(ctx, m, st)
	}
	return errors.New("import takes either no arguments or <name> <image>")
}

// importManifestImages stores every [modules.images] entry whose content
// changed since the last import, then rewrites the lock file.
func importManifestImages(ctx context.Context, m *manifest.Manifest, st *store.Store) error {
	images, err := m.ResolveImages()
	if err != nil {
		return err
	}
	changed := make(map[string][]byte)
	for _, ri := range images {
		if ri.Changed {
			changed[ri.Name] = ri.Data
		}
	}
	if len(changed) == 0 {
		fmt.Println("all modules up to date")
		return nil
	}
	entries, err := st.Import(ctx, changed)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %s\n", e.Name, e.HashPrefix(12))
	}
	return m.RecordImports(images)
}

func modulesCommand(ctx context.Context, w io.Writer, m *manifest.Manifest) error {
	st, err := store.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-24s %s %8d  %s  %s\n",
			e.Name, e.HashPrefix(12), e.Size, e.ImportedAt.Format("2006-01-02 15:04:05"), e.Batch[:8])
	}
	return nil
}

func rmCommand(ctx context.Context, m *manifest.Manifest, args []string) error {
	if len(args) != 1 {
		return errors.New("rm requires a module name")
	}
	st, err := store.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Delete(ctx, args[0])
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func readModule(path string) (*vm.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := image.DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("decoded %s (%d bytes, hash %x)", path, len(data), mod.Hash[:8])
	return mod, nil
}

// openStoreIfPresent opens the module store only when its file exists, so
// running a self-contained image never creates one.
func openStoreIfPresent(m *manifest.Manifest) (*store.Store, error) {
	path := m.StorePath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return store.Open(path)
}
