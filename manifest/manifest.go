// Package manifest handles zr.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/zrvm/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "zr.toml"

// Manifest represents a zr.toml configuration.
type Manifest struct {
	VM      VMConfig      `toml:"vm"`
	Log     LogConfig     `toml:"log"`
	Modules ModulesConfig `toml:"modules"`

	// Dir is the directory containing the zr.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig bounds every state the binary creates. Zero fields fall back to
// vm.DefaultConfig.
type VMConfig struct {
	StackSize      int  `toml:"stack-size"`
	MaxStackSize   int  `toml:"max-stack-size"`
	MaxCallDepth   int  `toml:"max-call-depth"`
	MaxNativeDepth int  `toml:"max-native-depth"`
	MaxArrayLength int  `toml:"max-array-length"`
	Trace          bool `toml:"trace"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// ModulesConfig locates the module store and the images that feed it.
type ModulesConfig struct {
	Store   string            `toml:"store"`
	Preload []string          `toml:"preload"`
	Images  map[string]string `toml:"images"` // module name -> image file
}

// Default returns the configuration used when no zr.toml exists, rooted at
// dir.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Modules.Store == "" {
		m.Modules.Store = filepath.Join(".zr", "modules.db")
	}
}

// Load parses a zr.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if m.VM.StackSize < 0 || m.VM.MaxStackSize < 0 || m.VM.MaxCallDepth < 0 || m.VM.MaxNativeDepth < 0 || m.VM.MaxArrayLength < 0 {
		return nil, fmt.Errorf("%s: vm limits must not be negative", path)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a zr.toml file, then loads and
// returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Config converts the [vm] section into engine limits.
func (m *Manifest) Config() vm.Config {
	return vm.Config{
		StackSize:      m.VM.StackSize,
		MaxStackSize:   m.VM.MaxStackSize,
		MaxCallDepth:   m.VM.MaxCallDepth,
		MaxNativeDepth: m.VM.MaxNativeDepth,
		MaxArrayLength: m.VM.MaxArrayLength,
		Trace:          m.VM.Trace,
	}
}

// StorePath returns the absolute path of the module store.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Modules.Store)
}

// LogFile returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

// LockFilePath returns the path to .zr/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".zr", "lock.toml")
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
