package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// LockFile records the content hash of every image last imported from the
// manifest, so unchanged images are not imported again.
type LockFile struct {
	Modules []LockedModule `toml:"module"`
}

// LockedModule is one imported image.
type LockedModule struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
	Hash string `toml:"hash"`
}

// ReadLock reads a lock file. A missing file yields nil, nil.
func ReadLock(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var lf LockFile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &lf, nil
}

// WriteLock writes lf to path with modules sorted by name.
func WriteLock(path string, lf *LockFile) error {
	sort.Slice(lf.Modules, func(i, j int) bool { return lf.Modules[i].Name < lf.Modules[j].Name })
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	f.WriteString("# Generated by zr import. Do not edit.\n\n")
	if err := toml.NewEncoder(f).Encode(lf); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Find returns the locked entry for name, or nil.
func (lf *LockFile) Find(name string) *LockedModule {
	if lf == nil {
		return nil
	}
	for i := range lf.Modules {
		if lf.Modules[i].Name == name {
			return &lf.Modules[i]
		}
	}
	return nil
}
