package manifest

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chazu/zrvm/vm/image"
)

// ResolvedImage is an image file named in [modules.images], read and
// hashed.
type ResolvedImage struct {
	Name    string
	Path    string // absolute
	Data    []byte
	Hash    string // hex content hash
	Changed bool   // differs from the lock file
}

// ResolveImages reads every configured image in name order and compares it
// with the lock file.
func (m *Manifest) ResolveImages() ([]ResolvedImage, error) {
	lock, err := ReadLock(m.LockFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	names := make([]string, 0, len(m.Modules.Images))
	for name := range m.Modules.Images {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ResolvedImage
	for _, name := range names {
		path := m.resolve(m.Modules.Images[name])
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		sum := image.Hash(data)
		ri := ResolvedImage{
			Name: name,
			Path: path,
			Data: data,
			Hash: hex.EncodeToString(sum[:]),
		}
		locked := lock.Find(name)
		ri.Changed = locked == nil || locked.Hash != ri.Hash
		out = append(out, ri)
	}
	return out, nil
}

// RecordImports writes the lock file for the given images.
func (m *Manifest) RecordImports(images []ResolvedImage) error {
	lf := &LockFile{}
	for _, ri := range images {
		rel, err := filepath.Rel(m.Dir, ri.Path)
		if err != nil {
			rel = ri.Path
		}
		lf.Modules = append(lf.Modules, LockedModule{Name: ri.Name, Path: rel, Hash: ri.Hash})
	}
	return WriteLock(m.LockFilePath(), lf)
}
