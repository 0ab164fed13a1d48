package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Module: a loaded unit of exports
// ---------------------------------------------------------------------------

// Module is a loaded module: an entry function plus named exports
// (prototypes, functions, constants).
type Module struct {
	Name  string
	Hash  [32]byte // content hash of the module image, zero if unknown
	Entry *Function

	mu      sync.RWMutex
	exports map[string]Value
	order   []string
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, exports: make(map[string]Value)}
}

// Export binds name to v. Exported prototypes are stamped with the module
// name so their qualified name resolves back here.
func (m *Module) Export(name string, v Value) {
	if p, ok := v.Prototype(); ok && p.Module == "" {
		p.Module = m.Name
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.exports[name]; !exists {
		m.order = append(m.order, name)
	}
	m.exports[name] = v
}

// Rename changes the module's name. Exported prototypes (with their
// supers) and functions that carried the old name take the new one, so
// qualified names keep resolving through a registry.
func (m *Module) Rename(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.Name
	m.Name = name

	seen := make(map[*Function]bool)
	var stamp func(f *Function)
	stamp = func(f *Function) {
		if f == nil || seen[f] {
			return
		}
		seen[f] = true
		if f.Module == old {
			f.Module = name
		}
		for _, c := range f.Children {
			stamp(c)
		}
	}
	stamp(m.Entry)
	protos := make(map[*Prototype]bool)
	for _, v := range m.exports {
		if v.IsFunction() {
			stamp(v.Function())
			continue
		}
		p, _ := v.Prototype()
		for ; p != nil && !protos[p]; p = p.Super {
			protos[p] = true
			if p.Module == old {
				p.Module = name
			}
		}
	}
}

// Lookup returns the export bound to name.
func (m *Module) Lookup(name string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.exports[name]
	return v, ok
}

// ExportNames returns export names in definition order.
func (m *Module) ExportNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ---------------------------------------------------------------------------
// ModuleRegistry: module-by-name cache
// ---------------------------------------------------------------------------

// ModuleLoader produces modules that are not yet cached, e.g. from a
// persistent store.
type ModuleLoader interface {
	LoadModule(ctx context.Context, name string) (*Module, error)
}

// ModuleRegistry caches loaded modules by name and by content hash. It may
// be shared by several states.
type ModuleRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Module
	byHash map[[32]byte]*Module
	loader ModuleLoader
}

// NewModuleRegistry creates an empty registry. loader may be nil.
func NewModuleRegistry(loader ModuleLoader) *ModuleRegistry {
	return &ModuleRegistry{
		byName: make(map[string]*Module),
		byHash: make(map[[32]byte]*Module),
		loader: loader,
	}
}

// SetLoader replaces the fallback loader.
func (r *ModuleRegistry) SetLoader(l ModuleLoader) {
	r.mu.Lock()
	r.loader = l
	r.mu.Unlock()
}

// Register adds m to the cache, replacing any module of the same name.
func (r *ModuleRegistry) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[m.Name] = m
	if m.Hash != ([32]byte{}) {
		r.byHash[m.Hash] = m
	}
}

// Cached returns a cached module without consulting the loader.
func (r *ModuleRegistry) Cached(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// ByHash returns the cached module with the given content hash.
func (r *ModuleRegistry) ByHash(h [32]byte) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byHash[h]
	return m, ok
}

// Module returns the named module, loading and caching it on a miss.
func (r *ModuleRegistry) Module(ctx context.Context, name string) (*Module, error) {
	if m, ok := r.Cached(name); ok {
		return m, nil
	}
	r.mu.RLock()
	loader := r.loader
	r.mu.RUnlock()
	if loader == nil {
		return nil, fmt.Errorf("module %q not loaded", name)
	}
	m, err := loader.LoadModule(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading module %q: %w", name, err)
	}
	r.Register(m)
	return m, nil
}

// Names returns the cached module names, sorted.
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of cached modules.
func (r *ModuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
