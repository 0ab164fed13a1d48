package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Struct/class materialization (TO_STRUCT, TO_OBJECT)
// ---------------------------------------------------------------------------

// materialize converts src to an instance of the prototype named by
// typeName. A TO_STRUCT/TO_OBJECT meta method on src takes precedence.
// Unresolvable names degrade: objects pass through unchanged, anything
// else becomes Null.
func (s *State) materialize(tag MetaTag, src, typeName Value) Value {
	if r, ok := s.tryMetaBinary(tag, src, typeName); ok {
		return r
	}
	if typeName.IsString() {
		if p := s.resolvePrototype(typeName.Str()); p != nil {
			var fields *Object
			if src.IsContainer() {
				fields = src.Object()
			}
			inst := p.Instantiate(fields)
			s.gc.Allocate(inst, objectSize+inst.Len()*valueSize)
			return FromObject(inst)
		}
		log.Debugf("state %s: %s: type %q not found", s.ID, tag, typeName.Str())
	}
	if src.IsContainer() {
		return src
	}
	return Null
}

// resolvePrototype finds a prototype by name. "mod.Type" is looked up in
// the module cache (loading the module if needed); bare names in the
// global object.
func (s *State) resolvePrototype(name string) *Prototype {
	var v Value
	if mod, typ, qualified := strings.Cut(name, "."); qualified {
		m, err := s.modules.Module(s.context(), mod)
		if err != nil {
			log.Debugf("state %s: resolving %q: %v", s.ID, name, err)
			return nil
		}
		found, ok := m.Lookup(typ)
		if !ok {
			return nil
		}
		v = found
	} else {
		found, ok := s.global.GetString(name)
		if !ok {
			return nil
		}
		v = found
	}
	p, _ := v.Prototype()
	return p
}
