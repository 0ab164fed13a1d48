package vm

// ---------------------------------------------------------------------------
// Object: generic reference type with a field map
// ---------------------------------------------------------------------------

// InternalType distinguishes the object variants sharing the Object layout.
type InternalType uint8

const (
	ObjectPlain     InternalType = iota // plain object or class instance
	ObjectArray                         // array; elements in elems
	ObjectStruct                        // value-type struct instance
	ObjectPrototype                     // declared struct/class descriptor
)

// Object is the heap representation of objects, arrays, struct instances
// and prototypes. Fields keep insertion order so iteration and copies are
// deterministic.
type Object struct {
	Internal  InternalType
	Prototype *Prototype // nil for untyped objects

	fields map[Value]Value
	order  []Value
	elems  []Value
}

// NewObject creates an empty plain object with an optional prototype.
func NewObject(proto *Prototype) *Object {
	return &Object{Internal: ObjectPlain, Prototype: proto}
}

// NewArray creates an array holding a copy of elems.
func NewArray(elems []Value) *Object {
	a := &Object{Internal: ObjectArray}
	if len(elems) > 0 {
		a.elems = append(make([]Value, 0, len(elems)), elems...)
	}
	return a
}

// Get returns the value stored under key. Arrays accept integer keys.
func (o *Object) Get(key Value) (Value, bool) {
	if o.Internal == ObjectArray {
		if !key.IsInt() {
			return Null, false
		}
		i := key.Int()
		if i < 0 || i >= int64(len(o.elems)) {
			return Null, false
		}
		return o.elems[i], true
	}
	if o.fields == nil {
		return Null, false
	}
	v, ok := o.fields[key.key()]
	return v, ok
}

// GetString is Get with a string key.
func (o *Object) GetString(name string) (Value, bool) {
	return o.Get(FromString(name))
}

// Set stores value under key. Array writes past the end grow the array,
// filling the gap with Null; negative indices and non-integer keys on
// arrays are ignored and reported as false.
func (o *Object) Set(key, value Value) bool {
	if o.Internal == ObjectArray {
		if !key.IsInt() || key.Int() < 0 {
			return false
		}
		i := int(key.Int())
		for len(o.elems) <= i {
			o.elems = append(o.elems, Null)
		}
		o.elems[i] = value
		return true
	}
	k := key.key()
	if o.fields == nil {
		o.fields = make(map[Value]Value)
	}
	if _, exists := o.fields[k]; !exists {
		o.order = append(o.order, k)
	}
	o.fields[k] = value
	return true
}

// SetString is Set with a string key.
func (o *Object) SetString(name string, value Value) {
	o.Set(FromString(name), value)
}

// Has reports whether key is present.
func (o *Object) Has(key Value) bool {
	_, ok := o.Get(key)
	return ok
}

// Len returns the element count of an array or the field count of an object.
func (o *Object) Len() int {
	if o.Internal == ObjectArray {
		return len(o.elems)
	}
	return len(o.order)
}

// Keys returns field keys in insertion order.
func (o *Object) Keys() []Value {
	return append([]Value(nil), o.order...)
}

// Elements returns the array elements. The slice is shared.
func (o *Object) Elements() []Value {
	return o.elems
}

// Append adds v to the end of an array.
func (o *Object) Append(v Value) {
	o.elems = append(o.elems, v)
}

// ForEach visits fields (or elements, keyed by index) in order.
func (o *Object) ForEach(fn func(key, value Value)) {
	if o.Internal == ObjectArray {
		for i, v := range o.elems {
			fn(FromInt(int64(i)), v)
		}
		return
	}
	for _, k := range o.order {
		fn(k, o.fields[k])
	}
}

// copyFieldsFrom copies every field of src into o.
func (o *Object) copyFieldsFrom(src *Object) {
	src.ForEach(func(k, v Value) {
		o.Set(k, copyValue(v))
	})
}

// Clone returns a shallow copy with the same internal type and prototype.
// Struct-valued fields are cloned recursively.
func (o *Object) Clone() *Object {
	c := &Object{Internal: o.Internal, Prototype: o.Prototype}
	if o.Internal == ObjectArray {
		c.elems = append([]Value(nil), o.elems...)
		return c
	}
	c.copyFieldsFrom(o)
	return c
}

// copyValue implements value semantics for struct instances: they are
// cloned whenever they are assigned. Everything else is shared.
func copyValue(v Value) Value {
	if v.typ != TypeObject {
		return v
	}
	o, ok := v.ref.(*Object)
	if !ok || o.Internal != ObjectStruct {
		return v
	}
	return FromObject(o.Clone())
}

// ---------------------------------------------------------------------------
// Prototype: runtime descriptor of a declared struct or class
// ---------------------------------------------------------------------------

// PrototypeKind selects value (struct) or reference (class) semantics.
type PrototypeKind uint8

const (
	KindStruct PrototypeKind = iota
	KindClass
)

func (k PrototypeKind) String() string {
	if k == KindStruct {
		return "struct"
	}
	return "class"
}

// FieldDecl is a declared field with its default value.
type FieldDecl struct {
	Name    string
	Default Value
}

// Prototype describes a declared struct or class. The embedded Object holds
// the prototype's own members (methods, statics), which instances fall back
// to on lookup misses.
type Prototype struct {
	Object

	Name   string
	Module string
	Kind   PrototypeKind
	Fields []FieldDecl
	Meta   MetaTable
	Super  *Prototype
}

// NewPrototype creates a prototype with an empty meta table.
func NewPrototype(name string, kind PrototypeKind, fields ...FieldDecl) *Prototype {
	return &Prototype{
		Object: Object{Internal: ObjectPrototype},
		Name:   name,
		Kind:   kind,
		Fields: fields,
		Meta:   make(MetaTable),
	}
}

// QualifiedName returns "module.Name" when the prototype belongs to a module.
func (p *Prototype) QualifiedName() string {
	if p.Module == "" {
		return p.Name
	}
	return p.Module + "." + p.Name
}

// SetMeta installs fn as the handler for tag.
func (p *Prototype) SetMeta(tag MetaTag, fn Value) {
	if p.Meta == nil {
		p.Meta = make(MetaTable)
	}
	p.Meta[tag] = fn
}

// LookupMeta searches the prototype chain for tag.
func (p *Prototype) LookupMeta(tag MetaTag) (Value, bool) {
	for c := p; c != nil; c = c.Super {
		if fn, ok := c.Meta[tag]; ok {
			return fn, true
		}
	}
	return Null, false
}

// LookupMember searches the prototype chain's own members.
func (p *Prototype) LookupMember(key Value) (Value, bool) {
	for c := p; c != nil; c = c.Super {
		if v, ok := c.Object.Get(key); ok {
			return v, true
		}
	}
	return Null, false
}

// allFields returns declared fields from the root of the chain down, so
// subclass defaults override inherited ones.
func (p *Prototype) allFields() []FieldDecl {
	if p.Super == nil {
		return p.Fields
	}
	return append(append([]FieldDecl(nil), p.Super.allFields()...), p.Fields...)
}

// Instantiate creates an instance with declared defaults, then copies the
// fields of src (if any) over them. Struct prototypes yield value-type
// instances; class prototypes yield reference instances.
func (p *Prototype) Instantiate(src *Object) *Object {
	inst := &Object{Internal: ObjectPlain, Prototype: p}
	if p.Kind == KindStruct {
		inst.Internal = ObjectStruct
	}
	for _, f := range p.allFields() {
		inst.SetString(f.Name, copyValue(f.Default))
	}
	if src != nil && src.Internal != ObjectArray {
		inst.copyFieldsFrom(src)
	}
	return inst
}
