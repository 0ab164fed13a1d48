package image

import (
	"fmt"
	"math"
	"sort"

	"github.com/chazu/zrvm/vm"
)

// EncodeFunction serializes fn and everything reachable from its children
// and constants.
func EncodeFunction(fn *vm.Function) ([]byte, error) {
	e := newEncoder("")
	idx, err := e.function(fn)
	if err != nil {
		return nil, err
	}
	e.img.Entry = idx
	return Marshal(e.img)
}

// EncodeModule serializes a module's entry function and exports, in
// definition order.
func EncodeModule(m *vm.Module) ([]byte, error) {
	e := newEncoder(m.Name)
	if m.Entry != nil {
		idx, err := e.function(m.Entry)
		if err != nil {
			return nil, err
		}
		e.img.Entry = idx
	}
	for _, name := range m.ExportNames() {
		v, _ := m.Lookup(name)
		c, err := e.value(v)
		if err != nil {
			return nil, fmt.Errorf("image: export %s: %w", name, err)
		}
		e.img.Exports = append(e.img.Exports, ExportRecord{Name: name, Value: c})
	}
	return Marshal(e.img)
}

type encoder struct {
	img    *Image
	funcs  map[*vm.Function]int
	protos map[*vm.Prototype]int
}

func newEncoder(module string) *encoder {
	return &encoder{
		img:    &Image{Version: Version, Module: module, Entry: noIndex},
		funcs:  make(map[*vm.Function]int),
		protos: make(map[*vm.Prototype]int),
	}
}

// function appends fn's record and returns its index. The index is
// reserved before constants are visited so self references terminate.
func (e *encoder) function(fn *vm.Function) (int, error) {
	if idx, ok := e.funcs[fn]; ok {
		return idx, nil
	}
	idx := len(e.img.Functions)
	e.funcs[fn] = idx
	e.img.Functions = append(e.img.Functions, FunctionRecord{})

	rec := FunctionRecord{
		Name:       fn.Name,
		Module:     fn.Module,
		ParamCount: fn.ParamCount,
		Variadic:   fn.Variadic,
		StackSize:  fn.StackSize,
		Code:       make([]uint64, len(fn.Instructions)),
	}
	for i, in := range fn.Instructions {
		rec.Code[i] = uint64(in)
	}
	for i, k := range fn.Constants {
		c, err := e.value(k)
		if err != nil {
			return 0, fmt.Errorf("image: %s constant %d: %w", fn.Name, i, err)
		}
		rec.Constants = append(rec.Constants, c)
	}
	for _, child := range fn.Children {
		ci, err := e.function(child)
		if err != nil {
			return 0, err
		}
		rec.Children = append(rec.Children, ci)
	}
	for _, cv := range fn.ClosureVars {
		rec.ClosureVars = append(rec.ClosureVars, ClosureVarRecord{
			Name:          cv.Name,
			InStack:       cv.InStack,
			FromEnclosing: cv.FromEnclosing,
			Index:         cv.Index,
		})
	}
	for _, l := range fn.Locals {
		rec.Locals = append(rec.Locals, LocalRecord{Name: l.Name, Slot: l.Slot, StartPC: l.StartPC, EndPC: l.EndPC})
	}

	e.img.Functions[idx] = rec
	return idx, nil
}

func (e *encoder) prototype(p *vm.Prototype) (int, error) {
	if idx, ok := e.protos[p]; ok {
		return idx, nil
	}
	idx := len(e.img.Prototypes)
	e.protos[p] = idx
	e.img.Prototypes = append(e.img.Prototypes, PrototypeRecord{})

	rec := PrototypeRecord{
		Name:   p.Name,
		Module: p.Module,
		Kind:   uint8(p.Kind),
		Super:  noIndex,
	}
	if p.Super != nil {
		si, err := e.prototype(p.Super)
		if err != nil {
			return 0, err
		}
		rec.Super = si
	}
	for _, f := range p.Fields {
		c, err := e.value(f.Default)
		if err != nil {
			return 0, fmt.Errorf("image: %s.%s default: %w", p.Name, f.Name, err)
		}
		rec.Fields = append(rec.Fields, FieldRecord{Name: f.Name, Default: c})
	}
	for _, key := range p.Object.Keys() {
		v, _ := p.Object.Get(key)
		kc, err := e.value(key)
		if err != nil {
			return 0, fmt.Errorf("image: %s member key: %w", p.Name, err)
		}
		vc, err := e.value(v)
		if err != nil {
			return 0, fmt.Errorf("image: %s member %v: %w", p.Name, key, err)
		}
		rec.Members = append(rec.Members, MemberRecord{Key: kc, Value: vc})
	}

	tags := make([]vm.MetaTag, 0, len(p.Meta))
	for tag := range p.Meta {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].String() < tags[j].String() })
	for _, tag := range tags {
		c, err := e.value(p.Meta[tag])
		if err != nil {
			return 0, fmt.Errorf("image: %s meta %s: %w", p.Name, tag, err)
		}
		rec.Meta = append(rec.Meta, MetaRecord{Tag: tag.String(), Handler: c})
	}

	e.img.Prototypes[idx] = rec
	return idx, nil
}

// value converts a constant. Natives, plain objects, arrays and closures
// with captures have no portable form.
func (e *encoder) value(v vm.Value) (Constant, error) {
	c := Constant{Type: uint8(v.Type())}
	switch {
	case v.IsNull():
	case v.IsBool():
		if v.Bool() {
			c.Bits = 1
		}
	case v.IsInt():
		c.Bits = v.UInt()
	case v.IsFloat():
		c.Bits = math.Float64bits(v.Float())
	case v.IsString():
		c.Str = v.Str()
	case v.IsFunction():
		idx, err := e.function(v.Function())
		if err != nil {
			return c, err
		}
		c.Ref = idx
	case v.IsClosure():
		cl := v.Closure()
		if cl.IsNative() || len(cl.Upvalues) > 0 {
			return c, fmt.Errorf("closure %s: %w", cl.Name(), ErrUnencodable)
		}
		idx, err := e.function(cl.Function)
		if err != nil {
			return c, err
		}
		c.Type = uint8(vm.TypeFunction)
		c.Ref = idx
	default:
		p, ok := v.Prototype()
		if !ok {
			return c, fmt.Errorf("%s value: %w", v.Type(), ErrUnencodable)
		}
		idx, err := e.prototype(p)
		if err != nil {
			return c, err
		}
		c.Ref = idx
	}
	return c, nil
}
