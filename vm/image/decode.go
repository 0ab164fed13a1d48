package image

import (
	"fmt"
	"math"

	"github.com/chazu/zrvm/vm"
)

// DecodeFunction rebuilds the entry function of an encoded image.
func DecodeFunction(data []byte) (*vm.Function, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	d, err := newDecoder(img)
	if err != nil {
		return nil, err
	}
	if img.Entry == noIndex {
		return nil, fmt.Errorf("image: no entry function: %w", ErrBadReference)
	}
	return d.funcs[img.Entry], nil
}

// DecodeModule rebuilds a module. The result's Hash is the content hash
// of data.
func DecodeModule(data []byte) (*vm.Module, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	d, err := newDecoder(img)
	if err != nil {
		return nil, err
	}

	m := vm.NewModule(img.Module)
	m.Hash = Hash(data)
	if img.Entry != noIndex {
		m.Entry = d.funcs[img.Entry]
	}
	for _, ex := range img.Exports {
		v, err := d.value(ex.Value)
		if err != nil {
			return nil, fmt.Errorf("image: export %s: %w", ex.Name, err)
		}
		m.Export(ex.Name, v)
	}
	return m, nil
}

type decoder struct {
	img    *Image
	funcs  []*vm.Function
	protos []*vm.Prototype
}

// newDecoder allocates every function and prototype up front, then fills
// them in, so references may point forward or back.
func newDecoder(img *Image) (*decoder, error) {
	if img.Entry != noIndex && (img.Entry < 0 || img.Entry >= len(img.Functions)) {
		return nil, fmt.Errorf("image: entry %d: %w", img.Entry, ErrBadReference)
	}
	d := &decoder{
		img:    img,
		funcs:  make([]*vm.Function, len(img.Functions)),
		protos: make([]*vm.Prototype, len(img.Prototypes)),
	}
	for i := range d.funcs {
		d.funcs[i] = &vm.Function{}
	}
	for i, rec := range img.Prototypes {
		d.protos[i] = vm.NewPrototype(rec.Name, vm.PrototypeKind(rec.Kind))
	}

	for i, rec := range img.Functions {
		if err := d.fillFunction(d.funcs[i], rec); err != nil {
			return nil, err
		}
	}
	for i, rec := range img.Prototypes {
		if err := d.fillPrototype(d.protos[i], rec); err != nil {
			return nil, err
		}
	}
	for _, p := range d.protos {
		steps := 0
		for c := p.Super; c != nil; c = c.Super {
			if steps++; steps > len(d.protos) {
				return nil, fmt.Errorf("image: %s: cyclic super chain: %w", p.Name, ErrBadReference)
			}
		}
	}
	return d, nil
}

func (d *decoder) fillFunction(fn *vm.Function, rec FunctionRecord) error {
	fn.Name = rec.Name
	fn.Module = rec.Module
	fn.ParamCount = rec.ParamCount
	fn.Variadic = rec.Variadic
	fn.StackSize = rec.StackSize
	fn.Instructions = make([]vm.Instruction, len(rec.Code))
	for i, w := range rec.Code {
		fn.Instructions[i] = vm.Instruction(w)
	}
	for i, c := range rec.Constants {
		v, err := d.value(c)
		if err != nil {
			return fmt.Errorf("image: %s constant %d: %w", rec.Name, i, err)
		}
		fn.Constants = append(fn.Constants, v)
	}
	for _, ci := range rec.Children {
		if ci < 0 || ci >= len(d.funcs) {
			return fmt.Errorf("image: %s child %d: %w", rec.Name, ci, ErrBadReference)
		}
		fn.Children = append(fn.Children, d.funcs[ci])
	}
	for _, cv := range rec.ClosureVars {
		fn.ClosureVars = append(fn.ClosureVars, vm.ClosureVar{
			Name:          cv.Name,
			InStack:       cv.InStack,
			FromEnclosing: cv.FromEnclosing,
			Index:         cv.Index,
		})
	}
	for _, l := range rec.Locals {
		fn.Locals = append(fn.Locals, vm.LocalVar{Name: l.Name, Slot: l.Slot, StartPC: l.StartPC, EndPC: l.EndPC})
	}
	if err := fn.Check(); err != nil {
		return fmt.Errorf("image: %w: %w", err, ErrBadReference)
	}
	return nil
}

func (d *decoder) fillPrototype(p *vm.Prototype, rec PrototypeRecord) error {
	p.Module = rec.Module
	if rec.Super != noIndex {
		if rec.Super < 0 || rec.Super >= len(d.protos) {
			return fmt.Errorf("image: %s super %d: %w", rec.Name, rec.Super, ErrBadReference)
		}
		p.Super = d.protos[rec.Super]
	}
	for _, f := range rec.Fields {
		v, err := d.value(f.Default)
		if err != nil {
			return fmt.Errorf("image: %s.%s default: %w", rec.Name, f.Name, err)
		}
		p.Fields = append(p.Fields, vm.FieldDecl{Name: f.Name, Default: v})
	}
	for _, mem := range rec.Members {
		k, err := d.value(mem.Key)
		if err != nil {
			return err
		}
		v, err := d.value(mem.Value)
		if err != nil {
			return err
		}
		p.Object.Set(k, v)
	}
	for _, mr := range rec.Meta {
		tag, ok := vm.ParseMetaTag(mr.Tag)
		if !ok {
			return fmt.Errorf("image: %s: unknown meta tag %q", rec.Name, mr.Tag)
		}
		v, err := d.value(mr.Handler)
		if err != nil {
			return err
		}
		p.SetMeta(tag, v)
	}
	return nil
}

func (d *decoder) value(c Constant) (vm.Value, error) {
	switch vm.ValueType(c.Type) {
	case vm.TypeNull:
		return vm.Null, nil
	case vm.TypeBool:
		return vm.FromBool(c.Bits != 0), nil
	case vm.TypeInt8:
		return vm.FromInt8(int8(c.Bits)), nil
	case vm.TypeInt16:
		return vm.FromInt16(int16(c.Bits)), nil
	case vm.TypeInt32:
		return vm.FromInt32(int32(c.Bits)), nil
	case vm.TypeInt64:
		return vm.FromInt(int64(c.Bits)), nil
	case vm.TypeUInt8:
		return vm.FromUInt8(uint8(c.Bits)), nil
	case vm.TypeUInt16:
		return vm.FromUInt16(uint16(c.Bits)), nil
	case vm.TypeUInt32:
		return vm.FromUInt32(uint32(c.Bits)), nil
	case vm.TypeUInt64:
		return vm.FromUInt(c.Bits), nil
	case vm.TypeFloat32:
		return vm.FromFloat32(float32(math.Float64frombits(c.Bits))), nil
	case vm.TypeFloat64:
		return vm.FromFloat(math.Float64frombits(c.Bits)), nil
	case vm.TypeString:
		return vm.FromString(c.Str), nil
	case vm.TypeFunction:
		if c.Ref < 0 || c.Ref >= len(d.funcs) {
			return vm.Null, fmt.Errorf("function %d: %w", c.Ref, ErrBadReference)
		}
		return vm.FromFunction(d.funcs[c.Ref]), nil
	case vm.TypeObject:
		if c.Ref < 0 || c.Ref >= len(d.protos) {
			return vm.Null, fmt.Errorf("prototype %d: %w", c.Ref, ErrBadReference)
		}
		return vm.FromPrototype(d.protos[c.Ref]), nil
	}
	return vm.Null, fmt.Errorf("value type %d: %w", c.Type, ErrUnencodable)
}
