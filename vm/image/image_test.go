package image

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/chazu/zrvm/vm"
)

// sumFn builds f(n) = n == 0 ? 0 : n + f(n-1). The function refers to
// itself through its constant pool.
func sumFn() *vm.Function {
	b := vm.NewFunctionBuilder("sum", 1).SetStackSize(4)
	base := b.NewLabel()
	b.LoadConst(1, vm.FromInt(0))
	b.Emit2(vm.OpLogicalEqual, 2, 0, 1)
	b.EmitJump(vm.OpJumpIf, 2, base)

	self := b.AddConstant(vm.Null)
	b.Emit1(vm.OpGetConstant, 1, self)
	b.LoadConst(3, vm.FromInt(1))
	b.Emit2(vm.OpSubInt, 2, 0, 3)
	b.Emit2(vm.OpFunctionCall, 1, 1, 1)
	b.Emit2(vm.OpAddInt, 0, 0, 1)
	b.Return(0)

	b.Mark(base)
	b.Return(1)
	b.AddLocal("n", 0, 0, b.Len())

	fn := b.Build()
	fn.Constants[self] = vm.FromFunction(fn)
	return fn
}

func run(t *testing.T, fn *vm.Function, args ...vm.Value) vm.Value {
	t.Helper()
	s := vm.NewState(vm.Config{StackSize: 64})
	results, err := s.Call(context.Background(), vm.FromFunction(fn), args...)
	if err != nil {
		t.Fatalf("%s: %v", fn.Name, err)
	}
	if len(results) == 0 {
		return vm.Null
	}
	return results[0]
}

func TestFunctionRoundTrip(t *testing.T) {
	data, err := EncodeFunction(sumFn())
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	fn, err := DecodeFunction(data)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}

	if fn.Name != "sum" || fn.ParamCount != 1 || fn.StackSize != 4 {
		t.Errorf("decoded header = %s/%d/%d", fn.Name, fn.ParamCount, fn.StackSize)
	}
	if len(fn.Locals) != 1 || fn.Locals[0].Name != "n" {
		t.Errorf("locals = %+v", fn.Locals)
	}
	if self := fn.Constants[1]; !self.IsFunction() || self.Function() != fn {
		t.Errorf("self reference not restored: %v", self)
	}
	if got := run(t, fn, vm.FromInt(10)); got.Int() != 55 {
		t.Errorf("sum(10) = %v, want 55", got)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	a, err := EncodeFunction(sumFn())
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeFunction(sumFn())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("equal functions encoded differently")
	}
	if Hash(a) != Hash(b) {
		t.Errorf("equal encodings hash differently")
	}

	// Re-encoding a decoded image reproduces the bytes.
	fn, err := DecodeFunction(a)
	if err != nil {
		t.Fatal(err)
	}
	c, err := EncodeFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, c) {
		t.Errorf("decode/encode changed the image")
	}
}

func TestConstantTypesSurvive(t *testing.T) {
	consts := []vm.Value{
		vm.Null, vm.True, vm.False,
		vm.FromInt8(-8), vm.FromInt16(-16), vm.FromInt32(-32), vm.FromInt(math.MinInt64),
		vm.FromUInt8(8), vm.FromUInt16(16), vm.FromUInt32(32), vm.FromUInt(math.MaxUint64),
		vm.FromFloat32(1.5), vm.FromFloat(math.Inf(-1)), vm.FromString("héllo"),
	}
	b := vm.NewFunctionBuilder("consts", 0).SetStackSize(1)
	for _, c := range consts {
		b.AddConstant(c)
	}
	b.Return(0)

	data, err := EncodeFunction(b.Build())
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	fn, err := DecodeFunction(data)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	for i, want := range consts {
		got := fn.Constants[i]
		if got.Type() != want.Type() || !vm.RawEqual(got, want) {
			t.Errorf("constant %d = %v (%s), want %v (%s)", i, got, got.Type(), want, want.Type())
		}
	}
}

func TestChildrenAndClosureVars(t *testing.T) {
	child := vm.NewFunctionBuilder("inner", 0).SetStackSize(1)
	child.AddClosureVar(vm.ClosureVar{Name: "x", InStack: true, Index: 0})
	child.Emit1(vm.OpGetUpval, 0, 0)
	child.Return(0)

	inner := child.Build()
	outer := vm.NewFunctionBuilder("outer", 1).SetStackSize(2)
	outer.AddChild(inner)
	outer.Emit2(vm.OpCreateClosure, 1, outer.AddConstant(vm.FromFunction(inner)), 1)
	outer.Emit2(vm.OpFunctionCall, 1, 1, 0)
	outer.Return(1)

	data, err := EncodeFunction(outer.Build())
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	fn, err := DecodeFunction(data)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	if len(fn.Children) != 1 || len(fn.Children[0].ClosureVars) != 1 {
		t.Fatalf("children = %+v", fn.Children)
	}
	if fn.Constants[0].Function() != fn.Children[0] {
		t.Errorf("constant and child decoded as separate functions")
	}
	if cv := fn.Children[0].ClosureVars[0]; cv.Name != "x" || !cv.InStack {
		t.Errorf("closure var = %+v", cv)
	}
	if got := run(t, fn, vm.FromString("captured")); got.Str() != "captured" {
		t.Errorf("outer(captured) = %v", got)
	}
}

func TestModuleRoundTrip(t *testing.T) {
	base := vm.NewPrototype("Shape", vm.KindClass)
	area := vm.NewFunctionBuilder("area", 1).SetStackSize(1)
	area.LoadConst(0, vm.FromFloat(0))
	area.Return(0)
	base.SetString("area", vm.FromFunction(area.Build()))

	point := vm.NewPrototype("Point", vm.KindStruct,
		vm.FieldDecl{Name: "x", Default: vm.FromInt(0)},
		vm.FieldDecl{Name: "y", Default: vm.FromInt(0)})
	point.Super = base
	toStr := vm.NewFunctionBuilder("pointString", 1).SetStackSize(1)
	toStr.LoadConst(0, vm.FromString("<point>"))
	toStr.Return(0)
	point.SetMeta(vm.MetaToString, vm.FromFunction(toStr.Build()))
	point.SetMeta(vm.MetaAdd, vm.FromFunction(area.Build()))

	m := vm.NewModule("geo")
	m.Entry = sumFn()
	m.Export("Point", vm.FromPrototype(point))
	m.Export("Shape", vm.FromPrototype(base))
	m.Export("origin", vm.FromString("0,0"))

	data, err := EncodeModule(m)
	if err != nil {
		t.Fatalf("EncodeModule: %v", err)
	}
	got, err := DecodeModule(data)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}

	if got.Name != "geo" || got.Hash != Hash(data) {
		t.Errorf("module = %s hash %x", got.Name, got.Hash[:4])
	}
	if run(t, got.Entry, vm.FromInt(3)).Int() != 6 {
		t.Errorf("entry did not survive")
	}

	pv, _ := got.Lookup("Point")
	sv, _ := got.Lookup("Shape")
	p, ok := pv.Prototype()
	if !ok {
		t.Fatalf("Point export = %v", pv)
	}
	shape, _ := sv.Prototype()
	if p.Super != shape {
		t.Errorf("Point.Super is not the exported Shape")
	}
	if p.Kind != vm.KindStruct || p.Module != "geo" || len(p.Fields) != 2 || p.Fields[1].Name != "y" {
		t.Errorf("Point = kind %s module %q fields %+v", p.Kind, p.Module, p.Fields)
	}
	if _, ok := p.LookupMember(vm.FromString("area")); !ok {
		t.Errorf("inherited member area missing")
	}
	if _, ok := p.LookupMeta(vm.MetaToString); !ok || len(p.Meta) != 2 {
		t.Errorf("meta table = %v", p.Meta)
	}
	if v, _ := got.Lookup("origin"); v.Str() != "0,0" {
		t.Errorf("origin = %v", v)
	}
}

func TestModuleWithoutEntry(t *testing.T) {
	m := vm.NewModule("consts")
	m.Export("answer", vm.FromInt(42))
	data, err := EncodeModule(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeModule(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Entry != nil {
		t.Errorf("Entry = %v, want nil", got.Entry)
	}
	if _, err := DecodeFunction(data); !errors.Is(err, ErrBadReference) {
		t.Errorf("DecodeFunction of an entryless image: %v", err)
	}
}

func TestUnencodableValues(t *testing.T) {
	tests := []struct {
		name string
		v    vm.Value
	}{
		{"native", vm.FromNative("print", func(s *vm.State, args []vm.Value) (vm.Value, error) { return vm.Null, nil })},
		{"object", vm.FromObject(vm.NewObject(nil))},
		{"array", vm.FromObject(vm.NewArray(nil))},
	}
	for _, tt := range tests {
		b := vm.NewFunctionBuilder(tt.name, 0)
		b.AddConstant(tt.v)
		b.Return(0)
		if _, err := EncodeFunction(b.Build()); !errors.Is(err, ErrUnencodable) {
			t.Errorf("%s: error = %v, want ErrUnencodable", tt.name, err)
		}
	}
}

func TestDecodeRejectsBadImages(t *testing.T) {
	if _, err := DecodeFunction([]byte{0xff, 0x00}); err == nil {
		t.Errorf("garbage decoded")
	}

	future, err := Marshal(&Image{Version: Version + 1, Entry: noIndex})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFunction(future); !errors.Is(err, ErrVersion) {
		t.Errorf("future version: %v", err)
	}

	dangling, err := Marshal(&Image{
		Version:   Version,
		Entry:     0,
		Functions: []FunctionRecord{{Name: "f", Children: []int{7}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFunction(dangling); !errors.Is(err, ErrBadReference) {
		t.Errorf("dangling child: %v", err)
	}

	badRef, err := Marshal(&Image{
		Version: Version,
		Entry:   0,
		Functions: []FunctionRecord{{
			Name:      "f",
			Constants: []Constant{{Type: uint8(vm.TypeObject), Ref: 3}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFunction(badRef); !errors.Is(err, ErrBadReference) {
		t.Errorf("dangling prototype: %v", err)
	}

	malformed := map[string]FunctionRecord{
		"negative params":    {Name: "f", ParamCount: -3, Variadic: true},
		"negative registers": {Name: "f", StackSize: -1},
		"negative capture":   {Name: "f", ClosureVars: []ClosureVarRecord{{Name: "x", InStack: true, Index: -2}}},
		"local out of frame": {Name: "f", StackSize: 1, Locals: []LocalRecord{{Name: "n", Slot: 4}}},
	}
	for name, rec := range malformed {
		data, err := Marshal(&Image{Version: Version, Entry: 0, Functions: []FunctionRecord{rec}})
		if err != nil {
			t.Fatal(err)
		}
		_, err = DecodeFunction(data)
		if !errors.Is(err, ErrBadReference) || !errors.Is(err, vm.ErrMalformedFunction) {
			t.Errorf("%s: %v", name, err)
		}
	}

	cyclic, err := Marshal(&Image{
		Version: Version,
		Entry:   noIndex,
		Prototypes: []PrototypeRecord{
			{Name: "A", Kind: uint8(vm.KindClass), Super: 1},
			{Name: "B", Kind: uint8(vm.KindClass), Super: 0},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeModule(cyclic); !errors.Is(err, ErrBadReference) {
		t.Errorf("cyclic super chain: %v", err)
	}
}
