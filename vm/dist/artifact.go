// Package dist defines the wire form of compiled programs. A compile
// serializes to a self-contained CBOR artifact (a .dycb file) carrying the
// script function, every struct type, trait, and method the program
// declared, and the SHA-256 of the source it was compiled from. The
// compile cache stores artifacts by that hash; loading one back yields a
// runnable program without touching the compiler.
package dist

import (
	"fmt"
	"sort"

	"github.com/jimingmin/DynaC/vm"
)

// Extension is the conventional file suffix for serialized artifacts.
const Extension = ".dycb"

// FormatVersion is bumped whenever the wire form changes incompatibly.
const FormatVersion = 1

const artifactMagic = "DYCB"

// Artifact is the top-level wire message: one compiled program.
type Artifact struct {
	Magic      string      `cbor:"1,keyasint"`
	Version    uint8       `cbor:"2,keyasint"`
	SourceHash [32]byte    `cbor:"3,keyasint"`
	Script     Function    `cbor:"4,keyasint"`
	Types      []StructDef `cbor:"5,keyasint,omitempty"`
	Traits     []TraitDef  `cbor:"6,keyasint,omitempty"`
	Methods    []MethodDef `cbor:"7,keyasint,omitempty"`
}

// Function is a serialized function prototype. Nested function constants
// carry their own prototypes, so one Function transports a whole closure
// tree.
type Function struct {
	Name      string     `cbor:"1,keyasint,omitempty"`
	Arity     int        `cbor:"2,keyasint"`
	Code      []byte     `cbor:"3,keyasint"`
	Lines     []int      `cbor:"4,keyasint,omitempty"`
	Constants []Constant `cbor:"5,keyasint,omitempty"`
	Upvalues  []Upvalue  `cbor:"6,keyasint,omitempty"`
}

// Upvalue mirrors a capture descriptor.
type Upvalue struct {
	Index   uint8 `cbor:"1,keyasint"`
	IsLocal bool  `cbor:"2,keyasint,omitempty"`
}

// ConstantKind tags the payload of a serialized constant.
type ConstantKind uint8

const (
	ConstNil      ConstantKind = 0
	ConstBool     ConstantKind = 1
	ConstNumber   ConstantKind = 2
	ConstString   ConstantKind = 3
	ConstFunction ConstantKind = 4
)

// Constant is one constant-pool entry. Only the field matching Kind is
// meaningful.
type Constant struct {
	Kind     ConstantKind `cbor:"1,keyasint"`
	Bool     bool         `cbor:"2,keyasint,omitempty"`
	Number   float64      `cbor:"3,keyasint,omitempty"`
	String   string       `cbor:"4,keyasint,omitempty"`
	Function *Function    `cbor:"5,keyasint,omitempty"`
}

// StructDef is a serialized struct type: name plus ordered fields.
type StructDef struct {
	Name   string   `cbor:"1,keyasint"`
	Fields []string `cbor:"2,keyasint,omitempty"`
}

// TraitDef is a serialized trait declaration.
type TraitDef struct {
	Name    string     `cbor:"1,keyasint"`
	Methods []TraitSig `cbor:"2,keyasint,omitempty"`
}

// TraitSig is one method signature out of a trait.
type TraitSig struct {
	Name  string `cbor:"1,keyasint"`
	Arity int    `cbor:"2,keyasint"`
}

// MethodDef binds a compiled method body to a struct type.
type MethodDef struct {
	TypeName string   `cbor:"1,keyasint"`
	Name     string   `cbor:"2,keyasint"`
	Body     Function `cbor:"3,keyasint"`
}

// Build converts a compiled program into its wire form, stamped with the
// hash of the source it came from. Declarations are sorted by name so the
// same compile always produces byte-identical artifacts.
func Build(program *vm.Program, source string) (*Artifact, error) {
	script, err := functionWire(program.Script)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		Magic:      artifactMagic,
		Version:    FormatVersion,
		SourceHash: HashSource(source),
		Script:     script,
	}

	typeNames := program.Types.All()
	sort.Strings(typeNames)
	for _, name := range typeNames {
		st, _ := program.Types.Lookup(name)
		a.Types = append(a.Types, StructDef{
			Name:   st.Name,
			Fields: append([]string(nil), st.FieldNames...),
		})
	}

	traitNames := program.Traits.All()
	sort.Strings(traitNames)
	for _, name := range traitNames {
		t, _ := program.Traits.Lookup(name)
		td := TraitDef{Name: t.Name}
		for _, m := range t.Methods {
			td.Methods = append(td.Methods, TraitSig{Name: m.Name, Arity: m.Arity})
		}
		a.Traits = append(a.Traits, td)
	}

	methodTypes := program.Methods.Types()
	sort.Strings(methodTypes)
	for _, typeName := range methodTypes {
		methodNames := program.Methods.MethodsFor(typeName)
		sort.Strings(methodNames)
		for _, methodName := range methodNames {
			fn, _ := program.Methods.Lookup(typeName, methodName)
			body, err := functionWire(fn)
			if err != nil {
				return nil, fmt.Errorf("dist: method %s.%s: %w", typeName, methodName, err)
			}
			a.Methods = append(a.Methods, MethodDef{
				TypeName: typeName,
				Name:     methodName,
				Body:     body,
			})
		}
	}

	return a, nil
}

// Program reconstructs a runnable program from the artifact. The returned
// program's objects are unlinked, exactly like a fresh compile; the VM
// adopts them on Interpret.
func (a *Artifact) Program() (*vm.Program, error) {
	types := vm.NewTypeRegistry()
	for _, sd := range a.Types {
		if err := types.Register(vm.NewStructType(sd.Name, sd.Fields)); err != nil {
			return nil, fmt.Errorf("dist: restore struct type: %w", err)
		}
	}

	traits := vm.NewTraitRegistry()
	for _, td := range a.Traits {
		t := vm.NewTrait(td.Name)
		for _, sig := range td.Methods {
			t.AddMethod(sig.Name, sig.Arity)
		}
		if err := traits.Register(t); err != nil {
			return nil, fmt.Errorf("dist: restore trait: %w", err)
		}
	}

	methods := vm.NewMethodTable()
	for _, md := range a.Methods {
		body, err := md.Body.prototype()
		if err != nil {
			return nil, fmt.Errorf("dist: method %s.%s: %w", md.TypeName, md.Name, err)
		}
		if err := methods.Register(md.TypeName, md.Name, body); err != nil {
			return nil, fmt.Errorf("dist: restore method: %w", err)
		}
	}

	script, err := a.Script.prototype()
	if err != nil {
		return nil, err
	}

	return &vm.Program{
		Script:  script,
		Types:   types,
		Traits:  traits,
		Methods: methods,
	}, nil
}

// functionWire lowers a prototype, recursing into function constants.
func functionWire(fn *vm.ObjFunction) (Function, error) {
	w := Function{
		Name:  fn.Name,
		Arity: fn.Arity,
		Code:  append([]byte(nil), fn.Chunk.Code...),
		Lines: append([]int(nil), fn.Chunk.Lines...),
	}
	for _, d := range fn.Upvalues {
		w.Upvalues = append(w.Upvalues, Upvalue{Index: d.Index, IsLocal: d.IsLocal})
	}
	for i, constant := range fn.Chunk.Constants {
		cw, err := constantWire(constant)
		if err != nil {
			return Function{}, fmt.Errorf("dist: constant %d of %s: %w", i, fn.DisplayName(), err)
		}
		w.Constants = append(w.Constants, cw)
	}
	return w, nil
}

func constantWire(v vm.Value) (Constant, error) {
	switch {
	case v.IsNil():
		return Constant{Kind: ConstNil}, nil
	case v.IsBool():
		return Constant{Kind: ConstBool, Bool: v.AsBool()}, nil
	case v.IsNumber():
		return Constant{Kind: ConstNumber, Number: v.AsNumber()}, nil
	case v.IsString():
		return Constant{Kind: ConstString, String: v.AsString().Content}, nil
	case v.IsObjectKind(vm.ObjFunctionKind):
		nested, err := functionWire(v.AsObject().AsFunction())
		if err != nil {
			return Constant{}, err
		}
		return Constant{Kind: ConstFunction, Function: &nested}, nil
	default:
		return Constant{}, fmt.Errorf("unsupported constant kind %s", v.Kind)
	}
}

// prototype rebuilds a vm function from its wire form.
func (w *Function) prototype() (*vm.ObjFunction, error) {
	if len(w.Lines) != 0 && len(w.Lines) != len(w.Code) {
		return nil, fmt.Errorf("dist: function %q: %d line entries for %d code bytes", w.Name, len(w.Lines), len(w.Code))
	}

	fn := vm.NewFunction(w.Name, w.Arity)
	fn.Chunk.Code = append([]byte(nil), w.Code...)
	fn.Chunk.Lines = append([]int(nil), w.Lines...)
	if len(fn.Chunk.Lines) == 0 && len(fn.Chunk.Code) > 0 {
		fn.Chunk.Lines = make([]int, len(fn.Chunk.Code))
	}
	for _, d := range w.Upvalues {
		fn.Upvalues = append(fn.Upvalues, vm.UpvalueDescriptor{Index: d.Index, IsLocal: d.IsLocal})
	}
	for i, cw := range w.Constants {
		v, err := cw.value()
		if err != nil {
			return nil, fmt.Errorf("dist: constant %d of %q: %w", i, w.Name, err)
		}
		fn.Chunk.Constants = append(fn.Chunk.Constants, v)
	}
	return fn, nil
}

func (c *Constant) value() (vm.Value, error) {
	switch c.Kind {
	case ConstNil:
		return vm.NilValue(), nil
	case ConstBool:
		return vm.BoolValue(c.Bool), nil
	case ConstNumber:
		return vm.NumberValue(c.Number), nil
	case ConstString:
		return vm.ObjectValue(vm.NewStringObject(c.String)), nil
	case ConstFunction:
		if c.Function == nil {
			return vm.Value{}, fmt.Errorf("function constant with no body")
		}
		fn, err := c.Function.prototype()
		if err != nil {
			return vm.Value{}, err
		}
		return vm.ObjectValue(vm.NewFunctionObject(fn)), nil
	default:
		return vm.Value{}, fmt.Errorf("unknown constant kind %d", c.Kind)
	}
}
