package vm

import "fmt"

// ObjKind identifies the concrete payload behind an Obj header.
type ObjKind uint8

const (
	ObjStringKind ObjKind = iota
	ObjFunctionKind
	ObjClosureKind
	ObjUpvalueKind
	ObjStructInstanceKind
	ObjNativeKind
)

// String returns a human-readable kind name.
func (k ObjKind) String() string {
	switch k {
	case ObjStringKind:
		return "string"
	case ObjFunctionKind:
		return "function"
	case ObjClosureKind:
		return "closure"
	case ObjUpvalueKind:
		return "upvalue"
	case ObjStructInstanceKind:
		return "struct instance"
	case ObjNativeKind:
		return "native"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Obj: common heap object header
// ---------------------------------------------------------------------------

// Obj is the header every GC-managed object carries: the payload kind, the
// collector's mark bit, the intrusive link into the VM's object list, and
// the byte size accounted at allocation time.
type Obj struct {
	Kind    ObjKind
	marked  bool
	next    *Obj
	size    int
	payload any
}

// NewObj wraps a concrete payload in a header. The object is not yet
// tracked by any VM; the allocator links it and accounts its size.
func NewObj(kind ObjKind, payload any) *Obj {
	return &Obj{Kind: kind, payload: payload}
}

// Size returns the byte size accounted for this object.
func (o *Obj) Size() int {
	return o.size
}

// AsString returns the string payload. Panics on kind mismatch.
func (o *Obj) AsString() *ObjString {
	return o.payload.(*ObjString)
}

// AsFunction returns the function payload. Panics on kind mismatch.
func (o *Obj) AsFunction() *ObjFunction {
	return o.payload.(*ObjFunction)
}

// AsClosure returns the closure payload. Panics on kind mismatch.
func (o *Obj) AsClosure() *ObjClosure {
	return o.payload.(*ObjClosure)
}

// AsUpvalue returns the upvalue payload. Panics on kind mismatch.
func (o *Obj) AsUpvalue() *ObjUpvalue {
	return o.payload.(*ObjUpvalue)
}

// AsStructInstance returns the struct instance payload. Panics on kind mismatch.
func (o *Obj) AsStructInstance() *ObjStructInstance {
	return o.payload.(*ObjStructInstance)
}

// AsNative returns the native payload. Panics on kind mismatch.
func (o *Obj) AsNative() *ObjNative {
	return o.payload.(*ObjNative)
}

// ---------------------------------------------------------------------------
// Concrete object payloads
// ---------------------------------------------------------------------------

// ObjString is an interned, immutable string. The VM's intern table
// guarantees one live ObjString per distinct content, which makes object
// identity equivalent to content equality.
type ObjString struct {
	Content string
}

// NewStringObject wraps content in an unlinked string object. Callers that
// need interning go through a Machine or a compile-time intern map; the VM
// canonicalizes adopted strings when it loads a program.
func NewStringObject(content string) *Obj {
	return NewObj(ObjStringKind, &ObjString{Content: content})
}

// UpvalueDescriptor tells a Closure how to capture one enclosing variable:
// from the creating frame's local slot (IsLocal) or from the creating
// closure's own upvalue list.
type UpvalueDescriptor struct {
	Index   uint8
	IsLocal bool
}

// ObjFunction is a compiled function prototype: code plus everything the
// VM needs to instantiate closures over it. The top-level script is a
// function with an empty name.
type ObjFunction struct {
	Arity    int
	Name     string
	Chunk    *Chunk
	Upvalues []UpvalueDescriptor
}

// NewFunction creates an empty prototype with a fresh chunk.
func NewFunction(name string, arity int) *ObjFunction {
	return &ObjFunction{Name: name, Arity: arity, Chunk: NewChunk()}
}

// NewFunctionObject wraps a prototype in an unlinked object header, the
// form function constants take inside a chunk.
func NewFunctionObject(fn *ObjFunction) *Obj {
	return NewObj(ObjFunctionKind, fn)
}

// UpvalueCount returns the number of upvalue descriptors.
func (f *ObjFunction) UpvalueCount() int {
	return len(f.Upvalues)
}

// DisplayName returns the name used in printouts and stack traces:
// "<script>" for the unnamed top level.
func (f *ObjFunction) DisplayName() string {
	if f.Name == "" {
		return "<script>"
	}
	return f.Name
}

// ObjClosure pairs a function prototype with the captured upvalue cells,
// ordered to match the prototype's descriptors. FunctionObj is the
// constant-pool handle of the prototype when one exists (nil for the
// synthesized script closure); the collector traces through it.
type ObjClosure struct {
	Function    *ObjFunction
	FunctionObj *Obj
	Upvalues    []*Obj // each ObjUpvalueKind
}

// NewClosure creates a closure with room for the prototype's upvalues.
func NewClosure(fn *ObjFunction) *ObjClosure {
	return &ObjClosure{
		Function: fn,
		Upvalues: make([]*Obj, fn.UpvalueCount()),
	}
}

// ObjUpvalue is a variable cell shared between closures. While open it
// aliases a live stack slot (Slot >= 0); once closed the value moves into
// Closed and Slot becomes -1.
type ObjUpvalue struct {
	Slot   int
	Closed Value
}

// IsOpen reports whether the cell still aliases a stack slot.
func (u *ObjUpvalue) IsOpen() bool {
	return u.Slot >= 0
}

// ObjStructInstance is a heap-allocated struct: a type descriptor plus one
// value slot per declared field, parallel to the type's field order.
type ObjStructInstance struct {
	Type   *StructType
	Fields []Value
}

// NewStructInstance creates an instance with all fields nil.
func NewStructInstance(st *StructType) *ObjStructInstance {
	return &ObjStructInstance{
		Type:   st,
		Fields: make([]Value, st.FieldCount()),
	}
}

// NativeFn is the Go signature of a host function exposed to scripts.
type NativeFn func(args []Value) (Value, error)

// ObjNative is a host function callable from the language.
type ObjNative struct {
	Name  string
	Arity int
	Fn    NativeFn
}

// ---------------------------------------------------------------------------
// Size accounting
// ---------------------------------------------------------------------------

// Approximate per-object base costs, in bytes. Exact Go-side sizes are not
// observable portably; the collector only needs stable, monotonic
// accounting to drive its threshold.
const (
	objHeaderSize   = 48
	valueSlotSize   = 40
	chunkEntrySize  = 1
	lineEntrySize   = 4
	descriptorSize  = 2
	pointerSlotSize = 8
)

// payloadSize computes the approximate deep size of a payload: the header,
// the payload struct, and owned buffers (string bytes, field slots, code
// arrays). Referenced GC objects count only as pointer slots; the objects
// themselves are accounted separately.
func payloadSize(kind ObjKind, payload any) int {
	size := objHeaderSize
	switch kind {
	case ObjStringKind:
		s := payload.(*ObjString)
		size += len(s.Content)
	case ObjFunctionKind:
		f := payload.(*ObjFunction)
		size += len(f.Name)
		size += len(f.Upvalues) * descriptorSize
		if f.Chunk != nil {
			size += len(f.Chunk.Code) * chunkEntrySize
			size += len(f.Chunk.Lines) * lineEntrySize
			size += len(f.Chunk.Constants) * valueSlotSize
		}
	case ObjClosureKind:
		c := payload.(*ObjClosure)
		size += len(c.Upvalues) * pointerSlotSize
	case ObjUpvalueKind:
		size += valueSlotSize
	case ObjStructInstanceKind:
		inst := payload.(*ObjStructInstance)
		size += len(inst.Fields) * valueSlotSize
	case ObjNativeKind:
		n := payload.(*ObjNative)
		size += len(n.Name)
	}
	return size
}

// TypeName returns the language-level type name of a value, used in fault
// messages ("Undefined method 'm' for number.").
func TypeName(v Value) string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindStackStruct:
		return v.AsStackStruct().Type.Name
	case KindObject:
		o := v.AsObject()
		switch o.Kind {
		case ObjStringKind:
			return "string"
		case ObjFunctionKind, ObjClosureKind, ObjNativeKind:
			return "function"
		case ObjStructInstanceKind:
			return o.AsStructInstance().Type.Name
		default:
			return o.Kind.String()
		}
	}
	return fmt.Sprintf("kind(%d)", v.Kind)
}
