package vm

// Value represents a DynaC value as a small tagged struct.
//
// Kinds:
//   - Nil: the absence of a value
//   - Bool: true/false
//   - Number: IEEE 754 double
//   - Object: handle to a GC-managed heap object (string, function,
//     closure, upvalue, struct instance, native)
//   - StackStruct: a frame-confined composite with copy semantics,
//     allocated outside the GC heap
//
// A tagged struct (rather than NaN-boxing) keeps heap references visible
// to the Go runtime, so the collector can hold Obj pointers directly.
type Value struct {
	Kind   ValueKind
	number float64
	obj    *Obj
	stack  *StackStruct
	flag   bool
}

// ValueKind discriminates the payload of a Value.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindNumber
	KindObject
	KindStackStruct
)

// String returns a human-readable kind name.
func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	case KindStackStruct:
		return "stack struct"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NilValue returns the nil value.
func NilValue() Value {
	return Value{Kind: KindNil}
}

// BoolValue wraps a Go bool.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, flag: b}
}

// NumberValue wraps a float64.
func NumberValue(n float64) Value {
	return Value{Kind: KindNumber, number: n}
}

// ObjectValue wraps a heap object handle.
func ObjectValue(o *Obj) Value {
	return Value{Kind: KindObject, obj: o}
}

// StackStructValue wraps a frame-confined struct buffer.
func StackStructValue(s *StackStruct) Value {
	return Value{Kind: KindStackStruct, stack: s}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v.Kind == KindNil
}

// IsBool returns true if v is a boolean.
func (v Value) IsBool() bool {
	return v.Kind == KindBool
}

// IsNumber returns true if v is a number.
func (v Value) IsNumber() bool {
	return v.Kind == KindNumber
}

// IsObject returns true if v references a heap object.
func (v Value) IsObject() bool {
	return v.Kind == KindObject
}

// IsStackStruct returns true if v holds a stack-allocated struct.
func (v Value) IsStackStruct() bool {
	return v.Kind == KindStackStruct
}

// IsObjectKind returns true if v references a heap object of the given kind.
func (v Value) IsObjectKind(kind ObjKind) bool {
	return v.Kind == KindObject && v.obj.Kind == kind
}

// IsString returns true if v is an interned string object.
func (v Value) IsString() bool {
	return v.IsObjectKind(ObjStringKind)
}

// IsFalsey reports the language's truthiness rule: nil and false are
// falsey, everything else (including 0 and "") is truthy.
func (v Value) IsFalsey() bool {
	return v.Kind == KindNil || (v.Kind == KindBool && !v.flag)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// AsBool extracts the boolean payload. Only valid when IsBool.
func (v Value) AsBool() bool {
	return v.flag
}

// AsNumber extracts the numeric payload. Only valid when IsNumber.
func (v Value) AsNumber() float64 {
	return v.number
}

// AsObject extracts the heap object handle. Only valid when IsObject.
func (v Value) AsObject() *Obj {
	return v.obj
}

// AsStackStruct extracts the stack-struct buffer. Only valid when IsStackStruct.
func (v Value) AsStackStruct() *StackStruct {
	return v.stack
}

// AsString extracts the string object. Only valid when IsString.
func (v Value) AsString() *ObjString {
	return v.obj.AsString()
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equals implements the language's == operator.
//
// Primitives compare by content. Heap objects compare by identity; interned
// strings make identity equivalent to content equality. Stack structs
// compare by buffer reference, so two distinct literals are never equal
// even with identical fields.
func (v Value) Equals(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindBool:
		return v.flag == other.flag
	case KindNumber:
		return v.number == other.number
	case KindObject:
		return v.obj == other.obj
	case KindStackStruct:
		return v.stack == other.stack
	default:
		return false
	}
}

// Copy returns the value as it behaves under assignment: stack structs
// deep-copy their buffer (recursing into nested stack-struct fields), all
// other kinds are plain value copies.
func (v Value) Copy() Value {
	if v.Kind == KindStackStruct {
		return StackStructValue(v.stack.DeepCopy())
	}
	return v
}
