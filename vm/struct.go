package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// StructType: compile-time struct descriptor
// ---------------------------------------------------------------------------

// StructType describes a declared struct: its name and ordered field list.
// Types are created by the compiler, live in a TypeRegistry, and are
// referenced from instances and chunk constants. They are not GC-managed
// and are never collected.
type StructType struct {
	Name       string
	FieldNames []string       // index = field slot
	fieldIndex map[string]int // name -> slot
}

// NewStructType creates a type with the given ordered fields.
func NewStructType(name string, fields []string) *StructType {
	st := &StructType{
		Name:       name,
		FieldNames: append([]string(nil), fields...),
		fieldIndex: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		st.fieldIndex[f] = i
	}
	return st
}

// FieldCount returns the number of declared fields.
func (st *StructType) FieldCount() int {
	return len(st.FieldNames)
}

// FieldSlot returns the slot index for a field name.
func (st *StructType) FieldSlot(name string) (int, bool) {
	slot, ok := st.fieldIndex[name]
	return slot, ok
}

// ---------------------------------------------------------------------------
// TypeRegistry: declared struct types by name
// ---------------------------------------------------------------------------

// TypeRegistry holds every struct type a compile produced. The interpreter
// core runs single-threaded, but LSP sessions inspect registries from
// serving goroutines, so access is guarded.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*StructType
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*StructType)}
}

// Register adds a type. Redeclaring a name is an error.
func (r *TypeRegistry) Register(st *StructType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[st.Name]; exists {
		return fmt.Errorf("struct type %q already declared", st.Name)
	}
	r.types[st.Name] = st
	return nil
}

// Lookup returns the type for a name.
func (r *TypeRegistry) Lookup(name string) (*StructType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.types[name]
	return st, ok
}

// Has returns true if a type with the given name is registered.
func (r *TypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// All returns every registered type name.
func (r *TypeRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered types.
func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// ---------------------------------------------------------------------------
// StackStruct: frame-confined struct buffer
// ---------------------------------------------------------------------------

// StackStruct is the non-heap struct variant produced by a `T{...}`
// literal. It lives outside the GC heap and is confined to its originating
// call frame by the compiler's escape analysis; assignment copies the
// buffer rather than sharing it.
type StackStruct struct {
	Type   *StructType
	Fields []Value
}

// NewStackStruct creates a buffer with all fields nil.
func NewStackStruct(st *StructType) *StackStruct {
	return &StackStruct{
		Type:   st,
		Fields: make([]Value, st.FieldCount()),
	}
}

// DeepCopy clones the buffer, recursing into nested stack-struct fields so
// the copy shares no mutable state with the original. Heap references in
// fields stay shared; only stack buffers duplicate.
func (s *StackStruct) DeepCopy() *StackStruct {
	clone := &StackStruct{
		Type:   s.Type,
		Fields: make([]Value, len(s.Fields)),
	}
	for i, f := range s.Fields {
		clone.Fields[i] = f.Copy()
	}
	return clone
}
