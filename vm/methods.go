package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Trait: declared method signatures
// ---------------------------------------------------------------------------

// TraitMethod is one signature out of a trait declaration: a name and the
// exact parameter count an implementation must match.
type TraitMethod struct {
	Name  string
	Arity int
}

// Trait is a named set of method signatures. Traits carry no state and no
// hierarchy; impl blocks bind their signatures to concrete struct types.
type Trait struct {
	Name    string
	Methods []TraitMethod
}

// NewTrait creates an empty trait.
func NewTrait(name string) *Trait {
	return &Trait{Name: name}
}

// AddMethod appends a signature.
func (t *Trait) AddMethod(name string, arity int) {
	t.Methods = append(t.Methods, TraitMethod{Name: name, Arity: arity})
}

// Method returns the signature with the given name.
func (t *Trait) Method(name string) (TraitMethod, bool) {
	for _, m := range t.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return TraitMethod{}, false
}

// ---------------------------------------------------------------------------
// TraitRegistry: declared traits by name
// ---------------------------------------------------------------------------

// TraitRegistry holds every trait a compile produced. Guarded like
// TypeRegistry so LSP sessions can read it while a document compiles.
type TraitRegistry struct {
	mu     sync.RWMutex
	traits map[string]*Trait
}

// NewTraitRegistry creates an empty registry.
func NewTraitRegistry() *TraitRegistry {
	return &TraitRegistry{traits: make(map[string]*Trait)}
}

// Register adds a trait. Redeclaring a name is an error.
func (r *TraitRegistry) Register(t *Trait) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.traits[t.Name]; exists {
		return fmt.Errorf("trait %q already declared", t.Name)
	}
	r.traits[t.Name] = t
	return nil
}

// Lookup returns the trait for a name.
func (r *TraitRegistry) Lookup(name string) (*Trait, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traits[name]
	return t, ok
}

// Has returns true if a trait with the given name is registered.
func (r *TraitRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.traits[name]
	return ok
}

// All returns every registered trait name.
func (r *TraitRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.traits))
	for name := range r.traits {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered traits.
func (r *TraitRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traits)
}

// ---------------------------------------------------------------------------
// MethodTable: merged per-type method dispatch
// ---------------------------------------------------------------------------

// MethodTable maps type name -> method name -> function. Every impl block
// merges into the receiving type's map at compile time, so runtime dispatch
// is a single two-level lookup with no trait walk.
type MethodTable struct {
	mu      sync.RWMutex
	methods map[string]map[string]*ObjFunction
}

// NewMethodTable creates an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{methods: make(map[string]map[string]*ObjFunction)}
}

// Register binds a method to a type. Two impls providing the same method
// name for one type is an error regardless of which traits they implement.
func (mt *MethodTable) Register(typeName, methodName string, fn *ObjFunction) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	typeMethods, ok := mt.methods[typeName]
	if !ok {
		typeMethods = make(map[string]*ObjFunction)
		mt.methods[typeName] = typeMethods
	}
	if _, exists := typeMethods[methodName]; exists {
		return fmt.Errorf("method %q already defined for type %q", methodName, typeName)
	}
	typeMethods[methodName] = fn
	return nil
}

// Lookup resolves a method for a type.
func (mt *MethodTable) Lookup(typeName, methodName string) (*ObjFunction, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	typeMethods, ok := mt.methods[typeName]
	if !ok {
		return nil, false
	}
	fn, ok := typeMethods[methodName]
	return fn, ok
}

// MethodsFor returns every method name bound to a type.
func (mt *MethodTable) MethodsFor(typeName string) []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	typeMethods, ok := mt.methods[typeName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(typeMethods))
	for name := range typeMethods {
		names = append(names, name)
	}
	return names
}

// Types returns every type name with at least one method.
func (mt *MethodTable) Types() []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	names := make([]string, 0, len(mt.methods))
	for name := range mt.methods {
		names = append(names, name)
	}
	return names
}

// Len returns the number of types with at least one method.
func (mt *MethodTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.methods)
}

// Functions returns every registered method function, across all types.
// The VM walks these when it adopts a program and when the collector marks
// its roots: a method is reachable for as long as its type can dispatch it.
func (mt *MethodTable) Functions() []*ObjFunction {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	fns := make([]*ObjFunction, 0, len(mt.methods))
	for _, typeMethods := range mt.methods {
		for _, fn := range typeMethods {
			fns = append(fns, fn)
		}
	}
	return fns
}
