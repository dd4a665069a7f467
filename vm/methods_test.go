package vm

import (
	"sort"
	"testing"
)

// ---------------------------------------------------------------------------
// Struct types
// ---------------------------------------------------------------------------

func TestStructTypeFields(t *testing.T) {
	pt := NewStructType("Point", []string{"x", "y"})

	if pt.FieldCount() != 2 {
		t.Errorf("Expected 2 fields, got %d", pt.FieldCount())
	}
	if slot, ok := pt.FieldSlot("x"); !ok || slot != 0 {
		t.Errorf("x should be slot 0, got %d (ok=%v)", slot, ok)
	}
	if slot, ok := pt.FieldSlot("y"); !ok || slot != 1 {
		t.Errorf("y should be slot 1, got %d (ok=%v)", slot, ok)
	}
	if _, ok := pt.FieldSlot("z"); ok {
		t.Error("undeclared field should not resolve")
	}
}

func TestStructTypeOwnsItsFieldSlice(t *testing.T) {
	fields := []string{"a", "b"}
	pt := NewStructType("T", fields)
	fields[0] = "mutated"
	if pt.FieldNames[0] != "a" {
		t.Error("type should copy the field list it is built from")
	}
}

func TestTypeRegistry(t *testing.T) {
	reg := NewTypeRegistry()

	if err := reg.Register(NewStructType("Point", []string{"x"})); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(NewStructType("Point", []string{"y"})); err == nil {
		t.Error("redeclaration should fail")
	}

	if !reg.Has("Point") {
		t.Error("Has should find Point")
	}
	if reg.Has("Missing") {
		t.Error("Has should not find Missing")
	}
	if st, ok := reg.Lookup("Point"); !ok || st.Name != "Point" {
		t.Errorf("Lookup failed: %+v (ok=%v)", st, ok)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 type, got %d", reg.Len())
	}

	reg.Register(NewStructType("Rect", []string{"w", "h"}))
	names := reg.All()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "Point" || names[1] != "Rect" {
		t.Errorf("All returned %v", names)
	}
}

// ---------------------------------------------------------------------------
// Traits
// ---------------------------------------------------------------------------

func TestTraitMethods(t *testing.T) {
	trait := NewTrait("Shape")
	trait.AddMethod("area", 0)
	trait.AddMethod("scale", 1)

	if sig, ok := trait.Method("area"); !ok || sig.Arity != 0 {
		t.Errorf("area: got %+v (ok=%v)", sig, ok)
	}
	if sig, ok := trait.Method("scale"); !ok || sig.Arity != 1 {
		t.Errorf("scale: got %+v (ok=%v)", sig, ok)
	}
	if _, ok := trait.Method("missing"); ok {
		t.Error("undeclared method should not resolve")
	}
	if len(trait.Methods) != 2 {
		t.Errorf("Expected 2 declared methods, got %d", len(trait.Methods))
	}
}

func TestTraitRegistry(t *testing.T) {
	reg := NewTraitRegistry()

	if err := reg.Register(NewTrait("Shape")); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(NewTrait("Shape")); err == nil {
		t.Error("redeclaration should fail")
	}

	if !reg.Has("Shape") {
		t.Error("Has should find Shape")
	}
	if _, ok := reg.Lookup("Other"); ok {
		t.Error("Lookup should miss Other")
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 trait, got %d", reg.Len())
	}

	reg.Register(NewTrait("Named"))
	names := reg.All()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "Named" || names[1] != "Shape" {
		t.Errorf("All returned %v", names)
	}
}

// ---------------------------------------------------------------------------
// Method table
// ---------------------------------------------------------------------------

func TestMethodTableRegisterAndLookup(t *testing.T) {
	table := NewMethodTable()
	area := NewFunction("area", 0)

	if err := table.Register("Rect", "area", area); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	if err := table.Register("Rect", "area", NewFunction("area", 0)); err == nil {
		t.Error("duplicate registration should fail")
	}
	// Same method name on another type is fine.
	if err := table.Register("Circle", "area", NewFunction("area", 0)); err != nil {
		t.Errorf("cross-type registration failed: %v", err)
	}

	if got, ok := table.Lookup("Rect", "area"); !ok || got != area {
		t.Errorf("Lookup returned %+v (ok=%v)", got, ok)
	}
	if _, ok := table.Lookup("Rect", "perimeter"); ok {
		t.Error("unknown method should miss")
	}
	if _, ok := table.Lookup("Triangle", "area"); ok {
		t.Error("unknown type should miss")
	}
}

func TestMethodTableMethodsFor(t *testing.T) {
	table := NewMethodTable()
	table.Register("Rect", "area", NewFunction("area", 0))
	table.Register("Rect", "perimeter", NewFunction("perimeter", 0))

	methods := table.MethodsFor("Rect")
	if len(methods) != 2 {
		t.Fatalf("Expected 2 methods, got %d", len(methods))
	}
	if methods := table.MethodsFor("Unknown"); len(methods) != 0 {
		t.Errorf("unknown type should have no methods, got %d", len(methods))
	}
}

func TestMethodTableTypesAndFunctions(t *testing.T) {
	table := NewMethodTable()
	table.Register("Rect", "area", NewFunction("area", 0))
	table.Register("Circle", "area", NewFunction("area", 0))
	table.Register("Circle", "radius", NewFunction("radius", 0))

	types := table.Types()
	sort.Strings(types)
	if len(types) != 2 || types[0] != "Circle" || types[1] != "Rect" {
		t.Errorf("Types returned %v", types)
	}

	if got := len(table.Functions()); got != 3 {
		t.Errorf("Expected 3 functions, got %d", got)
	}
	// Len counts types carrying methods, not the methods themselves.
	if table.Len() != 2 {
		t.Errorf("Expected Len 2, got %d", table.Len())
	}
}
