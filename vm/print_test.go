package vm

import (
	"math"
	"testing"
)

func TestFormatValuePrimitives(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"nil", NilValue(), "nil"},
		{"true", BoolValue(true), "true"},
		{"false", BoolValue(false), "false"},
		{"integral", NumberValue(7), "7"},
		{"integral float", NumberValue(7.0), "7"},
		{"negative integral", NumberValue(-4), "-4"},
		{"half", NumberValue(2.5), "2.5"},
		{"zero", NumberValue(0), "0"},
		{"float noise trims", NumberValue(0.1 + 0.2), "0.3"},
		{"repeating truncates", NumberValue(1.0 / 3.0), "0.3333333333"},
		{"positive infinity", NumberValue(math.Inf(1)), "inf"},
		{"negative infinity", NumberValue(math.Inf(-1)), "-inf"},
		{"not a number", NumberValue(math.NaN()), "NaN"},
		{"large integral", NumberValue(1e15), "1000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.value); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFormatValueStrings(t *testing.T) {
	// Strings print raw, without quotes.
	if got := FormatValue(ObjectValue(NewStringObject("hello"))); got != "hello" {
		t.Errorf("Expected %q, got %q", "hello", got)
	}
	if got := FormatValue(ObjectValue(NewStringObject(""))); got != "" {
		t.Errorf("Expected empty output, got %q", got)
	}
}

func TestFormatValueCallables(t *testing.T) {
	named := NewFunction("area", 0)
	if got := FormatValue(ObjectValue(NewFunctionObject(named))); got != "<fn area>" {
		t.Errorf("Expected %q, got %q", "<fn area>", got)
	}

	script := NewFunction("", 0)
	if got := FormatValue(ObjectValue(NewFunctionObject(script))); got != "<script>" {
		t.Errorf("Expected %q, got %q", "<script>", got)
	}

	closure := NewObj(ObjClosureKind, &ObjClosure{Function: named})
	if got := FormatValue(ObjectValue(closure)); got != "<fn area>" {
		t.Errorf("Expected %q, got %q", "<fn area>", got)
	}

	native := NewObj(ObjNativeKind, &ObjNative{Name: "clock"})
	if got := FormatValue(ObjectValue(native)); got != "<native fn clock>" {
		t.Errorf("Expected %q, got %q", "<native fn clock>", got)
	}
}

func TestFormatValueStructs(t *testing.T) {
	pt := NewStructType("Point", []string{"x", "y"})

	buffer := NewStackStruct(pt)
	buffer.Fields[0] = NumberValue(1)
	buffer.Fields[1] = NumberValue(2)
	if got := FormatValue(StackStructValue(buffer)); got != "Point{x: 1, y: 2}" {
		t.Errorf("Expected %q, got %q", "Point{x: 1, y: 2}", got)
	}

	// Heap instances render identically; placement is invisible in output.
	instance := NewStructInstance(pt)
	instance.Fields[0] = NumberValue(1)
	instance.Fields[1] = NumberValue(2)
	obj := NewObj(ObjStructInstanceKind, instance)
	if got := FormatValue(ObjectValue(obj)); got != "Point{x: 1, y: 2}" {
		t.Errorf("Expected %q, got %q", "Point{x: 1, y: 2}", got)
	}
}

func TestFormatValueNestedStruct(t *testing.T) {
	inner := NewStructType("Inner", []string{"v"})
	outer := NewStructType("Outer", []string{"inner", "tag"})

	innerBuf := NewStackStruct(inner)
	innerBuf.Fields[0] = NumberValue(1)
	outerBuf := NewStackStruct(outer)
	outerBuf.Fields[0] = StackStructValue(innerBuf)
	outerBuf.Fields[1] = ObjectValue(NewStringObject("t"))

	want := "Outer{inner: Inner{v: 1}, tag: t}"
	if got := FormatValue(StackStructValue(outerBuf)); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestFormatValueEmptyStruct(t *testing.T) {
	pt := NewStructType("Unit", nil)
	if got := FormatValue(StackStructValue(NewStackStruct(pt))); got != "Unit{}" {
		t.Errorf("Expected %q, got %q", "Unit{}", got)
	}
}

func TestFormatValueNilFields(t *testing.T) {
	pt := NewStructType("Pair", []string{"a", "b"})
	buffer := NewStackStruct(pt)
	buffer.Fields[0] = NumberValue(1)
	// Field b never initialized.
	if got := FormatValue(StackStructValue(buffer)); got != "Pair{a: 1, b: nil}" {
		t.Errorf("Expected %q, got %q", "Pair{a: 1, b: nil}", got)
	}
}

func TestFormatValueSelfReferentialStruct(t *testing.T) {
	box := NewStructType("Box", []string{"inner"})
	instance := NewStructInstance(box)
	obj := NewObj(ObjStructInstanceKind, instance)
	instance.Fields[0] = ObjectValue(obj)

	if got := FormatValue(ObjectValue(obj)); got != "Box{inner: ...}" {
		t.Errorf("Expected %q, got %q", "Box{inner: ...}", got)
	}
}

func TestFormatValueMutuallyReferentialStructs(t *testing.T) {
	node := NewStructType("Node", []string{"next"})
	a := NewStructInstance(node)
	b := NewStructInstance(node)
	aObj := NewObj(ObjStructInstanceKind, a)
	bObj := NewObj(ObjStructInstanceKind, b)
	a.Fields[0] = ObjectValue(bObj)
	b.Fields[0] = ObjectValue(aObj)

	want := "Node{next: Node{next: ...}}"
	if got := FormatValue(ObjectValue(aObj)); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestFormatValueSelfReferentialStackBuffer(t *testing.T) {
	box := NewStructType("Box", []string{"inner"})
	buffer := NewStackStruct(box)
	buffer.Fields[0] = StackStructValue(buffer)

	if got := FormatValue(StackStructValue(buffer)); got != "Box{inner: ...}" {
		t.Errorf("Expected %q, got %q", "Box{inner: ...}", got)
	}
}

func TestFormatValueSharedInstanceIsNotACycle(t *testing.T) {
	point := NewStructType("Point", []string{"x"})
	pair := NewStructType("Pair", []string{"a", "b"})

	shared := NewStructInstance(point)
	shared.Fields[0] = NumberValue(1)
	sharedObj := NewObj(ObjStructInstanceKind, shared)

	holder := NewStructInstance(pair)
	holder.Fields[0] = ObjectValue(sharedObj)
	holder.Fields[1] = ObjectValue(sharedObj)
	holderObj := NewObj(ObjStructInstanceKind, holder)

	// Two fields pointing at one instance is sharing, not a cycle; both
	// render in full.
	want := "Pair{a: Point{x: 1}, b: Point{x: 1}}"
	if got := FormatValue(ObjectValue(holderObj)); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
