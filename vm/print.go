package vm

import (
	"math"
	"strconv"
	"strings"
)

// FormatValue renders a value the way the print statement shows it.
//
// Numbers print in integral form when the fractional part is zero,
// otherwise with ten decimal places and trailing zeros trimmed. Strings
// print raw, without quotes. Structs print as Name{f: v, ...} whether they
// live on the heap or the stack; a struct that reaches itself through its
// own fields prints "..." where the cycle closes.
func FormatValue(v Value) string {
	return formatValue(v, nil)
}

func formatValue(v Value, seen map[any]bool) string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.AsNumber())
	case KindStackStruct:
		s := v.AsStackStruct()
		return formatStruct(s, s.Type, s.Fields, seen)
	case KindObject:
		return formatObject(v.AsObject(), seen)
	default:
		return "<?>"
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "NaN"
	case f == math.Trunc(f):
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	s := strconv.FormatFloat(f, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func formatObject(o *Obj, seen map[any]bool) string {
	switch o.Kind {
	case ObjStringKind:
		return o.AsString().Content
	case ObjFunctionKind:
		return formatFunction(o.AsFunction())
	case ObjClosureKind:
		return formatFunction(o.AsClosure().Function)
	case ObjNativeKind:
		return "<native fn " + o.AsNative().Name + ">"
	case ObjUpvalueKind:
		return "<upvalue>"
	case ObjStructInstanceKind:
		inst := o.AsStructInstance()
		return formatStruct(inst, inst.Type, inst.Fields, seen)
	default:
		return "<" + o.Kind.String() + ">"
	}
}

func formatFunction(fn *ObjFunction) string {
	if fn.Name == "" {
		return "<script>"
	}
	return "<fn " + fn.Name + ">"
}

// formatStruct renders one struct body. The instance identity (heap
// payload or stack buffer) stays in seen while its fields render, so a
// field chain that reaches the instance again stops at "..." instead of
// recursing without bound. Sibling fields sharing one instance still
// render in full; only a genuine cycle collapses.
func formatStruct(id any, st *StructType, fields []Value, seen map[any]bool) string {
	if seen[id] {
		return "..."
	}
	if seen == nil {
		seen = make(map[any]bool)
	}
	seen[id] = true

	var b strings.Builder
	b.WriteString(st.Name)
	b.WriteByte('{')
	for i, name := range st.FieldNames {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(formatValue(fields[i], seen))
	}
	b.WriteByte('}')

	delete(seen, id)
	return b.String()
}
