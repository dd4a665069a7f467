package vm

import "time"

// registerNatives installs the host functions every machine starts with.
func registerNatives(m *Machine) {
	m.defineNative("clock", 0, clockNative)
}

// defineNative allocates a native object and binds it under a global name.
func (m *Machine) defineNative(name string, arity int, fn NativeFn) {
	obj := m.allocate(ObjNativeKind, &ObjNative{Name: name, Arity: arity, Fn: fn})
	m.globals[name] = ObjectValue(obj)
}

// clockNative reads the wall clock as milliseconds since the Unix epoch.
func clockNative(_ []Value) (Value, error) {
	return NumberValue(float64(time.Now().UnixMilli())), nil
}
