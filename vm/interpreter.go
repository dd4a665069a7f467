package vm

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// Program: the compiler's output, the machine's input
// ---------------------------------------------------------------------------

// Program is one compiled source unit: the top-level script plus the
// registries the unit declared into. The compiler allocates its objects
// unlinked; the machine adopts them on load, so compile-time allocation
// never triggers a collection.
type Program struct {
	Script  *ObjFunction
	Types   *TypeRegistry
	Traits  *TraitRegistry
	Methods *MethodTable
}

// ---------------------------------------------------------------------------
// CallFrame: execution state of one invocation
// ---------------------------------------------------------------------------

// CallFrame is the execution state of a single call. Ordinary calls carry a
// closure; method dispatch pushes the bound prototype directly, so closure
// is nil and function is the method (methods capture nothing).
type CallFrame struct {
	closure  *ObjClosure
	function *ObjFunction
	ip       int
	base     int // stack index of slot 0 (the callee or the receiver)
}

// ---------------------------------------------------------------------------
// Machine: the virtual machine
// ---------------------------------------------------------------------------

const (
	// FramesMax bounds call depth; exceeding it is a runtime fault.
	FramesMax = 256

	initialStackSlots = 256
	maxStackSlots     = FramesMax * 256
)

// Machine executes compiled programs. It owns the operand stack, the call
// stack, the global table, and the garbage-collected heap. A machine
// persists across Interpret calls, which is what gives the REPL durable
// globals and accumulated struct, trait, and method declarations.
type Machine struct {
	stack  []Value
	sp     int
	frames []CallFrame
	fp     int

	globals      map[string]Value
	openUpvalues []*Obj // slot-ordered, each ObjUpvalueKind

	// Heap bookkeeping, worked by the collector in gc.go.
	objects        *Obj
	strings        map[string]*Obj
	bytesAllocated int
	nextGC         int
	gcGrowth       float64
	gcTrace        bool
	pins           []Value
	stats          GCStats

	program *Program
	adopted map[*ObjFunction]bool

	stdout io.Writer
	trace  bool
}

// NewMachine creates a machine with an empty heap, default GC tuning, and
// the standard natives defined.
func NewMachine() *Machine {
	m := &Machine{
		stack:    make([]Value, initialStackSlots),
		frames:   make([]CallFrame, FramesMax),
		globals:  make(map[string]Value),
		strings:  make(map[string]*Obj),
		nextGC:   DefaultGCThreshold,
		gcGrowth: DefaultGCGrowthFactor,
		adopted:  make(map[*ObjFunction]bool),
		stdout:   os.Stdout,
	}
	registerNatives(m)
	return m
}

// SetStdout redirects print output (and execution tracing).
func (m *Machine) SetStdout(w io.Writer) {
	m.stdout = w
}

// SetTrace toggles per-instruction execution tracing.
func (m *Machine) SetTrace(enabled bool) {
	m.trace = enabled
}

// SetGCThreshold sets the allocation threshold for the next collection.
func (m *Machine) SetGCThreshold(bytes int) {
	if bytes > 0 {
		m.nextGC = bytes
	}
}

// SetGCGrowthFactor sets the live-bytes multiplier applied after a sweep.
func (m *Machine) SetGCGrowthFactor(factor float64) {
	if factor > 1 {
		m.gcGrowth = factor
	}
}

// SetGCTrace toggles per-cycle collector logging.
func (m *Machine) SetGCTrace(enabled bool) {
	m.gcTrace = enabled
}

// Global reads a global by name, for embedding and tests.
func (m *Machine) Global(name string) (Value, bool) {
	v, ok := m.globals[name]
	return v, ok
}

// ---------------------------------------------------------------------------
// Program adoption
// ---------------------------------------------------------------------------

// Interpret adopts a compiled program into the heap and runs its script.
// On a runtime fault the operand and call stacks reset so the machine can
// keep serving a REPL session; globals and declarations survive.
func (m *Machine) Interpret(program *Program) error {
	m.program = program
	m.adoptProgram(program)

	closure := NewClosure(program.Script)
	closureObj := m.allocate(ObjClosureKind, closure)
	m.push(ObjectValue(closureObj))
	if err := m.callClosure(closure, 0); err != nil {
		return err
	}
	return m.run()
}

func (m *Machine) adoptProgram(program *Program) {
	m.adoptFunction(program.Script)
	for _, fn := range program.Methods.Functions() {
		m.adoptFunction(fn)
	}
}

// adoptFunction links a compiled prototype's object graph into the heap.
// Nested function handles join the object list; string constants
// canonicalize through the intern table, rewriting the constant slot when
// an equal string is already interned from an earlier unit.
func (m *Machine) adoptFunction(fn *ObjFunction) {
	if m.adopted[fn] {
		return
	}
	m.adopted[fn] = true

	chunk := fn.Chunk
	for i, constant := range chunk.Constants {
		if !constant.IsObject() {
			continue
		}
		obj := constant.AsObject()
		switch obj.Kind {
		case ObjStringKind:
			content := obj.AsString().Content
			if canonical, ok := m.strings[content]; ok {
				if canonical != obj {
					chunk.Constants[i] = ObjectValue(canonical)
				}
				continue
			}
			m.track(obj)
			m.strings[content] = obj
		case ObjFunctionKind:
			m.track(obj)
			m.adoptFunction(obj.AsFunction())
		}
	}
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (m *Machine) push(v Value) {
	m.stack[m.sp] = v
	m.sp++
}

func (m *Machine) pop() Value {
	m.sp--
	return m.stack[m.sp]
}

func (m *Machine) peek(distance int) Value {
	return m.stack[m.sp-1-distance]
}

func (m *Machine) growStack() error {
	if len(m.stack) >= maxStackSlots {
		return m.fault("Stack overflow.")
	}
	next := len(m.stack) * 2
	if next > maxStackSlots {
		next = maxStackSlots
	}
	bigger := make([]Value, next)
	copy(bigger, m.stack)
	m.stack = bigger
	return nil
}

func (m *Machine) resetStack() {
	m.sp = 0
	m.fp = 0
	m.openUpvalues = m.openUpvalues[:0]
	m.pins = m.pins[:0]
}

// pin roots a value for the duration of a multi-step construction, so a
// collection triggered partway cannot sweep it.
func (m *Machine) pin(v Value) {
	m.pins = append(m.pins, v)
}

func (m *Machine) unpin() {
	m.pins = m.pins[:len(m.pins)-1]
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// fault builds a RuntimeError carrying the current call trace, innermost
// frame first, then resets the machine's execution state.
func (m *Machine) fault(format string, args ...any) error {
	re := runtimeErrorf(format, args...)
	for i := m.fp - 1; i >= 0; i-- {
		frame := &m.frames[i]
		re.Trace = append(re.Trace, FrameInfo{
			Function: frame.function.Name,
			Line:     frame.function.Chunk.Line(frame.ip - 1),
		})
	}
	m.resetStack()
	return re
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (m *Machine) callValue(callee Value, argc int) error {
	if callee.IsObject() {
		obj := callee.AsObject()
		switch obj.Kind {
		case ObjClosureKind:
			return m.callClosure(obj.AsClosure(), argc)
		case ObjNativeKind:
			return m.callNative(obj.AsNative(), argc)
		}
	}
	return m.fault("Can only call functions.")
}

func (m *Machine) callClosure(closure *ObjClosure, argc int) error {
	return m.pushFrame(closure, closure.Function, argc)
}

// callFunction runs a bare prototype, the form method dispatch uses: the
// receiver already occupies what becomes slot 0.
func (m *Machine) callFunction(fn *ObjFunction, argc int) error {
	return m.pushFrame(nil, fn, argc)
}

func (m *Machine) pushFrame(closure *ObjClosure, fn *ObjFunction, argc int) error {
	if argc != fn.Arity {
		return m.fault("Expected %d arguments but got %d.", fn.Arity, argc)
	}
	if m.fp == FramesMax {
		return m.fault("Stack overflow.")
	}

	// Arguments bind by copy; a stack struct handed to a callee gets its
	// own buffer.
	for i := m.sp - argc; i < m.sp; i++ {
		if m.stack[i].IsStackStruct() {
			m.stack[i] = m.stack[i].Copy()
		}
	}

	frame := &m.frames[m.fp]
	m.fp++
	frame.closure = closure
	frame.function = fn
	frame.ip = 0
	frame.base = m.sp - argc - 1
	return nil
}

func (m *Machine) callNative(native *ObjNative, argc int) error {
	if argc != native.Arity {
		return m.fault("Expected %d arguments but got %d.", native.Arity, argc)
	}
	result, err := native.Fn(m.stack[m.sp-argc : m.sp])
	if err != nil {
		return m.fault("%s", err.Error())
	}
	m.sp -= argc + 1
	m.push(result)
	return nil
}

// invoke dispatches recv.name(args) through the receiver type's merged
// method table. The receiver stays in place as the callee slot, so the
// method sees it as self without any per-call allocation.
func (m *Machine) invoke(name string, argc int) error {
	receiver := m.peek(argc)
	typeName := TypeName(receiver)
	if method, ok := m.program.Methods.Lookup(typeName, name); ok {
		return m.callFunction(method, argc)
	}
	return m.fault("Undefined method '%s' for %s.", name, typeName)
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for a stack slot, creating one if
// no closure has captured that slot yet. The open list stays slot-ordered,
// so sibling closures share a single cell per variable.
func (m *Machine) captureUpvalue(slot int) *Obj {
	for i := len(m.openUpvalues) - 1; i >= 0; i-- {
		cell := m.openUpvalues[i].AsUpvalue()
		if cell.Slot == slot {
			return m.openUpvalues[i]
		}
		if cell.Slot < slot {
			break
		}
	}

	created := m.allocate(ObjUpvalueKind, &ObjUpvalue{Slot: slot})
	m.openUpvalues = append(m.openUpvalues, created)
	for i := len(m.openUpvalues) - 1; i > 0; i-- {
		if m.openUpvalues[i-1].AsUpvalue().Slot <= m.openUpvalues[i].AsUpvalue().Slot {
			break
		}
		m.openUpvalues[i-1], m.openUpvalues[i] = m.openUpvalues[i], m.openUpvalues[i-1]
	}
	return created
}

// closeUpvalues closes every open upvalue at or above the given slot: the
// current stack value moves into the cell and the cell leaves the open
// list. Closures holding the cell keep sharing it.
func (m *Machine) closeUpvalues(from int) {
	n := len(m.openUpvalues)
	for n > 0 {
		cell := m.openUpvalues[n-1].AsUpvalue()
		if cell.Slot < from {
			break
		}
		cell.Closed = m.stack[cell.Slot]
		cell.Slot = -1
		m.openUpvalues[n-1] = nil
		n--
	}
	m.openUpvalues = m.openUpvalues[:n]
}

// ---------------------------------------------------------------------------
// Promotion
// ---------------------------------------------------------------------------

// promoteValue deep-copies a stack struct into a fresh heap instance,
// recursing into nested stack-struct fields. The instance stays pinned
// while its fields copy, since each nested promotion can allocate and
// trigger a collection.
func (m *Machine) promoteValue(v Value) Value {
	if !v.IsStackStruct() {
		return v
	}
	source := v.AsStackStruct()
	instance := NewStructInstance(source.Type)
	obj := m.allocate(ObjStructInstanceKind, instance)
	promoted := ObjectValue(obj)
	m.pin(promoted)
	for i, field := range source.Fields {
		instance.Fields[i] = m.promoteValue(field)
	}
	m.unpin()
	return promoted
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (m *Machine) run() error {
	for {
		frame := &m.frames[m.fp-1]
		chunk := frame.function.Chunk
		code := chunk.Code

		// Every instruction nets at most one push, so one headroom check
		// per dispatch keeps push itself branch-free.
		if m.sp >= len(m.stack) {
			if err := m.growStack(); err != nil {
				return err
			}
		}

		if m.trace {
			m.traceState(frame)
		}

		op := Opcode(code[frame.ip])
		frame.ip++

		switch op {
		// --- Stack ---
		case OpPop:
			m.pop()

		case OpCopy:
			m.stack[m.sp-1] = m.stack[m.sp-1].Copy()

		// --- Constants & literals ---
		case OpConstant:
			idx := code[frame.ip]
			frame.ip++
			m.push(chunk.Constants[idx])

		case OpNil:
			m.push(NilValue())

		case OpTrue:
			m.push(BoolValue(true))

		case OpFalse:
			m.push(BoolValue(false))

		// --- Locals & globals ---
		case OpGetLocal:
			slot := int(code[frame.ip])
			frame.ip++
			m.push(m.stack[frame.base+slot])

		case OpSetLocal:
			slot := int(code[frame.ip])
			frame.ip++
			m.stack[frame.base+slot] = m.peek(0).Copy()

		case OpGetGlobal:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			value, ok := m.globals[name]
			if !ok {
				return m.fault("Undefined variable '%s'.", name)
			}
			m.push(value)

		case OpDefineGlobal:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			value := m.pop()
			if value.IsStackStruct() {
				value = m.promoteValue(value)
			}
			m.globals[name] = value

		case OpSetGlobal:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			if _, ok := m.globals[name]; !ok {
				return m.fault("Undefined variable '%s'.", name)
			}
			value := m.peek(0)
			if value.IsStackStruct() {
				value = m.promoteValue(value)
				m.stack[m.sp-1] = value
			}
			m.globals[name] = value

		// --- Upvalues ---
		case OpGetUpvalue:
			idx := code[frame.ip]
			frame.ip++
			cell := frame.closure.Upvalues[idx].AsUpvalue()
			if cell.IsOpen() {
				m.push(m.stack[cell.Slot])
			} else {
				m.push(cell.Closed)
			}

		case OpSetUpvalue:
			idx := code[frame.ip]
			frame.ip++
			value := m.peek(0)
			if value.IsStackStruct() {
				value = m.promoteValue(value)
				m.stack[m.sp-1] = value
			}
			cell := frame.closure.Upvalues[idx].AsUpvalue()
			if cell.IsOpen() {
				m.stack[cell.Slot] = value
			} else {
				cell.Closed = value
			}

		case OpCloseUpvalue:
			m.closeUpvalues(m.sp - 1)
			m.pop()

		// --- Comparison ---
		case OpEqual:
			b := m.pop()
			a := m.pop()
			m.push(BoolValue(a.Equals(b)))

		case OpGreater:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				return m.fault("Operands must be numbers.")
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			m.push(BoolValue(a > b))

		case OpLess:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				return m.fault("Operands must be numbers.")
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			m.push(BoolValue(a < b))

		// --- Arithmetic & unary ---
		case OpAdd, OpSubtract, OpMultiply, OpDivide:
			if !m.peek(0).IsNumber() || !m.peek(1).IsNumber() {
				return m.fault("Operands must be numbers.")
			}
			b := m.pop().AsNumber()
			a := m.pop().AsNumber()
			switch op {
			case OpAdd:
				m.push(NumberValue(a + b))
			case OpSubtract:
				m.push(NumberValue(a - b))
			case OpMultiply:
				m.push(NumberValue(a * b))
			case OpDivide:
				m.push(NumberValue(a / b))
			}

		case OpNot:
			m.push(BoolValue(m.pop().IsFalsey()))

		case OpNegate:
			if !m.peek(0).IsNumber() {
				return m.fault("Operand must be a number.")
			}
			m.push(NumberValue(-m.pop().AsNumber()))

		// --- Output ---
		case OpPrint:
			fmt.Fprintln(m.stdout, FormatValue(m.pop()))

		// --- Control flow ---
		case OpJump:
			offset := int16(chunk.ReadUint16(frame.ip))
			frame.ip += 2
			frame.ip += int(offset)

		case OpJumpIfFalse:
			offset := int16(chunk.ReadUint16(frame.ip))
			frame.ip += 2
			if m.peek(0).IsFalsey() {
				frame.ip += int(offset)
			}

		case OpJumpIfTrue:
			offset := int16(chunk.ReadUint16(frame.ip))
			frame.ip += 2
			if !m.peek(0).IsFalsey() {
				frame.ip += int(offset)
			}

		// --- Calls & closures ---
		case OpCall:
			argc := int(code[frame.ip])
			frame.ip++
			if err := m.callValue(m.peek(argc), argc); err != nil {
				return err
			}

		case OpClosure:
			idx := code[frame.ip]
			frame.ip++
			handle := chunk.Constants[idx].AsObject()
			fn := handle.AsFunction()
			closure := NewClosure(fn)
			closure.FunctionObj = handle
			m.push(ObjectValue(m.allocate(ObjClosureKind, closure)))
			for i := range closure.Upvalues {
				isLocal := code[frame.ip] != 0
				index := int(code[frame.ip+1])
				frame.ip += 2
				if isLocal {
					closure.Upvalues[i] = m.captureUpvalue(frame.base + index)
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
			}

		case OpInvoke:
			nameIdx := code[frame.ip]
			argc := int(code[frame.ip+1])
			frame.ip += 2
			name := chunk.Constants[nameIdx].AsString().Content
			if err := m.invoke(name, argc); err != nil {
				return err
			}

		// --- Structs ---
		case OpStackLiteral, OpHeapLiteral:
			idx := code[frame.ip]
			frame.ip++
			typeName := chunk.Constants[idx].AsString().Content
			structType, ok := m.program.Types.Lookup(typeName)
			if !ok {
				return m.fault("Undefined struct type '%s'.", typeName)
			}
			if op == OpStackLiteral {
				m.push(StackStructValue(NewStackStruct(structType)))
			} else {
				instance := NewStructInstance(structType)
				m.push(ObjectValue(m.allocate(ObjStructInstanceKind, instance)))
			}

		case OpGetField:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			value, err := m.getField(m.pop(), name)
			if err != nil {
				return err
			}
			m.push(value)

		case OpSetField:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			value := m.pop()
			target := m.pop()
			stored, err := m.setField(target, name, value)
			if err != nil {
				return err
			}
			m.push(stored)

		case OpInitField:
			idx := code[frame.ip]
			frame.ip++
			name := chunk.Constants[idx].AsString().Content
			value := m.pop()
			if _, err := m.setField(m.peek(0), name, value); err != nil {
				return err
			}

		case OpPromote:
			m.stack[m.sp-1] = m.promoteValue(m.stack[m.sp-1])

		// --- Returns ---
		case OpReturn:
			result := m.pop()
			m.closeUpvalues(frame.base)
			m.fp--
			m.sp = frame.base
			if m.fp == 0 {
				return nil
			}
			m.push(result)

		default:
			return m.fault("Unknown opcode 0x%02X.", byte(op))
		}
	}
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

func (m *Machine) getField(target Value, name string) (Value, error) {
	switch {
	case target.IsObjectKind(ObjStructInstanceKind):
		instance := target.AsObject().AsStructInstance()
		slot, ok := instance.Type.FieldSlot(name)
		if !ok {
			return Value{}, m.fault("Undefined field '%s' for struct '%s'.", name, instance.Type.Name)
		}
		return instance.Fields[slot], nil
	case target.IsStackStruct():
		buffer := target.AsStackStruct()
		slot, ok := buffer.Type.FieldSlot(name)
		if !ok {
			return Value{}, m.fault("Undefined field '%s' for struct '%s'.", name, buffer.Type.Name)
		}
		return buffer.Fields[slot], nil
	default:
		return Value{}, m.fault("Only structs have fields.")
	}
}

// setField stores into a struct field and returns the stored value. Stack
// structs flowing into heap instances promote first, which the compiler
// normally arranges with an explicit instruction; the check here also
// covers chunks loaded from artifacts that never went through it.
func (m *Machine) setField(target Value, name string, value Value) (Value, error) {
	switch {
	case target.IsObjectKind(ObjStructInstanceKind):
		instance := target.AsObject().AsStructInstance()
		slot, ok := instance.Type.FieldSlot(name)
		if !ok {
			return Value{}, m.fault("Undefined field '%s' for struct '%s'.", name, instance.Type.Name)
		}
		if value.IsStackStruct() {
			value = m.promoteValue(value)
		}
		instance.Fields[slot] = value
		return value, nil
	case target.IsStackStruct():
		buffer := target.AsStackStruct()
		slot, ok := buffer.Type.FieldSlot(name)
		if !ok {
			return Value{}, m.fault("Undefined field '%s' for struct '%s'.", name, buffer.Type.Name)
		}
		buffer.Fields[slot] = value.Copy()
		return value, nil
	default:
		return Value{}, m.fault("Only structs have fields.")
	}
}

// ---------------------------------------------------------------------------
// Execution tracing
// ---------------------------------------------------------------------------

func (m *Machine) traceState(frame *CallFrame) {
	var b strings.Builder
	b.WriteString("          ")
	for i := 0; i < m.sp; i++ {
		b.WriteString("[ ")
		b.WriteString(FormatValue(m.stack[i]))
		b.WriteString(" ]")
	}
	fmt.Fprintln(m.stdout, b.String())
	fmt.Fprintln(m.stdout, DisassembleInstructionAt(frame.function.Chunk, frame.ip))
}
