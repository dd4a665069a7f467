package vm

import (
	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("dynac.gc")

// Default collector tuning, overridable per machine (and through the
// project manifest).
const (
	DefaultGCThreshold    = 1 << 20 // 1 MiB
	DefaultGCGrowthFactor = 2.0
)

// GCStats aggregates collector activity. Live-byte totals live on the
// machine; these cover completed cycles.
type GCStats struct {
	Cycles               uint64
	TotalFreedBytes      int
	LastFreedBytes       int
	LastBeforeBytes      int
	LastAfterBytes       int
	LastNextTriggerBytes int
}

// Stats returns a snapshot of collector statistics.
func (m *Machine) Stats() GCStats {
	return m.stats
}

// BytesAllocated returns the accounted size of the live heap plus garbage
// not yet swept.
func (m *Machine) BytesAllocated() int {
	return m.bytesAllocated
}

// ObjectCount walks the object list and returns the number of tracked
// heap objects.
func (m *Machine) ObjectCount() int {
	count := 0
	for obj := m.objects; obj != nil; obj = obj.next {
		count++
	}
	return count
}

// InternedStrings returns the number of entries in the intern table.
func (m *Machine) InternedStrings() int {
	return len(m.strings)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// allocate creates a heap object on the VM's allocation path. The
// threshold check runs first, so a collection never sees the half-born
// object; callers root the result (stack, pin) before allocating again.
func (m *Machine) allocate(kind ObjKind, payload any) *Obj {
	if m.bytesAllocated > m.nextGC {
		m.Collect()
	}
	obj := NewObj(kind, payload)
	m.track(obj)
	return obj
}

// track links an object into the heap and accounts its deep size, with no
// collection trigger. Program adoption calls it directly, which is what
// keeps compile-time allocation from ever collecting.
func (m *Machine) track(obj *Obj) {
	obj.size = payloadSize(obj.Kind, obj.payload)
	obj.next = m.objects
	m.objects = obj
	m.bytesAllocated += obj.size
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs one stop-the-world mark-sweep cycle and retunes the
// threshold to live bytes times the growth factor.
func (m *Machine) Collect() {
	before := m.bytesAllocated

	m.markRoots()

	// The intern table is weak: entries whose strings went unmarked drop
	// out before the sweep, so unreachable strings actually free.
	for content, obj := range m.strings {
		if !obj.marked {
			delete(m.strings, content)
		}
	}

	freed := m.sweep()

	m.bytesAllocated = before - freed
	m.nextGC = int(float64(m.bytesAllocated) * m.gcGrowth)

	m.stats.Cycles++
	m.stats.TotalFreedBytes += freed
	m.stats.LastFreedBytes = freed
	m.stats.LastBeforeBytes = before
	m.stats.LastAfterBytes = m.bytesAllocated
	m.stats.LastNextTriggerBytes = m.nextGC

	if m.gcTrace {
		gcLog.Debugf("cycle %d: freed %d bytes (%d -> %d), next trigger at %d",
			m.stats.Cycles, freed, before, m.bytesAllocated, m.nextGC)
	}
}

// markRoots marks everything directly reachable: live operand-stack slots,
// each frame's callee slot, globals, open upvalues, pinned values, and the
// current program's script and method functions.
func (m *Machine) markRoots() {
	for i := 0; i < m.sp; i++ {
		m.markValue(m.stack[i])
	}
	for i := 0; i < m.fp; i++ {
		m.markValue(m.stack[m.frames[i].base])
	}
	for _, value := range m.globals {
		m.markValue(value)
	}
	for _, cell := range m.openUpvalues {
		m.markObject(cell)
	}
	for _, pinned := range m.pins {
		m.markValue(pinned)
	}
	if m.program != nil {
		m.markFunction(m.program.Script)
		for _, fn := range m.program.Methods.Functions() {
			m.markFunction(fn)
		}
	}
}

func (m *Machine) markValue(v Value) {
	switch v.Kind {
	case KindObject:
		m.markObject(v.obj)
	case KindStackStruct:
		// The buffer itself is not heap-managed, but its fields can hold
		// heap references.
		for _, field := range v.stack.Fields {
			m.markValue(field)
		}
	}
}

func (m *Machine) markObject(obj *Obj) {
	if obj == nil || obj.marked {
		return
	}
	obj.marked = true

	switch obj.Kind {
	case ObjClosureKind:
		closure := obj.AsClosure()
		if closure.FunctionObj != nil {
			m.markObject(closure.FunctionObj)
		} else {
			m.markFunction(closure.Function)
		}
		for _, cell := range closure.Upvalues {
			m.markObject(cell)
		}
	case ObjFunctionKind:
		m.markFunction(obj.AsFunction())
	case ObjUpvalueKind:
		cell := obj.AsUpvalue()
		if !cell.IsOpen() {
			m.markValue(cell.Closed)
		}
	case ObjStructInstanceKind:
		for _, field := range obj.AsStructInstance().Fields {
			m.markValue(field)
		}
	}
	// Strings and natives reference nothing.
}

// markFunction marks a prototype's constant pool: interned strings and
// nested function handles.
func (m *Machine) markFunction(fn *ObjFunction) {
	for _, constant := range fn.Chunk.Constants {
		m.markValue(constant)
	}
}

// sweep unlinks every unmarked object, clears survivor marks, and returns
// the freed byte total.
func (m *Machine) sweep() int {
	freed := 0
	var previous *Obj
	object := m.objects
	for object != nil {
		if object.marked {
			object.marked = false
			previous = object
			object = object.next
			continue
		}

		unreached := object
		object = object.next
		if previous == nil {
			m.objects = object
		} else {
			previous.next = object
		}

		freed += unreached.size
		if unreached.Kind == ObjFunctionKind {
			delete(m.adopted, unreached.AsFunction())
		}
		unreached.next = nil
	}
	return freed
}
