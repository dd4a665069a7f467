package vm

// Opcode is a single bytecode instruction.
type Opcode byte

// ============================================================================
// Stack Operations (0x00-0x0F)
// ============================================================================

const (
	OpPop Opcode = 0x01 // discard top of stack
)

// ============================================================================
// Constants & Literals (0x10-0x1F)
// ============================================================================

const (
	OpConstant Opcode = 0x10 // push constant (8-bit index)
	OpNil      Opcode = 0x11 // push nil
	OpTrue     Opcode = 0x12 // push true
	OpFalse    Opcode = 0x13 // push false
)

// ============================================================================
// Locals & Globals (0x20-0x2F)
// ============================================================================

const (
	OpGetLocal     Opcode = 0x20 // push local (8-bit slot)
	OpSetLocal     Opcode = 0x21 // store top into local (8-bit slot), value stays
	OpGetGlobal    Opcode = 0x22 // push global (8-bit name constant)
	OpSetGlobal    Opcode = 0x23 // store top into existing global (8-bit name constant)
	OpDefineGlobal Opcode = 0x24 // define global from top (8-bit name constant), pops
)

// ============================================================================
// Upvalues (0x30-0x3F)
// ============================================================================

const (
	OpGetUpvalue   Opcode = 0x30 // push upvalue (8-bit index)
	OpSetUpvalue   Opcode = 0x31 // store top into upvalue (8-bit index), value stays
	OpCloseUpvalue Opcode = 0x32 // close upvalues at the top slot, then pop it
)

// ============================================================================
// Comparison (0x40-0x4F)
// ============================================================================

const (
	OpEqual   Opcode = 0x40 // a == b
	OpGreater Opcode = 0x41 // a > b, numbers only
	OpLess    Opcode = 0x42 // a < b, numbers only
)

// ============================================================================
// Arithmetic & Unary (0x50-0x5F)
// ============================================================================

const (
	OpAdd      Opcode = 0x50 // a + b, numbers only
	OpSubtract Opcode = 0x51 // a - b
	OpMultiply Opcode = 0x52 // a * b
	OpDivide   Opcode = 0x53 // a / b, IEEE-754 with no zero check
	OpNot      Opcode = 0x54 // logical not via truthiness
	OpNegate   Opcode = 0x55 // -a, number only
)

// ============================================================================
// Output (0x60-0x6F)
// ============================================================================

const (
	OpPrint Opcode = 0x60 // pop and print with trailing newline
)

// ============================================================================
// Control Flow (0x80-0x8F)
// ============================================================================

const (
	OpJump        Opcode = 0x80 // relative jump (signed 16-bit), forward or backward
	OpJumpIfFalse Opcode = 0x81 // jump if top is falsy (signed 16-bit), peeks
	OpJumpIfTrue  Opcode = 0x82 // jump if top is truthy (signed 16-bit), peeks
)

// ============================================================================
// Calls & Closures (0x90-0x9F)
// ============================================================================

const (
	OpCall    Opcode = 0x90 // call stack[-argc-1] (8-bit argc)
	OpClosure Opcode = 0x91 // build closure (8-bit fn constant, then isLocal/index byte pairs)
	OpInvoke  Opcode = 0x92 // method dispatch (8-bit name constant, 8-bit argc)
)

// ============================================================================
// Structs (0xA0-0xAF)
// ============================================================================

const (
	OpStackLiteral Opcode = 0xA0 // push a stack struct with all fields nil (8-bit type constant)
	OpHeapLiteral  Opcode = 0xA1 // push a heap struct with all fields nil (8-bit type constant)
	OpGetField     Opcode = 0xA2 // replace struct on top with one field (8-bit name constant)
	OpSetField     Opcode = 0xA3 // store top into field of struct beneath (8-bit name constant)
	OpInitField    Opcode = 0xA4 // pop top into field of struct beneath, keep the struct (8-bit name constant)
	OpPromote      Opcode = 0xA5 // deep-copy stack struct on top to the heap
	OpCopy         Opcode = 0xA6 // replace top with its assignment copy (stack structs re-buffer)
)

// ============================================================================
// Returns (0xF0-0xFF)
// ============================================================================

const (
	OpReturn Opcode = 0xF0 // return top of stack from the current frame
)

// OpcodeInfo carries metadata about an opcode.
type OpcodeInfo struct {
	Name       string
	StackPop   int // values popped, -1 if variable
	StackPush  int // values pushed
	OperandLen int // operand bytes following the opcode, -1 if variable
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack
	OpPop: {"POP", 1, 0, 0},

	// Constants & literals
	OpConstant: {"CONSTANT", 0, 1, 1},
	OpNil:      {"NIL", 0, 1, 0},
	OpTrue:     {"TRUE", 0, 1, 0},
	OpFalse:    {"FALSE", 0, 1, 0},

	// Locals & globals
	OpGetLocal:     {"GET_LOCAL", 0, 1, 1},
	OpSetLocal:     {"SET_LOCAL", 0, 0, 1},
	OpGetGlobal:    {"GET_GLOBAL", 0, 1, 1},
	OpSetGlobal:    {"SET_GLOBAL", 0, 0, 1},
	OpDefineGlobal: {"DEFINE_GLOBAL", 1, 0, 1},

	// Upvalues
	OpGetUpvalue:   {"GET_UPVALUE", 0, 1, 1},
	OpSetUpvalue:   {"SET_UPVALUE", 0, 0, 1},
	OpCloseUpvalue: {"CLOSE_UPVALUE", 1, 0, 0},

	// Comparison
	OpEqual:   {"EQUAL", 2, 1, 0},
	OpGreater: {"GREATER", 2, 1, 0},
	OpLess:    {"LESS", 2, 1, 0},

	// Arithmetic & unary
	OpAdd:      {"ADD", 2, 1, 0},
	OpSubtract: {"SUBTRACT", 2, 1, 0},
	OpMultiply: {"MULTIPLY", 2, 1, 0},
	OpDivide:   {"DIVIDE", 2, 1, 0},
	OpNot:      {"NOT", 1, 1, 0},
	OpNegate:   {"NEGATE", 1, 1, 0},

	// Output
	OpPrint: {"PRINT", 1, 0, 0},

	// Control flow
	OpJump:        {"JUMP", 0, 0, 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 0, 0, 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 0, 0, 2},

	// Calls & closures
	OpCall:    {"CALL", -1, 1, 1},
	OpClosure: {"CLOSURE", 0, 1, -1},
	OpInvoke:  {"INVOKE", -1, 1, 2},

	// Structs
	OpStackLiteral: {"STACK_LITERAL", 0, 1, 1},
	OpHeapLiteral:  {"HEAP_LITERAL", 0, 1, 1},
	OpGetField:     {"GET_FIELD", 1, 1, 1},
	OpSetField:     {"SET_FIELD", 2, 1, 1},
	OpInitField:    {"INIT_FIELD", 1, 0, 1},
	OpPromote:      {"PROMOTE", 1, 1, 0},
	OpCopy:         {"COPY", 1, 1, 0},

	// Returns
	OpReturn: {"RETURN", 1, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: "UNKNOWN", StackPop: 0, StackPush: 0, OperandLen: 0}
}

// String returns the mnemonic for the opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes, -1 if variable.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the full instruction length including the opcode
// byte, -1 if variable.
func (op Opcode) InstructionLen() int {
	operands := op.OperandLen()
	if operands < 0 {
		return -1
	}
	return 1 + operands
}

// IsJump reports whether the opcode moves the instruction pointer.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		return true
	}
	return false
}

// IsReturn reports whether the opcode exits the current frame.
func (op Opcode) IsReturn() bool {
	return op == OpReturn
}

// AllOpcodes returns every defined opcode in ascending order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i < 256; i++ {
		if _, ok := opcodeInfoTable[Opcode(i)]; ok {
			ops = append(ops, Opcode(i))
		}
	}
	return ops
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
