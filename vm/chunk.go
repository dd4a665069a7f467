package vm

import "encoding/binary"

// MaxConstants is the constant pool limit imposed by the 8-bit constant
// operand.
const MaxConstants = 256

// Chunk is a compiled run of bytecode: the instruction stream, its constant
// pool, and a source line per code byte for error reporting. Every function
// prototype owns exactly one chunk.
type Chunk struct {
	Code      []byte  // Bytecode instructions and inline operands
	Lines     []int   // Source line per code byte (parallel to Code)
	Constants []Value // Pool referenced by 8-bit constant operands
}

// NewChunk creates a new empty chunk.
func NewChunk() *Chunk {
	return &Chunk{
		Code:      make([]byte, 0, 64),
		Lines:     make([]int, 0, 64),
		Constants: make([]Value, 0, 8),
	}
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// Emit appends a single-byte opcode.
func (c *Chunk) Emit(op Opcode, line int) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Lines = append(c.Lines, line)
	return offset
}

// EmitByte appends a raw operand byte.
func (c *Chunk) EmitByte(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// EmitWithOperand appends an opcode followed by operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, line int, operands ...byte) int {
	offset := c.Emit(op, line)
	for _, b := range operands {
		c.EmitByte(b, line)
	}
	return offset
}

// EmitJump emits a jump instruction with a placeholder offset and returns
// the position of the placeholder bytes for later patching.
func (c *Chunk) EmitJump(op Opcode, line int) int {
	c.Emit(op, line)
	c.EmitByte(0xFF, line)
	c.EmitByte(0xFF, line)
	return len(c.Code) - 2
}

// PatchJump rewrites a placeholder to jump to the current position. The
// delta is relative to the first byte after the two operand bytes. Returns
// false when the distance exceeds the signed 16-bit range.
func (c *Chunk) PatchJump(placeholderOffset int) bool {
	delta := len(c.Code) - (placeholderOffset + 2)
	if delta > 0x7FFF {
		return false
	}
	c.Code[placeholderOffset] = byte(delta >> 8)
	c.Code[placeholderOffset+1] = byte(delta)
	return true
}

// EmitLoop emits a backward Jump to loopStart. Returns false when the
// distance exceeds the signed 16-bit range.
func (c *Chunk) EmitLoop(loopStart, line int) bool {
	delta := loopStart - (len(c.Code) + 3)
	if delta < -0x8000 {
		return false
	}
	c.Emit(OpJump, line)
	c.EmitByte(byte(delta>>8), line)
	c.EmitByte(byte(delta), line)
	return true
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// AddConstant adds a value to the pool and returns its index, reusing an
// existing slot for equal values. Returns -1 when the pool is full.
func (c *Chunk) AddConstant(value Value) int {
	for i, existing := range c.Constants {
		if existing.Equals(value) {
			return i
		}
	}
	if len(c.Constants) >= MaxConstants {
		return -1
	}
	c.Constants = append(c.Constants, value)
	return len(c.Constants) - 1
}

// Constant returns the value at the given pool index.
func (c *Chunk) Constant(index int) Value {
	return c.Constants[index]
}

// ConstantCount returns the number of pooled values.
func (c *Chunk) ConstantCount() int {
	return len(c.Constants)
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// CurrentOffset returns the position the next emitted byte will occupy.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// CodeLen returns the length of the instruction stream.
func (c *Chunk) CodeLen() int {
	return len(c.Code)
}

// ReadUint16 reads a big-endian 16-bit operand at the given offset.
func (c *Chunk) ReadUint16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// Line returns the source line recorded for a code offset, or 0 when out
// of range.
func (c *Chunk) Line(offset int) int {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}
