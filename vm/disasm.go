package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable bytecode listing with a
// name header, a constants section, and one line per instruction.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, constant := range c.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, formatConstant(constant)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("; Code:\n")
	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		sb.WriteString(fmt.Sprintf("%04X  %-32s ; line %d\n", offset, line, c.Line(offset)))
		offset += instrLen
	}

	return sb.String()
}

// DisassembleToLines returns the code listing as a slice of lines, one per
// instruction, without the header or constants sections.
func (c *Chunk) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		offset += instrLen
	}
	return lines
}

// InstructionCount returns the number of instructions in the chunk.
func (c *Chunk) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(c.Code) {
		_, instrLen := c.disassembleInstruction(offset)
		count++
		offset += instrLen
	}
	return count
}

// DisassembleInstructionAt formats the single instruction at an offset,
// prefixed with the offset. The execution tracer prints these.
func DisassembleInstructionAt(c *Chunk, offset int) string {
	line, _ := c.disassembleInstruction(offset)
	return fmt.Sprintf("%04X  %s", offset, line)
}

// disassembleInstruction formats one instruction and returns its length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 1
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)

	switch op {
	case OpConstant, OpGetGlobal, OpSetGlobal, OpDefineGlobal,
		OpGetField, OpSetField, OpInitField, OpStackLiteral, OpHeapLiteral:
		idx := c.Code[offset+1]
		return fmt.Sprintf("%s %d ; %s", info.Name, idx, c.constantComment(int(idx))), 2

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue:
		slot := c.Code[offset+1]
		return fmt.Sprintf("%s %d", info.Name, slot), 2

	case OpCall:
		argc := c.Code[offset+1]
		return fmt.Sprintf("CALL %d", argc), 2

	case OpInvoke:
		idx := c.Code[offset+1]
		argc := c.Code[offset+2]
		return fmt.Sprintf("INVOKE %d (%s) argc=%d", idx, c.constantComment(int(idx)), argc), 3

	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		delta := int16(c.ReadUint16(offset + 1))
		target := offset + 3 + int(delta)
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, target), 3

	case OpClosure:
		idx := c.Code[offset+1]
		length := 2
		comment := c.constantComment(int(idx))
		var captures []string
		if int(idx) < len(c.Constants) {
			constant := c.Constants[idx]
			if constant.IsObjectKind(ObjFunctionKind) {
				fn := constant.AsObject().AsFunction()
				for i := 0; i < fn.UpvalueCount(); i++ {
					kind := "upvalue"
					if c.Code[offset+length] != 0 {
						kind = "local"
					}
					captures = append(captures, fmt.Sprintf("%s %d", kind, c.Code[offset+length+1]))
					length += 2
				}
			}
		}
		if len(captures) > 0 {
			return fmt.Sprintf("CLOSURE %d ; %s (captures: %s)", idx, comment, strings.Join(captures, ", ")), length
		}
		return fmt.Sprintf("CLOSURE %d ; %s", idx, comment), length

	default:
		if info.Name == "UNKNOWN" {
			return fmt.Sprintf("UNKNOWN 0x%02X", c.Code[offset]), 1
		}
		return info.Name, 1
	}
}

func (c *Chunk) constantComment(index int) string {
	if index < 0 || index >= len(c.Constants) {
		return "<bad constant>"
	}
	return formatConstant(c.Constants[index])
}

// formatConstant renders a constant for listings: strings quoted (and
// truncated when long), everything else as printed.
func formatConstant(v Value) string {
	if v.IsString() {
		content := v.AsString().Content
		if len(content) > 40 {
			content = content[:37] + "..."
		}
		return fmt.Sprintf("%q", content)
	}
	return FormatValue(v)
}
