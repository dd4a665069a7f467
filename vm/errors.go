package vm

import (
	"fmt"
	"strings"
)

// FrameInfo is one stack trace entry: the function a fault passed through
// and the source line of the active instruction.
type FrameInfo struct {
	Function string // function name, "" for the top level
	Line     int
}

// RuntimeError is a VM fault. Faults unwind the whole machine; the trace
// lists frames innermost first.
type RuntimeError struct {
	Message string
	Trace   []FrameInfo
}

// Error renders the fault message followed by one trace line per frame.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, frame := range e.Trace {
		name := "<script>"
		if frame.Function != "" {
			name = frame.Function + "()"
		}
		fmt.Fprintf(&b, "\n[line %d] in %s", frame.Line, name)
	}
	return b.String()
}

// runtimeErrorf builds a fault with a formatted message; the interpreter
// attaches the trace before surfacing it.
func runtimeErrorf(format string, args ...any) *RuntimeError {
	return &RuntimeError{Message: fmt.Sprintf(format, args...)}
}
