package compiler

import (
	"fmt"
	"strings"
)

// Error is one compile-time diagnostic, located at a source token.
type Error struct {
	Line    int
	Lexeme  string // offending token text; "" when the token carries none
	AtEnd   bool   // error at end of input
	Message string
}

// Error renders the diagnostic in the fixed reporting format.
func (e *Error) Error() string {
	switch {
	case e.AtEnd:
		return fmt.Sprintf("[line %d] Error at end: %s", e.Line, e.Message)
	case e.Lexeme == "":
		return fmt.Sprintf("[line %d] Error: %s", e.Line, e.Message)
	default:
		return fmt.Sprintf("[line %d] Error at '%s': %s", e.Line, e.Lexeme, e.Message)
	}
}

// ErrorList collects every diagnostic from one compile. A failed compile
// reports all of them; no partial program is handed to the VM.
type ErrorList []*Error

// Error joins the diagnostics, one per line.
func (el ErrorList) Error() string {
	msgs := make([]string, len(el))
	for i, e := range el {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Len returns the number of diagnostics.
func (el ErrorList) Len() int {
	return len(el)
}
