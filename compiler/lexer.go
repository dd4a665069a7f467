package compiler

import (
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for DynaC syntax
// ---------------------------------------------------------------------------

// Lexer tokenizes DynaC source code.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
	} else {
		r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
		l.ch = r
		l.pos = l.readPos
		l.readPos += size
		if r == '\n' {
			l.line++
		}
	}
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	line := l.line

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Literal: "", Line: line}

	case l.ch == '(':
		l.readChar()
		return Token{Type: TokenLParen, Literal: "(", Line: line}

	case l.ch == ')':
		l.readChar()
		return Token{Type: TokenRParen, Literal: ")", Line: line}

	case l.ch == '{':
		l.readChar()
		return Token{Type: TokenLBrace, Literal: "{", Line: line}

	case l.ch == '}':
		l.readChar()
		return Token{Type: TokenRBrace, Literal: "}", Line: line}

	case l.ch == ',':
		l.readChar()
		return Token{Type: TokenComma, Literal: ",", Line: line}

	case l.ch == '.':
		l.readChar()
		return Token{Type: TokenDot, Literal: ".", Line: line}

	case l.ch == '-':
		l.readChar()
		return Token{Type: TokenMinus, Literal: "-", Line: line}

	case l.ch == '+':
		l.readChar()
		return Token{Type: TokenPlus, Literal: "+", Line: line}

	case l.ch == ';':
		l.readChar()
		return Token{Type: TokenSemicolon, Literal: ";", Line: line}

	case l.ch == '/':
		l.readChar()
		return Token{Type: TokenSlash, Literal: "/", Line: line}

	case l.ch == '*':
		l.readChar()
		return Token{Type: TokenStar, Literal: "*", Line: line}

	case l.ch == '!':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenBangEqual, Literal: "!=", Line: line}
		}
		return Token{Type: TokenBang, Literal: "!", Line: line}

	case l.ch == '=':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenEqualEqual, Literal: "==", Line: line}
		}
		return Token{Type: TokenEqual, Literal: "=", Line: line}

	case l.ch == '>':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenGreaterEqual, Literal: ">=", Line: line}
		}
		return Token{Type: TokenGreater, Literal: ">", Line: line}

	case l.ch == '<':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenLessEqual, Literal: "<=", Line: line}
		}
		return Token{Type: TokenLess, Literal: "<", Line: line}

	case l.ch == '"':
		return l.readString(line)

	case isDigit(l.ch):
		return l.readNumber(line)

	case isAlpha(l.ch):
		return l.readIdentifier(line)

	default:
		l.readChar()
		return Token{Type: TokenError, Literal: "Unexpected character.", Line: line}
	}
}

// readString reads a double-quoted string literal. Strings have no escape
// sequences and may span lines; the literal keeps its quotes.
func (l *Lexer) readString(line int) Token {
	start := l.pos
	l.readChar() // consume opening quote
	for l.ch != '"' && l.ch != 0 {
		l.readChar()
	}
	if l.ch == 0 {
		return Token{Type: TokenError, Literal: "Unterminated string.", Line: line}
	}
	l.readChar() // consume closing quote
	return Token{Type: TokenString, Literal: l.input[start:l.pos], Line: line}
}

// readNumber reads a number literal: digits with an optional fraction.
func (l *Lexer) readNumber(line int) Token {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar() // consume '.'
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Line: line}
}

// readIdentifier reads an identifier or keyword.
func (l *Lexer) readIdentifier(line int) Token {
	start := l.pos
	for isAlpha(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	literal := l.input[start:l.pos]
	return Token{Type: LookupIdent(literal), Literal: literal, Line: line}
}

// skipWhitespaceAndComments advances past whitespace and // line comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\r' || l.ch == '\n':
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}
