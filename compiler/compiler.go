package compiler

import (
	"fmt"
	"strconv"

	"github.com/jimingmin/DynaC/vm"
)

// MaxLocals is the per-function local slot limit imposed by the 8-bit slot
// operand. Slot 0 is reserved for the enclosing callable (the receiver in
// methods).
const MaxLocals = 256

// maxUpvalues is the per-function captured variable limit.
const maxUpvalues = 256

// ---------------------------------------------------------------------------
// Compile state
// ---------------------------------------------------------------------------

// functionType distinguishes the three compile contexts.
type functionType int

const (
	typeScript functionType = iota
	typeFunction
	typeMethod
)

// local is one active local-variable slot.
type local struct {
	name        Token
	depth       int  // -1 until the initializer finishes
	isCaptured  bool // referenced by a nested closure
	stackStruct bool // currently holds a frame-confined struct
}

// funcCompiler is the per-function compile state. Nested function
// declarations push a new one; resolving an identifier walks the chain
// outward, capturing upvalues at each crossing.
type funcCompiler struct {
	enclosing  *funcCompiler
	function   *vm.ObjFunction
	funcType   functionType
	locals     []local
	upvalues   []vm.UpvalueDescriptor
	scopeDepth int
}

// Compiler is the single-pass parser and bytecode emitter. It walks tokens
// once, emitting into the current function's chunk as it parses; there is
// no retained syntax tree.
type Compiler struct {
	lexer     *Lexer
	current   Token
	previous  Token
	errors    ErrorList
	panicMode bool

	fc *funcCompiler

	types   *vm.TypeRegistry
	traits  *vm.TraitRegistry
	methods *vm.MethodTable

	// Declarations stage here during the parse and merge into the session
	// registries above when the unit finishes.
	stagedTypes   *vm.TypeRegistry
	stagedTraits  *vm.TraitRegistry
	stagedMethods *vm.MethodTable

	strings map[string]*vm.Obj // content -> string object, per compile unit

	// exprIsStack classifies the most recently compiled expression: true
	// when it produces a frame-confined stack struct. The escape rules
	// consult it at returns, global stores, captures, and field stores.
	exprIsStack bool
}

// Compile compiles one source unit with fresh registries.
func Compile(source string) (*vm.Program, error) {
	return CompileInto(source, vm.NewTypeRegistry(), vm.NewTraitRegistry(), vm.NewMethodTable())
}

// CompileInto compiles one source unit against existing registries, so a
// REPL session accumulates struct, trait, and impl declarations across
// lines. Declarations reach the registries only when the whole unit
// compiles; on failure every collected diagnostic is returned, no program
// is produced, and the registries are untouched.
func CompileInto(source string, types *vm.TypeRegistry, traits *vm.TraitRegistry, methods *vm.MethodTable) (*vm.Program, error) {
	return compileUnit(source, types, traits, methods, false)
}

// CompileIntoPartial compiles like CompileInto but keeps whatever
// declarations parsed even when the unit fails, so tooling can answer
// completion and hover from a document that does not currently compile.
func CompileIntoPartial(source string, types *vm.TypeRegistry, traits *vm.TraitRegistry, methods *vm.MethodTable) (*vm.Program, error) {
	return compileUnit(source, types, traits, methods, true)
}

func compileUnit(source string, types *vm.TypeRegistry, traits *vm.TraitRegistry, methods *vm.MethodTable, keepPartial bool) (*vm.Program, error) {
	c := &Compiler{
		lexer:         NewLexer(source),
		types:         types,
		traits:        traits,
		methods:       methods,
		stagedTypes:   vm.NewTypeRegistry(),
		stagedTraits:  vm.NewTraitRegistry(),
		stagedMethods: vm.NewMethodTable(),
		strings:       make(map[string]*vm.Obj),
	}
	c.pushFuncCompiler(typeScript, "")

	c.advance()
	for !c.match(TokenEOF) {
		c.declaration()
	}
	script := c.endFuncCompiler()

	if len(c.errors) > 0 {
		if keepPartial {
			c.commitDeclarations()
		}
		return nil, c.errors
	}
	c.commitDeclarations()
	return &vm.Program{
		Script:  script,
		Types:   types,
		Traits:  traits,
		Methods: methods,
	}, nil
}

// ---------------------------------------------------------------------------
// Precedence table
// ---------------------------------------------------------------------------

type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // . ()
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// parseRules is populated in init to break the initialization cycle between
// the table and the parselets that consult it.
var parseRules map[TokenType]parseRule

func init() {
	parseRules = map[TokenType]parseRule{
		TokenLParen:       {(*Compiler).grouping, (*Compiler).call, precCall},
		TokenDot:          {nil, (*Compiler).dot, precCall},
		TokenMinus:        {(*Compiler).unary, (*Compiler).binary, precTerm},
		TokenPlus:         {nil, (*Compiler).binary, precTerm},
		TokenSlash:        {nil, (*Compiler).binary, precFactor},
		TokenStar:         {nil, (*Compiler).binary, precFactor},
		TokenBang:         {(*Compiler).unary, nil, precNone},
		TokenBangEqual:    {nil, (*Compiler).binary, precEquality},
		TokenEqualEqual:   {nil, (*Compiler).binary, precEquality},
		TokenGreater:      {nil, (*Compiler).binary, precComparison},
		TokenGreaterEqual: {nil, (*Compiler).binary, precComparison},
		TokenLess:         {nil, (*Compiler).binary, precComparison},
		TokenLessEqual:    {nil, (*Compiler).binary, precComparison},
		TokenIdentifier:   {(*Compiler).variable, nil, precNone},
		TokenString:       {(*Compiler).stringLiteral, nil, precNone},
		TokenNumber:       {(*Compiler).number, nil, precNone},
		TokenAnd:          {nil, (*Compiler).and, precAnd},
		TokenOr:           {nil, (*Compiler).or, precOr},
		TokenFalse:        {(*Compiler).literal, nil, precNone},
		TokenTrue:         {(*Compiler).literal, nil, precNone},
		TokenNil:          {(*Compiler).literal, nil, precNone},
		TokenNew:          {(*Compiler).newLiteral, nil, precNone},
		TokenSelf:         {(*Compiler).selfExpr, nil, precNone},
	}
}

// ---------------------------------------------------------------------------
// Token plumbing
// ---------------------------------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lexer.NextToken()
		if c.current.Type != TokenError {
			break
		}
		c.errorAtCurrent(c.current.Literal)
	}
}

func (c *Compiler) check(tt TokenType) bool {
	return c.current.Type == tt
}

func (c *Compiler) match(tt TokenType) bool {
	if !c.check(tt) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(tt TokenType, message string) {
	if c.current.Type == tt {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

// ---------------------------------------------------------------------------
// Error reporting
// ---------------------------------------------------------------------------

func (c *Compiler) error(message string) {
	c.errorAt(c.previous, message)
}

func (c *Compiler) errorAtCurrent(message string) {
	c.errorAt(c.current, message)
}

func (c *Compiler) errorAt(tok Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	e := &Error{Line: tok.Line, Message: message}
	switch tok.Type {
	case TokenEOF:
		e.AtEnd = true
	case TokenError:
		// The lexer's message is the diagnostic; there is no lexeme.
	default:
		e.Lexeme = tok.Literal
	}
	c.errors = append(c.errors, e)
}

// synchronize skips to a likely statement boundary after a parse error, so
// one mistake does not cascade into a wall of diagnostics.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != TokenEOF {
		if c.previous.Type == TokenSemicolon {
			return
		}
		switch c.current.Type {
		case TokenFn, TokenVar, TokenFor, TokenIf, TokenWhile,
			TokenPrint, TokenReturn, TokenStruct, TokenTrait, TokenImpl:
			return
		}
		c.advance()
	}
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Compiler) chunk() *vm.Chunk {
	return c.fc.function.Chunk
}

func (c *Compiler) emitOp(op vm.Opcode) {
	c.chunk().Emit(op, c.previous.Line)
}

func (c *Compiler) emitByte(b byte) {
	c.chunk().EmitByte(b, c.previous.Line)
}

func (c *Compiler) emitBytes(op vm.Opcode, operand byte) {
	c.emitOp(op)
	c.emitByte(operand)
}

func (c *Compiler) emitReturn() {
	c.emitOp(vm.OpNil)
	c.emitOp(vm.OpReturn)
}

func (c *Compiler) emitConstant(v vm.Value) {
	c.emitBytes(vm.OpConstant, c.makeConstant(v))
}

func (c *Compiler) makeConstant(v vm.Value) byte {
	index := c.chunk().AddConstant(v)
	if index < 0 {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return byte(index)
}

func (c *Compiler) emitJump(op vm.Opcode) int {
	return c.chunk().EmitJump(op, c.previous.Line)
}

func (c *Compiler) patchJump(placeholder int) {
	if !c.chunk().PatchJump(placeholder) {
		c.error("Too much code to jump over.")
	}
}

func (c *Compiler) emitLoop(loopStart int) {
	if !c.chunk().EmitLoop(loopStart, c.previous.Line) {
		c.error("Loop body too large.")
	}
}

// stringValue returns an interned string constant for this compile unit.
// Reusing one object per content keeps equal string constants pointer-equal
// before the VM ever sees them.
func (c *Compiler) stringValue(content string) vm.Value {
	if obj, ok := c.strings[content]; ok {
		return vm.ObjectValue(obj)
	}
	obj := vm.NewStringObject(content)
	c.strings[content] = obj
	return vm.ObjectValue(obj)
}

func (c *Compiler) identifierConstant(tok Token) byte {
	return c.makeConstant(c.stringValue(tok.Literal))
}

// ---------------------------------------------------------------------------
// Function compile state
// ---------------------------------------------------------------------------

func (c *Compiler) pushFuncCompiler(ft functionType, name string) {
	fc := &funcCompiler{
		enclosing: c.fc,
		function:  vm.NewFunction(name, 0),
		funcType:  ft,
	}
	// Slot 0 belongs to the callable itself; in methods it is the receiver
	// and resolves as 'self'.
	slotZero := local{depth: 0}
	if ft == typeMethod {
		slotZero.name = Token{Type: TokenSelf, Literal: "self"}
	}
	fc.locals = append(fc.locals, slotZero)
	c.fc = fc
}

func (c *Compiler) endFuncCompiler() *vm.ObjFunction {
	c.emitReturn()
	fn := c.fc.function
	fn.Upvalues = c.fc.upvalues
	c.fc = c.fc.enclosing
	return fn
}

// inMethod reports whether the current compile context sits inside an impl
// method, directly or through nested function declarations.
func (c *Compiler) inMethod() bool {
	for fc := c.fc; fc != nil; fc = fc.enclosing {
		if fc.funcType == typeMethod {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Scopes and variables
// ---------------------------------------------------------------------------

func (c *Compiler) beginScope() {
	c.fc.scopeDepth++
}

func (c *Compiler) endScope() {
	c.fc.scopeDepth--
	for len(c.fc.locals) > 0 {
		last := c.fc.locals[len(c.fc.locals)-1]
		if last.depth <= c.fc.scopeDepth {
			break
		}
		if last.isCaptured {
			c.emitOp(vm.OpCloseUpvalue)
		} else {
			c.emitOp(vm.OpPop)
		}
		c.fc.locals = c.fc.locals[:len(c.fc.locals)-1]
	}
}

func identifiersEqual(a, b Token) bool {
	return a.Literal != "" && a.Literal == b.Literal
}

func (c *Compiler) parseVariable(message string) byte {
	c.consume(TokenIdentifier, message)
	c.declareVariable()
	if c.fc.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous)
}

func (c *Compiler) declareVariable() {
	if c.fc.scopeDepth == 0 {
		return
	}
	name := c.previous
	for i := len(c.fc.locals) - 1; i >= 0; i-- {
		l := c.fc.locals[i]
		if l.depth != -1 && l.depth < c.fc.scopeDepth {
			break
		}
		if identifiersEqual(name, l.name) {
			c.error("Already a variable with this name in this scope.")
			break
		}
	}
	c.addLocal(name)
}

func (c *Compiler) addLocal(name Token) {
	if len(c.fc.locals) >= MaxLocals {
		c.error("Too many local variables in function.")
		return
	}
	// depth -1 marks the slot declared but not yet initialized, so the
	// initializer cannot read the variable it defines.
	c.fc.locals = append(c.fc.locals, local{name: name, depth: -1})
}

func (c *Compiler) markInitialized() {
	if c.fc.scopeDepth == 0 {
		return
	}
	c.fc.locals[len(c.fc.locals)-1].depth = c.fc.scopeDepth
}

// defineVariable finishes a declaration: locals become readable, globals
// emit their define. Stack-classified initializers may not reach globals.
func (c *Compiler) defineVariable(global byte) {
	if c.fc.scopeDepth > 0 {
		c.markInitialized()
		c.fc.locals[len(c.fc.locals)-1].stackStruct = c.exprIsStack
		return
	}
	if c.exprIsStack {
		c.error("Can't store a stack struct in a global variable.")
	}
	c.emitBytes(vm.OpDefineGlobal, global)
}

func (c *Compiler) resolveLocal(fc *funcCompiler, name Token) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if identifiersEqual(name, fc.locals[i].name) {
			if fc.locals[i].depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

func (c *Compiler) resolveUpvalue(fc *funcCompiler, name Token) int {
	if fc.enclosing == nil {
		return -1
	}
	if slot := c.resolveLocal(fc.enclosing, name); slot != -1 {
		if fc.enclosing.locals[slot].stackStruct {
			c.error("Can't capture a stack struct in a closure.")
		}
		fc.enclosing.locals[slot].isCaptured = true
		return c.addUpvalue(fc, byte(slot), true)
	}
	if index := c.resolveUpvalue(fc.enclosing, name); index != -1 {
		return c.addUpvalue(fc, byte(index), false)
	}
	return -1
}

func (c *Compiler) addUpvalue(fc *funcCompiler, index byte, isLocal bool) int {
	for i, uv := range fc.upvalues {
		if uv.Index == index && uv.IsLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) >= maxUpvalues {
		c.error("Too many closure variables in function.")
		return 0
	}
	fc.upvalues = append(fc.upvalues, vm.UpvalueDescriptor{Index: index, IsLocal: isLocal})
	return len(fc.upvalues) - 1
}

// ---------------------------------------------------------------------------
// Declaration staging
// ---------------------------------------------------------------------------

// Lookups consult the stage before the session registries, so a unit sees
// its own declarations while it compiles.

func (c *Compiler) lookupType(name string) (*vm.StructType, bool) {
	if st, ok := c.stagedTypes.Lookup(name); ok {
		return st, true
	}
	return c.types.Lookup(name)
}

func (c *Compiler) hasType(name string) bool {
	return c.stagedTypes.Has(name) || c.types.Has(name)
}

func (c *Compiler) lookupTrait(name string) (*vm.Trait, bool) {
	if tr, ok := c.stagedTraits.Lookup(name); ok {
		return tr, true
	}
	return c.traits.Lookup(name)
}

// commitDeclarations merges this unit's staged declarations into the
// session registries. Duplicate checks ran against both layers during the
// parse, so the merge cannot collide.
func (c *Compiler) commitDeclarations() {
	for _, name := range c.stagedTypes.All() {
		st, _ := c.stagedTypes.Lookup(name)
		_ = c.types.Register(st)
	}
	for _, name := range c.stagedTraits.All() {
		tr, _ := c.stagedTraits.Lookup(name)
		_ = c.traits.Register(tr)
	}
	for _, typeName := range c.stagedMethods.Types() {
		for _, methodName := range c.stagedMethods.MethodsFor(typeName) {
			fn, _ := c.stagedMethods.Lookup(typeName, methodName)
			_ = c.methods.Register(typeName, methodName, fn)
		}
	}
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (c *Compiler) declaration() {
	// An expression's classification dies with its statement.
	c.exprIsStack = false
	switch {
	case c.match(TokenVar):
		c.varDeclaration()
	case c.match(TokenFn):
		c.fnDeclaration()
	case c.match(TokenStruct):
		c.structDeclaration()
	case c.match(TokenTrait):
		c.traitDeclaration()
	case c.match(TokenImpl):
		c.implDeclaration()
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")

	if c.match(TokenEqual) {
		c.expression()
		if c.fc.scopeDepth > 0 && c.exprIsStack {
			// Binding a stack struct to a new local takes a copy, so the
			// new name never aliases the source buffer.
			c.emitOp(vm.OpCopy)
		}
	} else {
		c.emitOp(vm.OpNil)
		c.exprIsStack = false
	}
	c.consume(TokenSemicolon, "Expect ';' after variable declaration.")

	c.defineVariable(global)
}

func (c *Compiler) fnDeclaration() {
	global := c.parseVariable("Expect function name.")
	name := c.previous.Literal
	c.markInitialized()

	fn, upvalues := c.compileFunction(typeFunction, name)

	fnConst := c.makeConstant(vm.ObjectValue(vm.NewFunctionObject(fn)))
	c.emitBytes(vm.OpClosure, fnConst)
	for _, uv := range upvalues {
		if uv.IsLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(uv.Index)
	}
	c.exprIsStack = false

	c.defineVariable(global)
}

// compileFunction parses a parameter list and body in a fresh compile
// state and returns the finished prototype plus its capture descriptors.
func (c *Compiler) compileFunction(ft functionType, name string) (*vm.ObjFunction, []vm.UpvalueDescriptor) {
	c.pushFuncCompiler(ft, name)
	c.beginScope()

	c.consume(TokenLParen, "Expect '(' after function name.")
	// A parameter is classified by its call, not by whatever expression
	// compiled before this declaration.
	c.exprIsStack = false
	if !c.check(TokenRParen) {
		for {
			c.fc.function.Arity++
			if c.fc.function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			param := c.parseVariable("Expect parameter name.")
			c.defineVariable(param)
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRParen, "Expect ')' after parameters.")
	c.consume(TokenLBrace, "Expect '{' before function body.")
	c.block()

	upvalues := c.fc.upvalues
	fn := c.endFuncCompiler()
	return fn, upvalues
}

func (c *Compiler) structDeclaration() {
	if c.fc.funcType != typeScript || c.fc.scopeDepth > 0 {
		c.error("Struct declarations are only allowed at the top level.")
	}
	c.consume(TokenIdentifier, "Expect struct name.")
	name := c.previous

	c.consume(TokenLBrace, "Expect '{' before struct fields.")
	var fields []string
	seen := make(map[string]bool)
	if !c.check(TokenRBrace) {
		for {
			c.consume(TokenIdentifier, "Expect field name.")
			field := c.previous
			if seen[field.Literal] {
				c.errorAt(field, fmt.Sprintf("Duplicate field '%s' in struct '%s'.", field.Literal, name.Literal))
			}
			seen[field.Literal] = true
			fields = append(fields, field.Literal)
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRBrace, "Expect '}' after struct fields.")

	if c.types.Has(name.Literal) || c.stagedTypes.Register(vm.NewStructType(name.Literal, fields)) != nil {
		c.errorAt(name, fmt.Sprintf("Struct '%s' is already declared.", name.Literal))
	}
}

func (c *Compiler) traitDeclaration() {
	if c.fc.funcType != typeScript || c.fc.scopeDepth > 0 {
		c.error("Trait declarations are only allowed at the top level.")
	}
	c.consume(TokenIdentifier, "Expect trait name.")
	name := c.previous
	trait := vm.NewTrait(name.Literal)

	c.consume(TokenLBrace, "Expect '{' before trait body.")
	for !c.check(TokenRBrace) && !c.check(TokenEOF) {
		c.consume(TokenFn, "Expect 'fn' in trait body.")
		c.consume(TokenIdentifier, "Expect method name.")
		method := c.previous

		c.consume(TokenLParen, "Expect '(' after method name.")
		arity := 0
		if !c.check(TokenRParen) {
			for {
				c.consume(TokenIdentifier, "Expect parameter name.")
				arity++
				if arity > 255 {
					c.error("Can't have more than 255 parameters.")
				}
				if !c.match(TokenComma) {
					break
				}
			}
		}
		c.consume(TokenRParen, "Expect ')' after parameters.")
		c.consume(TokenSemicolon, "Expect ';' after method signature.")

		if _, dup := trait.Method(method.Literal); dup {
			c.errorAt(method, fmt.Sprintf("Method '%s' is already declared in trait '%s'.", method.Literal, name.Literal))
		}
		trait.AddMethod(method.Literal, arity)
	}
	c.consume(TokenRBrace, "Expect '}' after trait body.")

	if c.traits.Has(name.Literal) || c.stagedTraits.Register(trait) != nil {
		c.errorAt(name, fmt.Sprintf("Trait '%s' is already declared.", name.Literal))
	}
}

func (c *Compiler) implDeclaration() {
	if c.fc.funcType != typeScript || c.fc.scopeDepth > 0 {
		c.error("Impl blocks are only allowed at the top level.")
	}
	c.consume(TokenIdentifier, "Expect trait name after 'impl'.")
	traitName := c.previous
	trait, haveTrait := c.lookupTrait(traitName.Literal)
	if !haveTrait {
		c.errorAt(traitName, fmt.Sprintf("Undefined trait '%s'.", traitName.Literal))
	}

	c.consume(TokenFor, "Expect 'for' after trait name.")
	c.consume(TokenIdentifier, "Expect type name after 'for'.")
	typeName := c.previous
	if !c.hasType(typeName.Literal) {
		c.errorAt(typeName, fmt.Sprintf("Undefined struct type '%s'.", typeName.Literal))
	}

	c.consume(TokenLBrace, "Expect '{' before impl body.")
	for !c.check(TokenRBrace) && !c.check(TokenEOF) {
		c.consume(TokenFn, "Expect 'fn' in impl block.")
		c.consume(TokenIdentifier, "Expect method name.")
		method := c.previous

		fn, _ := c.compileFunction(typeMethod, method.Literal)

		if trait != nil {
			sig, declared := trait.Method(method.Literal)
			if !declared {
				c.errorAt(method, fmt.Sprintf("Method '%s' is not declared by trait '%s'.", method.Literal, traitName.Literal))
			} else if sig.Arity != fn.Arity {
				c.errorAt(method, fmt.Sprintf("Method '%s' has %d parameters but trait '%s' declares %d.",
					method.Literal, fn.Arity, traitName.Literal, sig.Arity))
			}
		}

		_, defined := c.methods.Lookup(typeName.Literal, method.Literal)
		if defined || c.stagedMethods.Register(typeName.Literal, method.Literal, fn) != nil {
			c.errorAt(method, fmt.Sprintf("Method '%s' is already defined for type '%s'.", method.Literal, typeName.Literal))
		}
	}
	c.consume(TokenRBrace, "Expect '}' after impl block.")
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *Compiler) statement() {
	switch {
	case c.match(TokenIf):
		c.ifStatement()
	case c.match(TokenWhile):
		c.whileStatement()
	case c.match(TokenFor):
		c.forStatement()
	case c.match(TokenReturn):
		c.returnStatement()
	case c.match(TokenPrint):
		c.printStatement()
	case c.match(TokenLBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(TokenRBrace) && !c.check(TokenEOF) {
		c.declaration()
	}
	c.consume(TokenRBrace, "Expect '}' after block.")
}

func (c *Compiler) ifStatement() {
	c.consume(TokenLParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(TokenRParen, "Expect ')' after condition.")

	thenJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)
	c.statement()

	elseJump := c.emitJump(vm.OpJump)
	c.patchJump(thenJump)
	c.emitOp(vm.OpPop)

	if c.match(TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := c.chunk().CurrentOffset()

	c.consume(TokenLParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(TokenRParen, "Expect ')' after condition.")

	exitJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)

	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(vm.OpPop)
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(TokenLParen, "Expect '(' after 'for'.")
	if c.match(TokenSemicolon) {
		// No initializer.
	} else if c.match(TokenVar) {
		c.varDeclaration()
	} else {
		c.expressionStatement()
	}

	loopStart := c.chunk().CurrentOffset()
	exitJump := -1
	if !c.match(TokenSemicolon) {
		c.expression()
		c.consume(TokenSemicolon, "Expect ';' after loop condition.")

		exitJump = c.emitJump(vm.OpJumpIfFalse)
		c.emitOp(vm.OpPop)
	}

	if !c.match(TokenRParen) {
		bodyJump := c.emitJump(vm.OpJump)
		incrementStart := c.chunk().CurrentOffset()
		c.expression()
		c.emitOp(vm.OpPop)
		c.consume(TokenRParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(vm.OpPop)
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.fc.funcType == typeScript {
		c.error("Can't return from top-level code.")
	}

	if c.match(TokenSemicolon) {
		c.emitReturn()
		return
	}

	c.expression()
	if c.exprIsStack {
		c.error("Can't return a stack struct from a function.")
	}
	c.consume(TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(vm.OpReturn)
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after value.")
	c.emitOp(vm.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(vm.OpPop)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	rule := parseRules[c.previous.Type]
	if rule.prefix == nil {
		c.error("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	c.exprIsStack = false
	rule.prefix(c, canAssign)

	for prec <= parseRules[c.current.Type].prec {
		c.advance()
		infix := parseRules[c.previous.Type].infix
		if infix == nil {
			break
		}
		infix(c, canAssign)
	}

	if canAssign && c.match(TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func (c *Compiler) grouping(canAssign bool) {
	c.expression()
	c.consume(TokenRParen, "Expect ')' after expression.")
}

func (c *Compiler) number(canAssign bool) {
	// The lexer guarantees the lexeme shape; a literal past float64 range
	// saturates to the ±Inf that ParseFloat returns alongside ErrRange.
	value, _ := strconv.ParseFloat(c.previous.Literal, 64)
	c.emitConstant(vm.NumberValue(value))
	c.exprIsStack = false
}

func (c *Compiler) stringLiteral(canAssign bool) {
	lexeme := c.previous.Literal
	content := lexeme[1 : len(lexeme)-1] // trim the quotes
	c.emitConstant(c.stringValue(content))
	c.exprIsStack = false
}

func (c *Compiler) literal(canAssign bool) {
	switch c.previous.Type {
	case TokenFalse:
		c.emitOp(vm.OpFalse)
	case TokenTrue:
		c.emitOp(vm.OpTrue)
	case TokenNil:
		c.emitOp(vm.OpNil)
	}
	c.exprIsStack = false
}

func (c *Compiler) unary(canAssign bool) {
	operator := c.previous.Type
	c.parsePrecedence(precUnary)

	switch operator {
	case TokenBang:
		c.emitOp(vm.OpNot)
	case TokenMinus:
		c.emitOp(vm.OpNegate)
	}
	c.exprIsStack = false
}

func (c *Compiler) binary(canAssign bool) {
	operator := c.previous.Type
	rule := parseRules[operator]
	c.parsePrecedence(rule.prec + 1)

	switch operator {
	case TokenBangEqual:
		c.emitOp(vm.OpEqual)
		c.emitOp(vm.OpNot)
	case TokenEqualEqual:
		c.emitOp(vm.OpEqual)
	case TokenGreater:
		c.emitOp(vm.OpGreater)
	case TokenGreaterEqual:
		c.emitOp(vm.OpLess)
		c.emitOp(vm.OpNot)
	case TokenLess:
		c.emitOp(vm.OpLess)
	case TokenLessEqual:
		c.emitOp(vm.OpGreater)
		c.emitOp(vm.OpNot)
	case TokenPlus:
		c.emitOp(vm.OpAdd)
	case TokenMinus:
		c.emitOp(vm.OpSubtract)
	case TokenStar:
		c.emitOp(vm.OpMultiply)
	case TokenSlash:
		c.emitOp(vm.OpDivide)
	}
	c.exprIsStack = false
}

func (c *Compiler) and(canAssign bool) {
	endJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
	c.exprIsStack = false
}

func (c *Compiler) or(canAssign bool) {
	endJump := c.emitJump(vm.OpJumpIfTrue)
	c.emitOp(vm.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
	c.exprIsStack = false
}

func (c *Compiler) call(canAssign bool) {
	argc := c.argumentList()
	c.emitBytes(vm.OpCall, argc)
	c.exprIsStack = false
}

func (c *Compiler) argumentList() byte {
	argc := 0
	if !c.check(TokenRParen) {
		for {
			c.expression()
			if argc == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRParen, "Expect ')' after arguments.")
	return byte(argc)
}

// dot handles field reads, field stores, and method invocations. A
// stack-classified value stored into a field is promoted to the heap
// first, so no heap instance ever references a frame-confined buffer.
func (c *Compiler) dot(canAssign bool) {
	c.consume(TokenIdentifier, "Expect field or method name after '.'.")
	nameConst := c.identifierConstant(c.previous)

	switch {
	case c.match(TokenLParen):
		argc := c.argumentList()
		c.emitBytes(vm.OpInvoke, nameConst)
		c.emitByte(argc)
		c.exprIsStack = false
	case canAssign && c.match(TokenEqual):
		c.expression()
		if c.exprIsStack {
			c.emitOp(vm.OpPromote)
		}
		c.emitBytes(vm.OpSetField, nameConst)
		c.exprIsStack = false
	default:
		c.emitBytes(vm.OpGetField, nameConst)
		c.exprIsStack = false
	}
}

// variable compiles an identifier: a declared struct type name followed by
// '{' begins a stack-struct literal, anything else resolves as a variable.
func (c *Compiler) variable(canAssign bool) {
	name := c.previous
	if c.check(TokenLBrace) && c.hasType(name.Literal) {
		c.structLiteral(name, false)
		return
	}
	c.namedVariable(name, canAssign)
}

func (c *Compiler) namedVariable(name Token, canAssign bool) {
	var getOp, setOp vm.Opcode
	var operand byte

	slot := c.resolveLocal(c.fc, name)
	switch {
	case slot != -1:
		getOp, setOp = vm.OpGetLocal, vm.OpSetLocal
		operand = byte(slot)
	default:
		if index := c.resolveUpvalue(c.fc, name); index != -1 {
			getOp, setOp = vm.OpGetUpvalue, vm.OpSetUpvalue
			operand = byte(index)
		} else {
			getOp, setOp = vm.OpGetGlobal, vm.OpSetGlobal
			operand = c.identifierConstant(name)
		}
	}

	if canAssign && c.match(TokenEqual) {
		c.expression()
		switch setOp {
		case vm.OpSetLocal:
			c.fc.locals[slot].stackStruct = c.exprIsStack
		case vm.OpSetGlobal:
			if c.exprIsStack {
				c.error("Can't store a stack struct in a global variable.")
			}
		case vm.OpSetUpvalue:
			if c.exprIsStack {
				c.error("Can't store a stack struct in a captured variable.")
			}
		}
		c.emitBytes(setOp, operand)
		// The assignment expression evaluates to the stored value, so the
		// classification of the right-hand side carries through.
		return
	}

	c.emitBytes(getOp, operand)
	c.exprIsStack = getOp == vm.OpGetLocal && c.fc.locals[slot].stackStruct
}

func (c *Compiler) selfExpr(canAssign bool) {
	if !c.inMethod() {
		c.error("Can't use 'self' outside of a method.")
		return
	}
	c.namedVariable(c.previous, false)
}

// newLiteral compiles `new Type { ... }`, the heap form of a struct
// literal.
func (c *Compiler) newLiteral(canAssign bool) {
	c.consume(TokenIdentifier, "Expect struct name after 'new'.")
	c.structLiteral(c.previous, true)
}

// structLiteral compiles the body of a struct literal. The literal op
// pushes an instance with every field nil; each written field then
// initializes in source order. Every named field must exist on the type.
func (c *Compiler) structLiteral(name Token, heap bool) {
	structType, known := c.lookupType(name.Literal)
	if !known {
		c.errorAt(name, fmt.Sprintf("Undefined struct type '%s'.", name.Literal))
	}
	c.consume(TokenLBrace, "Expect '{' after struct name.")

	op := vm.OpStackLiteral
	if heap {
		op = vm.OpHeapLiteral
	}
	c.emitBytes(op, c.makeConstant(c.stringValue(name.Literal)))

	written := make(map[string]bool)
	if !c.check(TokenRBrace) {
		for {
			c.consume(TokenIdentifier, "Expect field name.")
			field := c.previous
			if structType != nil {
				if _, ok := structType.FieldSlot(field.Literal); !ok {
					c.errorAt(field, fmt.Sprintf("Unknown field '%s' for struct '%s'.", field.Literal, name.Literal))
				}
			}
			if written[field.Literal] {
				c.errorAt(field, fmt.Sprintf("Duplicate field '%s' in struct literal.", field.Literal))
			}
			written[field.Literal] = true

			c.consume(TokenEqual, "Expect '=' after field name.")
			c.expression()
			if heap && c.exprIsStack {
				// A stack struct nested in a heap literal escapes with it.
				c.emitOp(vm.OpPromote)
			}
			c.emitBytes(vm.OpInitField, c.makeConstant(c.stringValue(field.Literal)))

			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRBrace, "Expect '}' after struct literal.")

	c.exprIsStack = !heap
}
