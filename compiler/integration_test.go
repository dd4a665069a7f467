// Full pipeline tests: source through the compiler into the virtual
// machine, asserting on print output and runtime faults.
package compiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/jimingmin/DynaC/vm"
)

// ---------------------------------------------------------------------------
// Pipeline helpers
// ---------------------------------------------------------------------------

// runSource compiles and executes source on a fresh machine and returns
// everything it printed.
func runSource(t *testing.T, source string) string {
	t.Helper()
	program, err := Compile(source)
	if err != nil {
		t.Fatalf("compile error: %v\nsource: %s", err, source)
	}
	machine := vm.NewMachine()
	var out bytes.Buffer
	machine.SetStdout(&out)
	if err := machine.Interpret(program); err != nil {
		t.Fatalf("runtime error: %v\nsource: %s", err, source)
	}
	return out.String()
}

// runExpectFault compiles and executes source, requiring a runtime fault.
// It returns the output printed before the fault and the fault itself.
func runExpectFault(t *testing.T, source string) (string, *vm.RuntimeError) {
	t.Helper()
	program, err := Compile(source)
	if err != nil {
		t.Fatalf("compile error: %v\nsource: %s", err, source)
	}
	machine := vm.NewMachine()
	var out bytes.Buffer
	machine.SetStdout(&out)
	err = machine.Interpret(program)
	if err == nil {
		t.Fatalf("expected runtime fault, got none\nsource: %s", source)
	}
	var fault *vm.RuntimeError
	if !errors.As(err, &fault) {
		t.Fatalf("expected RuntimeError, got %T: %v", err, err)
	}
	return out.String(), fault
}

// expectOutput runs source and compares the printed lines.
func expectOutput(t *testing.T, source, want string) {
	t.Helper()
	got := runSource(t, source)
	if got != want {
		t.Errorf("Expected output %q, got %q\nsource: %s", want, got, source)
	}
}

// ---------------------------------------------------------------------------
// Expressions and printing
// ---------------------------------------------------------------------------

func TestRunArithmetic(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"addition", "print 1 + 2;", "3\n"},
		{"precedence", "print 1 + 2 * 3;", "7\n"},
		{"grouping", "print (1 + 2) * 3;", "9\n"},
		{"division", "print 10 / 4;", "2.5\n"},
		{"negation", "print -4;", "-4\n"},
		{"double negation", "print --4;", "4\n"},
		{"subtraction chain", "print 10 - 4 - 3;", "3\n"},
		{"unary in expression", "print 3 * -2;", "-6\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunNumberFormatting(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"integral stays integral", "print 7.0;", "7\n"},
		{"fraction trims zeros", "print 0.1 + 0.2;", "0.3\n"},
		{"repeating fraction", "print 1 / 3;", "0.3333333333\n"},
		{"negative fraction", "print -2.5;", "-2.5\n"},
		{"zero", "print 0;", "0\n"},
		{"division by zero", "print 1 / 0;", "inf\n"},
		{"negative division by zero", "print -1 / 0;", "-inf\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunNumberLiteralPastRangeSaturates(t *testing.T) {
	// A literal beyond float64 range reads as infinity, not zero.
	source := "print 1" + strings.Repeat("0", 309) + ";"
	expectOutput(t, source, "inf\n")

	source = "print -1" + strings.Repeat("0", 309) + ";"
	expectOutput(t, source, "-inf\n")
}

func TestRunLiteralsAndTruthiness(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"true", "print true;", "true\n"},
		{"false", "print false;", "false\n"},
		{"nil", "print nil;", "nil\n"},
		{"string", `print "hello";`, "hello\n"},
		{"not true", "print !true;", "false\n"},
		{"not nil", "print !nil;", "true\n"},
		{"not zero", "print !0;", "false\n"},
		{"not empty string", `print !"";`, "false\n"},
		{"double not", "print !!nil;", "false\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunComparisons(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"less", "print 1 < 2;", "true\n"},
		{"greater", "print 1 > 2;", "false\n"},
		{"less equal", "print 2 <= 2;", "true\n"},
		{"greater equal", "print 3 >= 4;", "false\n"},
		{"number equality", "print 1 == 1;", "true\n"},
		{"number inequality", "print 1 != 2;", "true\n"},
		{"nil equals nil", "print nil == nil;", "true\n"},
		{"bool equality", "print true == true;", "true\n"},
		{"mixed kinds unequal", `print 1 == "1";`, "false\n"},
		{"nil not false", "print nil == false;", "false\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunStringInterning(t *testing.T) {
	// Equal string contents compare equal through pointer identity: the
	// machine interns every string it adopts.
	expectOutput(t, `print "a" == "a";`, "true\n")
	expectOutput(t, `print "a" == "b";`, "false\n")

	// Interning crosses constant pools: a string built in one statement
	// matches the same content from another.
	expectOutput(t, `var s = "shared"; print s == "shared";`, "true\n")
}

func TestRunLogicalOperators(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"and true", "print true and 2;", "2\n"},
		{"and false short circuits", "print false and 2;", "false\n"},
		{"or true short circuits", "print 1 or 2;", "1\n"},
		{"or falls through", "print nil or 2;", "2\n"},
		{"chained", "print false or nil or 3;", "3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunLogicalShortCircuitSkipsEffects(t *testing.T) {
	source := `
fn sideEffect() { print "evaluated"; return true; }
var r = false and sideEffect();
print r;
`
	expectOutput(t, source, "false\n")
}

// ---------------------------------------------------------------------------
// Variables and scoping
// ---------------------------------------------------------------------------

func TestRunGlobals(t *testing.T) {
	source := `
var a = 1;
var b;
print a;
print b;
a = a + 10;
print a;
`
	expectOutput(t, source, "1\nnil\n11\n")
}

func TestRunAssignmentIsAnExpression(t *testing.T) {
	expectOutput(t, "var a = 1; print a = 2;", "2\n")
}

func TestRunBlockScoping(t *testing.T) {
	source := `
var x = "global";
{
	var x = "inner";
	print x;
}
print x;
`
	expectOutput(t, source, "inner\nglobal\n")
}

func TestRunNestedShadowing(t *testing.T) {
	source := `
{
	var a = 1;
	{
		var a = a + 1;
	}
}
`
	// Reading the outer a inside the inner initializer is the error case;
	// this spelling must fail at compile time.
	_, err := Compile(source)
	if err == nil {
		t.Fatal("expected shadowing initializer to be a compile error")
	}
	if !strings.Contains(err.Error(), "Can't read local variable in its own initializer.") {
		t.Errorf("unexpected diagnostics: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestRunIfElse(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"then branch", `if (true) { print "then"; } else { print "else"; }`, "then\n"},
		{"else branch", `if (false) { print "then"; } else { print "else"; }`, "else\n"},
		{"no else skips", `if (false) { print "then"; } print "after";`, "after\n"},
		{"nil is falsy", `if (nil) { print "then"; } else { print "else"; }`, "else\n"},
		{"zero is truthy", `if (0) { print "then"; } else { print "else"; }`, "then\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectOutput(t, tt.source, tt.want)
		})
	}
}

func TestRunWhileLoop(t *testing.T) {
	source := `
var sum = 0;
var i = 1;
while (i <= 5) {
	sum = sum + i;
	i = i + 1;
}
print sum;
`
	expectOutput(t, source, "15\n")
}

func TestRunForLoop(t *testing.T) {
	source := `
for (var i = 0; i < 3; i = i + 1) {
	print i;
}
`
	expectOutput(t, source, "0\n1\n2\n")
}

func TestRunForLoopClauses(t *testing.T) {
	// Initializer and increment are both optional.
	source := `
var i = 0;
for (; i < 2;) {
	print i;
	i = i + 1;
}
`
	expectOutput(t, source, "0\n1\n")
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func TestRunFunctionCalls(t *testing.T) {
	source := `
fn add(a, b) { return a + b; }
print add(3, 4);
print add(add(1, 2), 3);
`
	expectOutput(t, source, "7\n6\n")
}

func TestRunFunctionImplicitReturn(t *testing.T) {
	source := `
fn noise() { print "ran"; }
print noise();
`
	expectOutput(t, source, "ran\nnil\n")
}

func TestRunFunctionValue(t *testing.T) {
	source := `
fn named() {}
print named;
`
	expectOutput(t, source, "<fn named>\n")
}

func TestRunRecursion(t *testing.T) {
	source := `
fn fib(n) {
	if (n < 2) { return n; }
	return fib(n - 1) + fib(n - 2);
}
print fib(10);
`
	expectOutput(t, source, "55\n")
}

func TestRunFirstClassFunctions(t *testing.T) {
	source := `
fn twice(f, x) { return f(f(x)); }
fn inc(n) { return n + 1; }
print twice(inc, 5);
`
	expectOutput(t, source, "7\n")
}

func TestRunClockNative(t *testing.T) {
	expectOutput(t, "print clock() >= 0;", "true\n")
	expectOutput(t, "print clock;", "<native fn clock>\n")
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

func TestRunClosureCounter(t *testing.T) {
	source := `
fn makeCounter() {
	var count = 0;
	fn increment() {
		count = count + 1;
		return count;
	}
	return increment;
}
var counter = makeCounter();
print counter();
print counter();
`
	expectOutput(t, source, "1\n2\n")
}

func TestRunClosuresShareCell(t *testing.T) {
	// Two closures over the same variable observe each other's writes.
	source := `
var get = nil;
var set = nil;
fn make() {
	var shared = "initial";
	fn getter() { return shared; }
	fn setter(v) { shared = v; }
	get = getter;
	set = setter;
}
make();
print get();
set("updated");
print get();
`
	expectOutput(t, source, "initial\nupdated\n")
}

func TestRunClosureCapturesVariableNotValue(t *testing.T) {
	source := `
var f = nil;
{
	var x = 1;
	fn capture() { return x; }
	x = 2;
	f = capture;
}
print f();
`
	expectOutput(t, source, "2\n")
}

func TestRunClosureOutlivesScope(t *testing.T) {
	// The captured slot closes when its block ends; the closure keeps the
	// final value alive off the stack.
	source := `
var f = nil;
{
	var message = "still here";
	fn speak() { print message; }
	f = speak;
}
f();
`
	expectOutput(t, source, "still here\n")
}

func TestRunIndependentCounters(t *testing.T) {
	source := `
fn makeCounter() {
	var count = 0;
	fn increment() {
		count = count + 1;
		return count;
	}
	return increment;
}
var a = makeCounter();
var b = makeCounter();
print a();
print a();
print b();
`
	expectOutput(t, source, "1\n2\n1\n")
}

// ---------------------------------------------------------------------------
// Stack structs
// ---------------------------------------------------------------------------

func TestRunStackStructBasics(t *testing.T) {
	source := `
struct Point { x, y }
fn main() {
	var p = Point{x = 1, y = 2};
	print p.x;
	print p.y;
	print p;
	p.x = 10;
	print p.x;
}
main();
`
	expectOutput(t, source, "1\n2\nPoint{x: 1, y: 2}\n10\n")
}

func TestRunStackStructUninitializedFieldsAreNil(t *testing.T) {
	source := `
struct Pair { a, b }
fn main() {
	var p = Pair{a = 1};
	print p.b;
}
main();
`
	expectOutput(t, source, "nil\n")
}

func TestRunStackStructAssignmentCopies(t *testing.T) {
	source := `
struct Point { x, y }
fn main() {
	var p = Point{x = 1, y = 2};
	var q = p;
	q.x = 99;
	print p.x;
	print q.x;
}
main();
`
	expectOutput(t, source, "1\n99\n")
}

func TestRunStackStructArgumentCopies(t *testing.T) {
	source := `
struct Point { x, y }
fn mutate(p) { p.x = 99; }
fn main() {
	var p = Point{x = 1, y = 2};
	mutate(p);
	print p.x;
}
main();
`
	expectOutput(t, source, "1\n")
}

func TestRunStackStructNestedCopies(t *testing.T) {
	// Copying a stack struct re-buffers nested stack structs too.
	source := `
struct Inner { v }
struct Outer { inner }
fn main() {
	var o = Outer{inner = Inner{v = 1}};
	var c = o;
	c.inner.v = 99;
	print o.inner.v;
	print c.inner.v;
}
main();
`
	expectOutput(t, source, "1\n99\n")
}

func TestRunStackStructEquality(t *testing.T) {
	// Stack struct equality is buffer identity: a copy never equals its
	// source, a variable equals itself.
	source := `
struct Point { x }
fn main() {
	var p = Point{x = 1};
	var q = p;
	print p == p;
	print p == q;
}
main();
`
	expectOutput(t, source, "true\nfalse\n")
}

func TestRunFunctionDeclaredAfterStackLiteral(t *testing.T) {
	// The escape rules fire on stack values, not on declarations that
	// merely follow one: id's parameter carries whatever its call passes.
	source := `
struct Point { x }
fn outer() {
	var p = Point{x = 1};
	fn id(q) {
		return q;
	}
	return id(2);
}
print outer();
`
	expectOutput(t, source, "2\n")
}

func TestRunClosureDeclaredAfterStackLiteral(t *testing.T) {
	source := `
struct Point { x }
fn outer() {
	var p = Point{x = 1};
	fn make(n) {
		fn get() {
			return n;
		}
		return get();
	}
	return make(7);
}
print outer();
`
	expectOutput(t, source, "7\n")
}

// ---------------------------------------------------------------------------
// Heap structs
// ---------------------------------------------------------------------------

func TestRunHeapStructAliases(t *testing.T) {
	source := `
struct Point { x, y }
var p = new Point{x = 1, y = 2};
var q = p;
q.x = 99;
print p.x;
`
	expectOutput(t, source, "99\n")
}

func TestRunHeapStructIdentity(t *testing.T) {
	source := `
struct Point { x, y }
var a = new Point{x = 1, y = 2};
var b = new Point{x = 1, y = 2};
var c = a;
print a == b;
print a == c;
`
	expectOutput(t, source, "false\ntrue\n")
}

func TestRunHeapStructArgumentShares(t *testing.T) {
	source := `
struct Point { x }
fn mutate(p) { p.x = 99; }
var p = new Point{x = 1};
mutate(p);
print p.x;
`
	expectOutput(t, source, "99\n")
}

func TestRunPromotionOnFieldStore(t *testing.T) {
	// Storing a stack struct into a heap field promotes a deep copy; later
	// writes to the stack original do not reach the promoted instance.
	source := `
struct Point { x }
struct Box { inner }
var b = new Box{};
fn fill() {
	var p = Point{x = 1};
	b.inner = p;
	p.x = 99;
}
fill();
print b.inner.x;
`
	expectOutput(t, source, "1\n")
}

func TestRunPromotionInHeapLiteral(t *testing.T) {
	source := `
struct Point { x }
struct Box { inner }
fn make() {
	return new Box{inner = Point{x = 7}};
}
print make().inner.x;
`
	expectOutput(t, source, "7\n")
}

func TestRunPromotionOnGlobalDefine(t *testing.T) {
	// A heap struct holding what began as a stack struct is fully on the
	// heap: aliasing works through the global.
	source := `
struct Point { x }
struct Box { inner }
var b = new Box{inner = Point{x = 1}};
var alias = b.inner;
alias.x = 42;
print b.inner.x;
`
	expectOutput(t, source, "42\n")
}

func TestRunHeapStructPrinting(t *testing.T) {
	source := `
struct Point { x, y }
var p = new Point{x = 1, y = nil};
print p;
`
	expectOutput(t, source, "Point{x: 1, y: nil}\n")
}

func TestRunPrintSelfReferentialStruct(t *testing.T) {
	// A heap struct can reach itself through plain field stores; printing
	// one must terminate.
	source := `
struct Box { inner }
var b = new Box{};
b.inner = b;
print b;
`
	expectOutput(t, source, "Box{inner: ...}\n")
}

// ---------------------------------------------------------------------------
// Traits and methods
// ---------------------------------------------------------------------------

func TestRunTraitDispatch(t *testing.T) {
	source := `
struct Rect { w, h }
trait Shape {
	fn area();
}
impl Shape for Rect {
	fn area() { return self.w * self.h; }
}
var r = new Rect{w = 7, h = 1};
print r.area();
`
	expectOutput(t, source, "7\n")
}

func TestRunMethodWithArguments(t *testing.T) {
	source := `
struct Counter { n }
trait Bumpable {
	fn bump(by);
}
impl Bumpable for Counter {
	fn bump(by) { self.n = self.n + by; return self.n; }
}
var c = new Counter{n = 10};
print c.bump(5);
print c.n;
`
	expectOutput(t, source, "15\n15\n")
}

func TestRunMethodOnStackReceiver(t *testing.T) {
	// The receiver binds by alias, so a method mutating self writes the
	// caller's buffer even for a stack struct.
	source := `
struct Counter { n }
trait Bumpable {
	fn bump();
}
impl Bumpable for Counter {
	fn bump() { self.n = self.n + 1; }
}
fn main() {
	var c = Counter{n = 0};
	c.bump();
	c.bump();
	print c.n;
}
main();
`
	expectOutput(t, source, "2\n")
}

func TestRunTwoTypesOneTrait(t *testing.T) {
	source := `
struct Circle { r }
struct Square { s }
trait Named {
	fn name();
}
impl Named for Circle {
	fn name() { return "circle"; }
}
impl Named for Square {
	fn name() { return "square"; }
}
fn describe(shape) { print shape.name(); }
describe(new Circle{r = 1});
describe(new Square{s = 2});
`
	expectOutput(t, source, "circle\nsquare\n")
}

func TestRunMethodCallsMethod(t *testing.T) {
	source := `
struct Rect { w, h }
trait Shape {
	fn area();
	fn double();
}
impl Shape for Rect {
	fn area() { return self.w * self.h; }
	fn double() { return self.area() * 2; }
}
print new Rect{w = 3, h = 4}.double();
`
	expectOutput(t, source, "24\n")
}

// ---------------------------------------------------------------------------
// Runtime faults
// ---------------------------------------------------------------------------

func TestRunRuntimeFaults(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"undefined variable read", "print missing;", "Undefined variable 'missing'."},
		{"undefined variable write", "missing = 1;", "Undefined variable 'missing'."},
		{"add non-numbers", `print "a" + 1;`, "Operands must be numbers."},
		{"compare non-numbers", `print 1 < "a";`, "Operands must be numbers."},
		{"negate non-number", `print -"a";`, "Operand must be a number."},
		{"call non-callable", "var f = 1; f();", "Can only call functions."},
		{"call nil", "nil();", "Can only call functions."},
		{"arity mismatch", "fn f(a) {} f(1, 2);", "Expected 1 arguments but got 2."},
		{"native arity mismatch", "clock(1);", "Expected 0 arguments but got 1."},
		{
			"undefined field",
			"struct P { x }\nvar p = new P{};\nprint p.y;",
			"Undefined field 'y' for struct 'P'.",
		},
		{"field on number", "print 1.x;", "Only structs have fields."},
		{"method on number", "print 1.frob();", "Undefined method 'frob' for number."},
		{
			"method undefined for type",
			"struct P { x }\nvar p = new P{};\np.frob();",
			"Undefined method 'frob' for P.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fault := runExpectFault(t, tt.source)
			if fault.Message != tt.want {
				t.Errorf("Expected fault %q, got %q", tt.want, fault.Message)
			}
		})
	}
}

func TestRunFaultHaltsExecution(t *testing.T) {
	source := `
print "before";
print "a" + 1;
print "after";
`
	out, fault := runExpectFault(t, source)
	if out != "before\n" {
		t.Errorf("Expected only output before the fault, got %q", out)
	}
	if fault.Message != "Operands must be numbers." {
		t.Errorf("unexpected fault: %v", fault)
	}
}

func TestRunFaultTrace(t *testing.T) {
	source := `fn inner() { return missing; }
fn outer() { return inner(); }
outer();
`
	_, fault := runExpectFault(t, source)

	if len(fault.Trace) != 3 {
		t.Fatalf("Expected 3 trace frames, got %d: %+v", len(fault.Trace), fault.Trace)
	}
	// Innermost frame first, script last.
	if fault.Trace[0].Function != "inner" {
		t.Errorf("frame 0 should be inner, got %q", fault.Trace[0].Function)
	}
	if fault.Trace[1].Function != "outer" {
		t.Errorf("frame 1 should be outer, got %q", fault.Trace[1].Function)
	}
	if fault.Trace[2].Function != "" {
		t.Errorf("frame 2 should be the script, got %q", fault.Trace[2].Function)
	}
	if fault.Trace[0].Line != 1 {
		t.Errorf("inner frame should report line 1, got %d", fault.Trace[0].Line)
	}

	rendered := fault.Error()
	if !strings.Contains(rendered, "in inner()") || !strings.Contains(rendered, "in <script>") {
		t.Errorf("rendered trace missing frames: %s", rendered)
	}
}

func TestRunStackOverflow(t *testing.T) {
	_, fault := runExpectFault(t, "fn f() { f(); } f();")
	if fault.Message != "Stack overflow." {
		t.Errorf("Expected stack overflow fault, got %q", fault.Message)
	}
}

func TestRunMachineSurvivesFault(t *testing.T) {
	// A faulted machine resets its stacks; the next program runs clean.
	machine := vm.NewMachine()
	var out bytes.Buffer
	machine.SetStdout(&out)

	broken, err := Compile("print missing;")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if err := machine.Interpret(broken); err == nil {
		t.Fatal("expected fault from first program")
	}

	fine, err := Compile("print 42;")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if err := machine.Interpret(fine); err != nil {
		t.Fatalf("second program failed: %v", err)
	}
	if out.String() != "42\n" {
		t.Errorf("Expected %q, got %q", "42\n", out.String())
	}
}

// ---------------------------------------------------------------------------
// Session accumulation
// ---------------------------------------------------------------------------

func TestRunSessionAccumulatesState(t *testing.T) {
	// One machine plus shared registries behaves like a REPL: globals,
	// types, and methods persist across compile units.
	types := vm.NewTypeRegistry()
	traits := vm.NewTraitRegistry()
	methods := vm.NewMethodTable()
	machine := vm.NewMachine()
	var out bytes.Buffer
	machine.SetStdout(&out)

	feed := func(source string) {
		t.Helper()
		program, err := CompileInto(source, types, traits, methods)
		if err != nil {
			t.Fatalf("compile error: %v\nsource: %s", err, source)
		}
		if err := machine.Interpret(program); err != nil {
			t.Fatalf("runtime error: %v\nsource: %s", err, source)
		}
	}

	feed("var total = 1;")
	feed("struct Point { x, y }")
	feed("trait Show { fn show(); }")
	feed("impl Show for Point { fn show() { print self.x; } }")
	feed("var p = new Point{x = 40, y = 2};")
	feed("total = total + p.x;")
	feed("p.show();")
	feed("print total;")

	if out.String() != "40\n41\n" {
		t.Errorf("Expected %q, got %q", "40\n41\n", out.String())
	}

	if v, ok := machine.Global("total"); !ok || !v.IsNumber() || v.AsNumber() != 41 {
		t.Errorf("global total should be 41, got %+v (ok=%v)", v, ok)
	}
}

func TestRunGlobalFunctionAcrossUnits(t *testing.T) {
	types := vm.NewTypeRegistry()
	traits := vm.NewTraitRegistry()
	methods := vm.NewMethodTable()
	machine := vm.NewMachine()
	var out bytes.Buffer
	machine.SetStdout(&out)

	first, err := CompileInto("fn greet() { print \"hi\"; }", types, traits, methods)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if err := machine.Interpret(first); err != nil {
		t.Fatalf("runtime error: %v", err)
	}

	second, err := CompileInto("greet();", types, traits, methods)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if err := machine.Interpret(second); err != nil {
		t.Fatalf("runtime error: %v", err)
	}

	if out.String() != "hi\n" {
		t.Errorf("Expected %q, got %q", "hi\n", out.String())
	}
}

// ---------------------------------------------------------------------------
// Collection under load
// ---------------------------------------------------------------------------

func TestRunSurvivesCollection(t *testing.T) {
	// A tiny threshold forces collections throughout the loop. Rooted
	// state (globals, the counter's captured cell, a live heap struct,
	// an interned string) must come through every cycle intact.
	source := `
struct Point { x, y }
fn makeCounter() {
	var count = 0;
	fn increment() {
		count = count + 1;
		return count;
	}
	return increment;
}
var counter = makeCounter();
var keep = new Point{x = 1, y = 2};
var label = "kept";
counter();
var i = 0;
while (i < 200) {
	var junk = new Point{x = i, y = i};
	junk.x = junk.x + 1;
	i = i + 1;
}
print counter();
print keep.x + keep.y;
print label == "kept";
`
	program, err := Compile(source)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := vm.NewMachine()
	machine.SetGCThreshold(1)
	var out bytes.Buffer
	machine.SetStdout(&out)
	if err := machine.Interpret(program); err != nil {
		t.Fatalf("runtime error: %v", err)
	}

	want := "2\n3\ntrue\n"
	if out.String() != want {
		t.Errorf("Expected %q, got %q", want, out.String())
	}
	if machine.Stats().Cycles == 0 {
		t.Error("allocation churn should have triggered at least one collection")
	}
}
