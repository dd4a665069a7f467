// DynaC CLI - compiles and runs DynaC programs, hosts the REPL, and serves
// the language server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/jimingmin/DynaC/cache"
	"github.com/jimingmin/DynaC/compiler"
	"github.com/jimingmin/DynaC/manifest"
	"github.com/jimingmin/DynaC/server"
	"github.com/jimingmin/DynaC/vm"
	"github.com/jimingmin/DynaC/vm/dist"

	_ "github.com/tliron/commonlog/simple"
)

// Exit codes follow the BSD sysexits convention: 65 for compile errors,
// 70 for runtime faults, 74 for I/O failures, 64 for bad usage.
const (
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
	exitIO      = 74
)

// runOptions collapses manifest settings and command-line flags; flags win.
type runOptions struct {
	gcThreshold  int
	gcGrowth     float64
	gcTrace      bool
	trace        bool
	cacheEnabled bool
	cachePath    string
	historyPath  string
}

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (higher is noisier)")
	traceExec := flag.Bool("trace", false, "Trace each instruction as it executes")
	disasm := flag.Bool("disasm", false, "Print the compiled bytecode instead of running it")
	emit := flag.String("emit", "", "Write the compiled artifact to the given .dycb file and exit")
	serveLSP := flag.Bool("serve-lsp", false, "Start the language server on stdio")
	gcThreshold := flag.Int("gc-threshold", 0, "Initial GC trigger in bytes (0 uses the VM default)")
	gcGrowth := flag.Float64("gc-growth", 0, "Heap growth factor after each collection (0 uses the VM default)")
	gcTrace := flag.Bool("gc-trace", false, "Log each collection cycle")
	noCache := flag.Bool("no-cache", false, "Bypass the compile cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dynac [options] [script]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a DynaC script, or starts a REPL when no script is given.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  dynac program.dy           # Compile and run\n")
		fmt.Fprintf(os.Stderr, "  dynac                      # Start REPL\n")
		fmt.Fprintf(os.Stderr, "  dynac -disasm program.dy   # Show the bytecode listing\n")
		fmt.Fprintf(os.Stderr, "  dynac -trace program.dy    # Trace execution\n")
		fmt.Fprintf(os.Stderr, "  dynac -serve-lsp           # Language server on stdio\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if *serveLSP {
		if err := server.NewLSP().Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	m := loadManifest()

	opts := runOptions{
		gcThreshold:  *gcThreshold,
		gcGrowth:     *gcGrowth,
		gcTrace:      *gcTrace,
		trace:        *traceExec,
		cacheEnabled: !*noCache,
	}
	if m != nil {
		if opts.gcThreshold == 0 {
			opts.gcThreshold = m.GC.ThresholdBytes
		}
		if opts.gcGrowth == 0 {
			opts.gcGrowth = m.GC.GrowthFactor
		}
		opts.gcTrace = opts.gcTrace || m.GC.Trace
		opts.cacheEnabled = opts.cacheEnabled && m.Cache.Enabled
		opts.cachePath = m.CachePath()
		opts.historyPath = m.HistoryPath()
	} else if home, err := os.UserHomeDir(); err == nil {
		opts.cachePath = filepath.Join(home, ".dynac", "cache.db")
		opts.historyPath = filepath.Join(home, ".dynac", "history")
	}

	args := flag.Args()
	switch len(args) {
	case 0:
		runREPL(opts)
	case 1:
		runFile(args[0], opts, *disasm, *emit)
	default:
		flag.Usage()
		os.Exit(exitUsage)
	}
}

// loadManifest discovers a dynac.toml by walking up from the working
// directory. A missing manifest is fine; a broken one only warns.
func loadManifest() *manifest.Manifest {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	m, err := manifest.FindAndLoad(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}
	return m
}

func newMachine(opts runOptions) *vm.Machine {
	machine := vm.NewMachine()
	machine.SetTrace(opts.trace)
	machine.SetGCTrace(opts.gcTrace)
	if opts.gcThreshold > 0 {
		machine.SetGCThreshold(opts.gcThreshold)
	}
	if opts.gcGrowth > 0 {
		machine.SetGCGrowthFactor(opts.gcGrowth)
	}
	return machine
}

func runFile(path string, opts runOptions, disasm bool, emit string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not read %s: %v\n", path, err)
		os.Exit(exitIO)
	}
	source := string(data)

	program := loadOrCompile(source, opts)

	if emit != "" {
		artifact, err := dist.Build(program, source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := dist.WriteFile(emit, artifact); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitIO)
		}
		return
	}

	if disasm {
		printDisassembly(program)
		return
	}

	machine := newMachine(opts)
	if err := machine.Interpret(program); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntime)
	}
}

// loadOrCompile returns the program for source text, answering from the
// compile cache when it can. Cache trouble never fails a run; the source
// just compiles again.
func loadOrCompile(source string, opts runOptions) *vm.Program {
	var store *cache.Store
	if opts.cacheEnabled && opts.cachePath != "" {
		if s, err := cache.Open(opts.cachePath); err == nil {
			store = s
			defer store.Close()
		}
	}

	key := dist.HashSource(source)
	if store != nil {
		if blob, err := store.Get(key); err == nil {
			if program, err := decodeArtifact(blob); err == nil {
				return program
			}
			// Corrupt or stale entry: drop it and recompile.
			store.Delete(key)
		}
	}

	program, err := compiler.Compile(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCompile)
	}

	if store != nil {
		if artifact, err := dist.Build(program, source); err == nil {
			if blob, err := dist.Marshal(artifact); err == nil {
				store.Put(key, blob)
			}
		}
	}

	return program
}

func decodeArtifact(blob []byte) (*vm.Program, error) {
	artifact, err := dist.Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	return artifact.Program()
}

// printDisassembly lists the script, every nested function, and every
// method, each under its own header.
func printDisassembly(program *vm.Program) {
	printed := map[*vm.ObjFunction]bool{program.Script: true}

	var walk func(fn *vm.ObjFunction)
	walk = func(fn *vm.ObjFunction) {
		for _, constant := range fn.Chunk.Constants {
			if !constant.IsObjectKind(vm.ObjFunctionKind) {
				continue
			}
			nested := constant.AsObject().AsFunction()
			if printed[nested] {
				continue
			}
			printed[nested] = true
			fmt.Println()
			fmt.Print(nested.Chunk.DisassembleWithName(nested.DisplayName()))
			walk(nested)
		}
	}

	fmt.Print(program.Script.Chunk.DisassembleWithName(program.Script.DisplayName()))
	walk(program.Script)

	typeNames := program.Methods.Types()
	sort.Strings(typeNames)
	for _, typeName := range typeNames {
		methodNames := program.Methods.MethodsFor(typeName)
		sort.Strings(methodNames)
		for _, methodName := range methodNames {
			fn, _ := program.Methods.Lookup(typeName, methodName)
			if printed[fn] {
				continue
			}
			printed[fn] = true
			fmt.Println()
			fmt.Print(fn.Chunk.DisassembleWithName(typeName + "." + methodName))
			walk(fn)
		}
	}
}

// runREPL starts an interactive read-eval-print loop. Declarations
// accumulate across lines: one machine and one set of registries serve
// the whole session.
func runREPL(opts runOptions) {
	fmt.Println("DynaC REPL (type 'exit' to quit)")
	fmt.Println()

	machine := newMachine(opts)
	types := vm.NewTypeRegistry()
	traits := vm.NewTraitRegistry()
	methods := vm.NewMethodTable()

	history := openHistory(opts.historyPath)
	if history != nil {
		defer history.Close()
	}

	scanner := bufio.NewScanner(os.Stdin)
	buffer := strings.Builder{}

	for {
		// Show prompt
		if buffer.Len() == 0 {
			fmt.Print(">> ")
		} else {
			fmt.Print(".. ")
		}

		if !scanner.Scan() {
			break
		}

		line := scanner.Text()

		// Handle exit
		if buffer.Len() == 0 && (line == "exit" || line == "quit") {
			break
		}

		if buffer.Len() > 0 {
			buffer.WriteString("\n")
		}
		buffer.WriteString(line)

		// Keep reading while a brace, paren, or string is still open.
		if needsMore(buffer.String()) {
			continue
		}

		input := strings.TrimSpace(buffer.String())
		buffer.Reset()
		if input == "" {
			continue
		}

		appendHistory(history, input)

		program, err := compiler.CompileInto(input, types, traits, methods)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if err := machine.Interpret(program); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	fmt.Println()
}

// needsMore reports whether REPL input is an unfinished fragment: an open
// brace or paren, or an unterminated (possibly multi-line) string.
func needsMore(source string) bool {
	lx := compiler.NewLexer(source)
	depth := 0
	for {
		tok := lx.NextToken()
		switch tok.Type {
		case compiler.TokenEOF:
			return depth > 0
		case compiler.TokenLBrace, compiler.TokenLParen:
			depth++
		case compiler.TokenRBrace, compiler.TokenRParen:
			if depth > 0 {
				depth--
			}
		case compiler.TokenError:
			if tok.Literal == "Unterminated string." {
				return true
			}
		}
	}
}

func openHistory(path string) *os.File {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}

func appendHistory(f *os.File, input string) {
	if f == nil {
		return
	}
	fmt.Fprintln(f, input)
}
