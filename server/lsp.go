// Package server exposes DynaC tooling over the Language Server Protocol.
// The server compiles documents as they change and publishes the
// compiler's diagnostics; hover and completion answer from the registries
// the last analysis produced.
package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/jimingmin/DynaC/compiler"
	"github.com/jimingmin/DynaC/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "dynac-lsp"

// document is one open editor document plus the result of its most recent
// analysis. Registries are rebuilt per analysis and never mutated after,
// so feature handlers can read them without holding the server lock.
type document struct {
	text    string
	program *vm.Program // nil when the last compile failed
	types   *vm.TypeRegistry
	traits  *vm.TraitRegistry
	methods *vm.MethodTable
	errs    compiler.ErrorList
}

// LspServer bridges LSP editor features to the DynaC compiler.
type LspServer struct {
	worker *CompileWorker

	mu   sync.Mutex
	docs map[string]*document // URI → last analysis

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		worker:  NewCompileWorker(),
		docs:    make(map[string]*document),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "DynaC LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.updateDocument(ctx, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.updateDocument(ctx, params.TextDocument.URI, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// updateDocument analyzes new document text on the worker goroutine,
// stores the result, and publishes its diagnostics.
func (s *LspServer) updateDocument(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	result, err := s.worker.Do(func() interface{} {
		return analyzeDocument(text)
	})
	if err != nil {
		return
	}
	doc := result.(*document)

	s.mu.Lock()
	s.docs[string(uri)] = doc
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, doc.errs)
}

// analyzeDocument compiles document text against fresh registries. A
// failed compile still returns the registries, partially filled by the
// declarations that parsed; completion and hover work from those.
func analyzeDocument(text string) *document {
	doc := &document{
		text:    text,
		types:   vm.NewTypeRegistry(),
		traits:  vm.NewTraitRegistry(),
		methods: vm.NewMethodTable(),
	}

	program, err := compiler.CompileIntoPartial(text, doc.types, doc.traits, doc.methods)
	if err != nil {
		var list compiler.ErrorList
		if errors.As(err, &list) {
			doc.errs = list
		} else {
			doc.errs = compiler.ErrorList{{Line: 1, Message: err.Error()}}
		}
		return doc
	}
	doc.program = program
	return doc
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, errs compiler.ErrorList) {
	diagnostics := []protocol.Diagnostic{}
	for _, e := range errs {
		line := uint32(0)
		if e.Line > 0 {
			line = uint32(e.Line - 1)
		}

		msg := e.Message
		switch {
		case e.AtEnd:
			msg = "at end: " + e.Message
		case e.Lexeme != "":
			msg = fmt.Sprintf("at '%s': %s", e.Lexeme, e.Message)
		}

		severity := protocol.DiagnosticSeverityError
		source := lspName
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: line, Character: 0},
				End:   protocol.Position{Line: line, Character: 0},
			},
			Severity: &severity,
			Source:   &source,
			Message:  msg,
		})
	}

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	s.mu.Lock()
	doc, ok := s.docs[string(params.TextDocument.URI)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(doc.text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	return completionsFor(doc, prefix), nil
}

var completionKeywords = []string{
	"and", "else", "false", "fn", "for", "if", "impl", "new", "nil", "or",
	"print", "return", "self", "struct", "trait", "true", "var", "while",
}

func completionsFor(doc *document, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	// Struct types
	typeNames := doc.types.All()
	sort.Strings(typeNames)
	for _, name := range typeNames {
		if !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		st, _ := doc.types.Lookup(name)
		kind := protocol.CompletionItemKindStruct
		detail := fmt.Sprintf("struct (%d fields)", st.FieldCount())
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	// Traits
	traitNames := doc.traits.All()
	sort.Strings(traitNames)
	for _, name := range traitNames {
		if !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindInterface
		detail := "trait"
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	// Methods, one item per name with its receiver types as detail
	receivers := make(map[string][]string)
	for _, typeName := range doc.methods.Types() {
		for _, methodName := range doc.methods.MethodsFor(typeName) {
			receivers[methodName] = append(receivers[methodName], typeName)
		}
	}
	methodNames := make([]string, 0, len(receivers))
	for name := range receivers {
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		if !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		types := receivers[name]
		sort.Strings(types)
		kind := protocol.CompletionItemKindMethod
		detail := "method on " + strings.Join(types, ", ")
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	// Keywords
	for _, word := range completionKeywords {
		if !strings.HasPrefix(word, lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindKeyword
		wordCopy := word
		items = append(items, protocol.CompletionItem{
			Label:      word,
			Kind:       &kind,
			InsertText: &wordCopy,
		})
	}

	// Natives
	if strings.HasPrefix("clock", lowerPrefix) {
		kind := protocol.CompletionItemKindFunction
		detail := "native fn"
		name := "clock"
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	s.mu.Lock()
	doc, ok := s.docs[string(params.TextDocument.URI)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	word := extractWord(doc.text, params.Position)
	if word == "" {
		return nil, nil
	}

	return hoverFor(doc, word), nil
}

func hoverFor(doc *document, word string) *protocol.Hover {
	if st, ok := doc.types.Lookup(word); ok {
		var b strings.Builder
		fmt.Fprintf(&b, "**struct %s**\n\n", st.Name)
		if len(st.FieldNames) > 0 {
			fmt.Fprintf(&b, "Fields: `%s`\n\n", strings.Join(st.FieldNames, "` `"))
		}
		methods := doc.methods.MethodsFor(st.Name)
		if len(methods) > 0 {
			sort.Strings(methods)
			fmt.Fprintf(&b, "Methods: %s", strings.Join(methods, ", "))
		}
		return markdownHover(b.String())
	}

	if tr, ok := doc.traits.Lookup(word); ok {
		var b strings.Builder
		fmt.Fprintf(&b, "**trait %s**\n\n", tr.Name)
		for _, m := range tr.Methods {
			fmt.Fprintf(&b, "- %s (%d params)\n", m.Name, m.Arity)
		}
		return markdownHover(b.String())
	}

	// Method name → list its receiver types
	var implementors []string
	arity := -1
	for _, typeName := range doc.methods.Types() {
		if fn, ok := doc.methods.Lookup(typeName, word); ok {
			implementors = append(implementors, typeName)
			arity = fn.Arity
		}
	}
	if len(implementors) == 0 {
		return nil
	}
	sort.Strings(implementors)

	var b strings.Builder
	fmt.Fprintf(&b, "**fn %s** (%d params)\n\n", word, arity)
	fmt.Fprintf(&b, "Implemented by %d types:\n", len(implementors))
	for _, name := range implementors {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return markdownHover(b.String())
}

func markdownHover(content string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: content,
		},
	}
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI

	s.mu.Lock()
	doc, ok := s.docs[string(uri)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	word := extractWord(doc.text, params.Position)
	if word == "" {
		return nil, nil
	}

	line, found := findDeclaration(doc.text, word)
	if !found {
		return nil, nil
	}

	pos := protocol.Position{Line: uint32(line - 1), Character: 0}
	return []protocol.Location{{
		URI:   uri,
		Range: protocol.Range{Start: pos, End: pos},
	}}, nil
}

// findDeclaration scans document tokens for `struct W`, `trait W`, `fn W`,
// or `var W` and returns the declaration's line.
func findDeclaration(text, word string) (int, bool) {
	lx := compiler.NewLexer(text)
	var prev compiler.Token
	for {
		tok := lx.NextToken()
		if tok.Type == compiler.TokenEOF {
			return 0, false
		}
		if tok.Type == compiler.TokenIdentifier && tok.Literal == word {
			switch prev.Type {
			case compiler.TokenStruct, compiler.TokenTrait, compiler.TokenFn, compiler.TokenVar:
				return tok.Line, true
			}
		}
		prev = tok
	}
}

// --- Text extraction helpers ---

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			start--
		} else {
			break
		}
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			start--
		} else {
			break
		}
	}

	// Find end
	end := col
	for end < len(line) {
		ch := rune(line[end])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			end++
		} else {
			break
		}
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
