package templating

import (
	"log/slog"
	"strings"
)

// counters is shared by every step of one top-level call, across all
// recursion levels, so budgets are global to the call and independent of
// other calls.
type counters struct {
	inclusions int
	iterations int
	maxDepth   int
}

// processingContext is passed by value down the recursion. The chain slice is
// copied on push so sibling branches never see each other's entries.
type processingContext struct {
	vars        map[string]any
	chain       []string
	depth       int
	counters    *counters
	strict      bool
	preview     bool
	diagnostics *[]Diagnostic
	logger      *slog.Logger
}

func newProcessingContext(logger *slog.Logger, vars map[string]any, strict, preview bool) processingContext {
	if vars == nil {
		vars = map[string]any{}
	}
	diags := []Diagnostic{}
	return processingContext{
		vars:        vars,
		counters:    &counters{},
		strict:      strict,
		preview:     preview,
		diagnostics: &diags,
		logger:      logger,
	}
}

// push returns a child context for expanding template id with vars.
func (pc processingContext) push(id string, vars map[string]any) processingContext {
	child := pc
	child.chain = make([]string, len(pc.chain), len(pc.chain)+1)
	copy(child.chain, pc.chain)
	child.chain = append(child.chain, id)
	child.depth = pc.depth + 1
	child.vars = vars
	if child.depth > pc.counters.maxDepth {
		pc.counters.maxDepth = child.depth
	}
	return child
}

// current returns the id of the template being expanded, if known.
func (pc processingContext) current() string {
	if len(pc.chain) == 0 {
		return ""
	}
	return pc.chain[len(pc.chain)-1]
}

func (pc processingContext) inChain(id string) bool {
	for _, c := range pc.chain {
		if c == id {
			return true
		}
	}
	return false
}

func (pc processingContext) chainWith(id string) string {
	return strings.Join(append(append([]string{}, pc.chain...), id), " -> ")
}

// fail decides what happens to a content-resolution error: in strict mode, or
// when the kind is always fatal, it is returned; otherwise it is recorded as
// a diagnostic and nil is returned so the caller can keep text verbatim.
func (pc processingContext) fail(e *Error, text string) error {
	if e.TemplateID == "" {
		e.TemplateID = pc.current()
	}
	if pc.strict || e.Kind.Fatal() {
		return e
	}
	pc.report(e, text)
	return nil
}

func (pc processingContext) report(e *Error, text string) {
	d := Diagnostic{Kind: e.Kind.String(), Message: e.Error(), TemplateID: e.TemplateID, Text: text}
	for _, existing := range *pc.diagnostics {
		if existing == d {
			return
		}
	}
	*pc.diagnostics = append(*pc.diagnostics, d)
	if pc.logger != nil {
		pc.logger.Debug("Template diagnostic", "kind", d.Kind, "message", d.Message, "template", d.TemplateID)
	}
}
