package templating

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
)

var (
	loopOpenPattern   = regexp.MustCompile(`\{\{\s*#each\b([^{}]*?)\}\}`)
	loopClosePattern  = regexp.MustCompile(`\{\{\s*/each\s*\}\}`)
	loopHeaderPattern = regexp.MustCompile(`^(\S+)(?:\s+as\s+([A-Za-z_$][\w$]*))?$`)
	specialVarPattern = regexp.MustCompile(`\{\{\s*(@(?:index|first|last|length|key)\b[^{}|]*?)\s*\}\}`)
	specialExprSafe   = regexp.MustCompile(`^[@\w\s+\-*/%().]+$`)
	specialRefPattern = regexp.MustCompile(`@(index|first|last|length|key)\b`)
)

// LoopBlock is a top-level {{#each}} ... {{/each}} block.
type LoopBlock struct {
	FullMatch string `json:"full_match"`
	Path      string `json:"path"`
	Alias     string `json:"alias,omitempty"`
	Body      string `json:"body"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// LoopStats summarizes the loops of a template.
type LoopStats struct {
	Loops                int      `json:"loops"`
	TopLevel             int      `json:"top_level"`
	MaxNesting           int      `json:"max_nesting"`
	Paths                []string `json:"paths"`
	Aliases              []string `json:"aliases"`
	UsesSpecialVariables bool     `json:"uses_special_variables"`
	EstimatedIterations  int      `json:"estimated_iterations"`
}

// LoopPreview describes what a top-level loop would iterate over.
type LoopPreview struct {
	Path   string `json:"path"`
	Alias  string `json:"alias,omitempty"`
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Nested int    `json:"nested"`
}

// loopFrame is the bookkeeping of one active iteration. Frames link to their
// parent so aliases of enclosing loops stay reachable.
type loopFrame struct {
	path   string
	alias  string
	index  int
	length int
	item   any
	key    string
	hasKey bool
	parent *loopFrame
}

// lookup returns the frame whose item a path root refers to: "this" is the
// innermost frame, an alias is the nearest frame declaring it.
func (f *loopFrame) lookup(root string) *loopFrame {
	if f == nil {
		return nil
	}
	if root == "this" {
		return f
	}
	for cur := f; cur != nil; cur = cur.parent {
		if cur.alias != "" && cur.alias == root {
			return cur
		}
	}
	return nil
}

// resolve looks up a this/alias path in the frame chain.
func (f *loopFrame) resolve(path string) (any, bool, bool) {
	root := rootName(path)
	owner := f.lookup(root)
	if owner == nil {
		return nil, false, false
	}
	rest := strings.TrimPrefix(path[len(root):], ".")
	v, found := ResolveValue(owner.item, rest)
	return v, found, true
}

// LoopEngine expands {{#each}} blocks. All methods are concurrent-safe.
type LoopEngine struct {
	logger *slog.Logger
	config Config
	mu     sync.RWMutex
}

// NewLoopEngine creates a LoopEngine. A nil logger discards output.
func NewLoopEngine(logger *slog.Logger, config Config) *LoopEngine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LoopEngine{logger: logger, config: config}
}

// SetConfig replaces the configuration for subsequent calls.
func (le *LoopEngine) SetConfig(config Config) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.config = config
}

func (le *LoopEngine) getConfig() Config {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.config
}

// ProcessTemplate expands every loop in content against vars. References to
// this, aliases and the @ variables are substituted; everything else is left
// for later stages.
func (le *LoopEngine) ProcessTemplate(ctx context.Context, content string, vars map[string]any, strict bool) (string, error) {
	pc := newProcessingContext(le.logger, vars, strict, false)
	return le.expand(ctx, content, pc)
}

func (le *LoopEngine) expand(ctx context.Context, content string, pc processingContext) (string, error) {
	return le.expandWithin(ctx, content, pc, nil, le.getConfig())
}

func (le *LoopEngine) expandWithin(ctx context.Context, content string, pc processingContext, frame *loopFrame, cfg Config) (string, error) {
	if !strings.Contains(content, "each") {
		return le.bindFrame(content, pc, frame)
	}
	blocks, err := FindLoopBlocks(content)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	last := 0
	for _, blk := range blocks {
		seg, err := le.bindFrame(content[last:blk.Start], pc, frame)
		if err != nil {
			return "", err
		}
		b.WriteString(seg)
		out, err := le.expandBlock(ctx, blk, pc, frame, cfg)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
		last = blk.End
	}
	tail, err := le.bindFrame(content[last:], pc, frame)
	if err != nil {
		return "", err
	}
	b.WriteString(tail)
	return b.String(), nil
}

func (le *LoopEngine) expandBlock(ctx context.Context, blk LoopBlock, pc processingContext, frame *loopFrame, cfg Config) (string, error) {
	target, found, inFrame := frame.resolve(blk.Path)
	if !inFrame {
		target, found = Resolve(pc.vars, blk.Path)
	}
	if !found || target == nil {
		e := newError(UnresolvedVariable, "Loop target '%s' is undefined", blk.Path)
		return "", pc.fail(e, blk.FullMatch)
	}

	items, keys, ok := iterationItems(target)
	if !ok {
		if cfg.StrictScalarLoops {
			e := newError(UnresolvedVariable, "Loop target '%s' is not a list or object", blk.Path)
			return "", pc.fail(e, blk.FullMatch)
		}
		items = []any{target}
	}

	var b strings.Builder
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pc.counters.iterations++
		if cfg.MaxIterations > 0 && pc.counters.iterations > cfg.MaxIterations {
			return "", newError(MaxIterationsExceeded, "Loop iteration count exceeds maximum (%d)", cfg.MaxIterations)
		}
		child := &loopFrame{
			path:   blk.Path,
			alias:  blk.Alias,
			index:  i,
			length: len(items),
			item:   item,
			parent: frame,
		}
		if keys != nil {
			child.key, child.hasKey = keys[i], true
		}
		out, err := le.expandWithin(ctx, blk.Body, pc, child, cfg)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

// iterationItems turns a loop target into the items to iterate. Objects
// become {key, value} records in sorted key order. ok is false for scalars.
func iterationItems(target any) (items []any, keys []string, ok bool) {
	switch t := target.(type) {
	case []any:
		return t, nil, true
	case []string:
		items = make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return items, nil, true
	case []map[string]any:
		items = make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return items, nil, true
	case []int:
		items = make([]any, len(t))
		for i, n := range t {
			items[i] = n
		}
		return items, nil, true
	case []float64:
		items = make([]any, len(t))
		for i, n := range t {
			items[i] = n
		}
		return items, nil, true
	case map[string]any:
		keys = make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items = make([]any, len(keys))
		for i, k := range keys {
			items[i] = map[string]any{"key": k, "value": t[k]}
		}
		return items, keys, true
	}
	return nil, nil, false
}

// bindFrame substitutes the @ variables, this/alias references and
// this/alias include parameters of one iteration. Nested loop bodies are
// never passed here, so @ variables always belong to the innermost loop.
func (le *LoopEngine) bindFrame(text string, pc processingContext, frame *loopFrame) (string, error) {
	if frame == nil || !strings.Contains(text, "{{") {
		return text, nil
	}

	text = specialVarPattern.ReplaceAllStringFunc(text, func(m string) string {
		inner := specialVarPattern.FindStringSubmatch(m)[1]
		if out, ok := evalSpecial(inner, frame); ok {
			return out
		}
		return m
	})

	var firstErr error
	text = variablePattern.ReplaceAllStringFunc(text, func(m string) string {
		if firstErr != nil {
			return m
		}
		inner := variablePattern.FindStringSubmatch(m)[1]
		if isMarker(inner) {
			return m
		}
		ref := parseVariableRef(inner)
		ref.FullMatch = m
		value, found, inFrame := frame.resolve(ref.Name)
		if !inFrame {
			return m
		}
		out, resolved, unknown := renderVariable(ref, value, found)
		if !resolved {
			return m
		}
		for _, name := range unknown {
			if err := pc.fail(newError(UnresolvedVariable, "Unknown filter '%s' in %s", name, m), m); err != nil {
				firstErr = err
				return m
			}
		}
		return out
	})
	if firstErr != nil {
		return "", firstErr
	}

	return bindIncludeParams(text, frame), nil
}

// evalSpecial evaluates "@index", "@last" or simple arithmetic such as
// "@index + 1" for the given frame.
func evalSpecial(src string, frame *loopFrame) (string, bool) {
	src = strings.TrimSpace(src)
	if !specialExprSafe.MatchString(src) {
		return "", false
	}
	env := map[string]any{
		"__index":  frame.index,
		"__first":  frame.index == 0,
		"__last":   frame.index == frame.length-1,
		"__length": frame.length,
	}
	if frame.hasKey {
		env["__key"] = frame.key
	}
	out, err := expr.Eval(specialRefPattern.ReplaceAllString(src, "__$1"), env)
	if err != nil {
		return "", false
	}
	return FormatValue(out), true
}

// bindIncludeParams resolves unquoted this/alias paths and @ variables in
// the parameters of include directives, so included templates receive the
// current item's values.
func bindIncludeParams(text string, frame *loopFrame) string {
	directives, _ := findIncludes(text)
	if len(directives) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, d := range directives {
		b.WriteString(text[last:d.Position])
		last = d.Position + len(d.FullMatch)
		if d.RawParams == "" {
			b.WriteString(d.FullMatch)
			continue
		}
		params := splitParams(d.RawParams)
		changed := false
		for i, p := range params {
			v := strings.TrimSpace(p.value)
			if v == "" || v[0] == '"' || v[0] == '\'' {
				continue
			}
			if strings.HasPrefix(v, "@") {
				if out, ok := evalSpecial(v, frame); ok {
					params[i].value, changed = encodeParam(sniffValue(out)), true
				}
				continue
			}
			if value, found, inFrame := frame.resolve(v); inFrame && found {
				params[i].value, changed = encodeParam(value), true
			}
		}
		if !changed {
			b.WriteString(d.FullMatch)
			continue
		}
		b.WriteString("{{include:" + d.TemplateID + ":" + joinParams(params) + "}}")
	}
	b.WriteString(text[last:])
	return b.String()
}

type loopMarker struct {
	start, end int
	open       bool
	header     string
}

func scanLoopMarkers(content string) []loopMarker {
	var markers []loopMarker
	for _, m := range loopOpenPattern.FindAllStringSubmatchIndex(content, -1) {
		markers = append(markers, loopMarker{start: m[0], end: m[1], open: true, header: strings.TrimSpace(content[m[2]:m[3]])})
	}
	for _, m := range loopClosePattern.FindAllStringIndex(content, -1) {
		markers = append(markers, loopMarker{start: m[0], end: m[1]})
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].start < markers[j].start })
	return markers
}

func parseLoopHeader(header string) (path, alias string, ok bool) {
	m := loopHeaderPattern.FindStringSubmatch(header)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// FindLoopBlocks returns the top-level loop blocks of content in source
// order. An unclosed {{#each}} or an orphan {{/each}} is a SyntaxError.
func FindLoopBlocks(content string) ([]LoopBlock, error) {
	var blocks []LoopBlock
	var stack []loopMarker
	for _, m := range scanLoopMarkers(content) {
		if m.open {
			stack = append(stack, m)
			continue
		}
		if len(stack) == 0 {
			return nil, newError(SyntaxError, "Unexpected {{/each}} at line %d without a matching {{#each}}", lineOf(content, m.start))
		}
		open := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			continue
		}
		path, alias, ok := parseLoopHeader(open.header)
		if !ok {
			return nil, newError(SyntaxError, "Invalid loop header '%s' at line %d", open.header, lineOf(content, open.start))
		}
		blocks = append(blocks, LoopBlock{
			FullMatch: content[open.start:m.end],
			Path:      path,
			Alias:     alias,
			Body:      content[open.end:m.start],
			Start:     open.start,
			End:       m.end,
		})
	}
	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return nil, newError(SyntaxError, "Unclosed {{#each %s}} at line %d", open.header, lineOf(content, open.start))
	}
	return blocks, nil
}

// Validate reports loop syntax problems without expanding anything.
func (le *LoopEngine) Validate(content string) ValidationResult {
	res := newValidationResult()
	var stack []loopMarker
	var spans [][]int
	for _, m := range scanLoopMarkers(content) {
		line := lineOf(content, m.start)
		if m.open {
			path, alias, ok := parseLoopHeader(m.header)
			switch {
			case !ok:
				res.addError("Invalid loop header '%s' at line %d", m.header, line)
			case alias == "this":
				res.addWarning("Loop alias 'this' at line %d shadows the current item", line)
			case strings.HasPrefix(path, "@"):
				res.addError("Loop target '%s' at line %d is not a variable path", path, line)
			}
			stack = append(stack, m)
			continue
		}
		if len(stack) == 0 {
			res.addError("Unexpected {{/each}} at line %d without a matching {{#each}}", line)
			continue
		}
		open := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if strings.TrimSpace(content[open.end:m.start]) == "" {
			res.addWarning("Empty loop body for '%s' at line %d", open.header, lineOf(content, open.start))
		}
		if len(stack) == 0 {
			spans = append(spans, []int{open.start, m.end})
		}
	}
	for _, open := range stack {
		res.addError("Unclosed {{#each %s}} at line %d", open.header, lineOf(content, open.start))
	}
	for _, m := range specialVarPattern.FindAllStringSubmatchIndex(content, -1) {
		if !inSpans(m[0], spans) {
			res.addWarning("'%s' used outside of a loop at line %d", strings.TrimSpace(content[m[2]:m[3]]), lineOf(content, m[0]))
		}
	}
	return res
}

// Statistics counts loops and estimates the top-level iterations vars would produce.
func (le *LoopEngine) Statistics(content string, vars map[string]any) LoopStats {
	st := LoopStats{Paths: []string{}, Aliases: []string{}}
	paths := map[string]struct{}{}
	aliases := map[string]struct{}{}
	depth := 0
	for _, m := range scanLoopMarkers(content) {
		if !m.open {
			if depth > 0 {
				depth--
			}
			continue
		}
		st.Loops++
		if depth == 0 {
			st.TopLevel++
		}
		depth++
		st.MaxNesting = max(st.MaxNesting, depth)
		if path, alias, ok := parseLoopHeader(m.header); ok {
			paths[path] = struct{}{}
			if alias != "" {
				aliases[alias] = struct{}{}
			}
		}
	}
	for p := range paths {
		st.Paths = append(st.Paths, p)
	}
	for a := range aliases {
		st.Aliases = append(st.Aliases, a)
	}
	sort.Strings(st.Paths)
	sort.Strings(st.Aliases)
	st.UsesSpecialVariables = specialVarPattern.MatchString(content)

	if previews, err := le.PreviewLoop(content, vars); err == nil {
		for _, p := range previews {
			st.EstimatedIterations += p.Count
		}
	}
	return st
}

// PreviewLoop reports, for each top-level loop, the type of its target and
// how many iterations it would run, without expanding anything.
func (le *LoopEngine) PreviewLoop(content string, vars map[string]any) ([]LoopPreview, error) {
	blocks, err := FindLoopBlocks(content)
	if err != nil {
		return nil, err
	}
	cfg := le.getConfig()
	previews := make([]LoopPreview, 0, len(blocks))
	for _, blk := range blocks {
		p := LoopPreview{
			Path:   blk.Path,
			Alias:  blk.Alias,
			Nested: len(loopOpenPattern.FindAllStringIndex(blk.Body, -1)),
		}
		target, found := Resolve(vars, blk.Path)
		switch items, keys, ok := iterationItems(target); {
		case !found || target == nil:
			p.Type = "missing"
		case !ok:
			p.Type = "scalar"
			if !cfg.StrictScalarLoops {
				p.Count = 1
			}
		case keys != nil:
			p.Type, p.Count = "object", len(items)
		default:
			p.Type, p.Count = "array", len(items)
		}
		previews = append(previews, p)
	}
	return previews, nil
}
