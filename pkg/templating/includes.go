package templating

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/CTAG07/Quill/pkg/store"
)

var (
	includeOpenPattern = regexp.MustCompile(`\{\{\s*include:`)
	intPattern         = regexp.MustCompile(`^-?\d+$`)
	floatPattern       = regexp.MustCompile(`^-?\d*\.\d+$`)
)

// IncludeDirective is one {{include:id[:k=v,...]}} directive.
type IncludeDirective struct {
	FullMatch  string         `json:"full_match"`
	TemplateID string         `json:"template_id"`
	RawParams  string         `json:"raw_params,omitempty"`
	Params     map[string]any `json:"params"`
	Position   int            `json:"position"`
}

// IncludeNode is one node of an include preview tree.
type IncludeNode struct {
	TemplateID string         `json:"template_id"`
	Params     map[string]any `json:"params,omitempty"`
	Depth      int            `json:"depth"`
	Found      bool           `json:"found"`
	Circular   bool           `json:"circular,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	Children   []IncludeNode  `json:"children,omitempty"`
}

// IncludePreview is the dry-run include tree of a template.
type IncludePreview struct {
	Includes []IncludeNode `json:"includes"`
	Total    int           `json:"total"`
	MaxDepth int           `json:"max_depth"`
	Missing  []string      `json:"missing"`
	Circular []string      `json:"circular"`
	// Truncated is set when the inclusion budget stopped the walk.
	Truncated bool `json:"truncated,omitempty"`

	expanded int
}

// IncludeStats summarizes the include directives of one template.
type IncludeStats struct {
	Total      int      `json:"total"`
	Unique     int      `json:"unique"`
	Templates  []string `json:"templates"`
	WithParams int      `json:"with_params"`
	Duplicates int      `json:"duplicates"`
}

// renderFunc processes the content of an included template with a child
// context. The Processor supplies its full pipeline.
type renderFunc func(ctx context.Context, content string, pc processingContext) (string, error)

// IncludeResolver expands include directives against a template store.
// All methods are concurrent-safe.
type IncludeResolver struct {
	logger *slog.Logger
	reader store.Reader
	config Config
	render renderFunc
	mu     sync.RWMutex
}

// NewIncludeResolver creates a resolver reading from reader. On its own it
// only expands includes recursively; the Processor wires in the full pipeline.
func NewIncludeResolver(logger *slog.Logger, reader store.Reader, config Config) *IncludeResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &IncludeResolver{logger: logger, reader: reader, config: config}
	r.render = r.process
	return r
}

// SetConfig replaces the configuration for subsequent calls.
func (r *IncludeResolver) SetConfig(config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = config
}

func (r *IncludeResolver) getConfig() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// HasIncludes reports whether content contains an include directive.
func HasIncludes(content string) bool {
	return includeOpenPattern.MatchString(content)
}

// Process expands the includes of content with a fresh call context.
func (r *IncludeResolver) Process(ctx context.Context, content string, vars map[string]any, strict bool) (string, error) {
	pc := newProcessingContext(r.logger, vars, strict, false)
	return r.process(ctx, content, pc)
}

func (r *IncludeResolver) process(ctx context.Context, content string, pc processingContext) (string, error) {
	directives, _ := findIncludes(content)
	if len(directives) == 0 {
		return content, nil
	}
	cfg := r.getConfig()
	var b strings.Builder
	last := 0
	for _, d := range directives {
		b.WriteString(content[last:d.Position])
		out, err := r.expand(ctx, d, pc, cfg)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
		last = d.Position + len(d.FullMatch)
	}
	b.WriteString(content[last:])
	return b.String(), nil
}

// expand resolves one directive. Checks run in a fixed order: cycle, depth,
// existence, then the global inclusion budget, which counts only includes
// that are actually expanded.
func (r *IncludeResolver) expand(ctx context.Context, d IncludeDirective, pc processingContext, cfg Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if pc.inChain(d.TemplateID) {
		return "", &Error{
			Kind:       CircularInclude,
			Message:    "Circular include detected: " + pc.chainWith(d.TemplateID),
			TemplateID: d.TemplateID,
		}
	}
	if cfg.MaxDepth > 0 && pc.depth+1 > cfg.MaxDepth {
		return "", &Error{
			Kind:       MaxDepthExceeded,
			Message:    fmt.Sprintf("Maximum inclusion depth (%d) exceeded", cfg.MaxDepth),
			TemplateID: d.TemplateID,
		}
	}

	tmpl, err := r.reader.Read(ctx, d.TemplateID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("failed to read template %q: %w", d.TemplateID, err)
		}
		e := &Error{
			Kind:       TemplateNotFound,
			Message:    fmt.Sprintf("Template '%s' not found", d.TemplateID),
			TemplateID: d.TemplateID,
		}
		if err = pc.fail(e, d.FullMatch); err != nil {
			return "", err
		}
		return d.FullMatch, nil
	}

	pc.counters.inclusions++
	if cfg.MaxInclusions > 0 && pc.counters.inclusions > cfg.MaxInclusions {
		return "", &Error{
			Kind:       MaxInclusionsExceeded,
			Message:    fmt.Sprintf("Maximum number of inclusions (%d) exceeded", cfg.MaxInclusions),
			TemplateID: d.TemplateID,
		}
	}

	child := pc.push(d.TemplateID, mergeVars(pc.vars, d.Params))
	r.logger.Debug("Expanding include", "template", d.TemplateID, "depth", child.depth, "parent", pc.current())
	return r.render(ctx, tmpl.Content, child)
}

// ExtractIncludes returns the well-formed include directives of content in source order.
func ExtractIncludes(content string) []IncludeDirective {
	directives, _ := findIncludes(content)
	return directives
}

// findIncludes scans content for include directives. Quoted parameter values
// may contain "}}" and commas. Positions of directives with no closing "}}"
// are returned separately.
func findIncludes(content string) (directives []IncludeDirective, unclosed []int) {
	pos := 0
	for pos < len(content) {
		loc := includeOpenPattern.FindStringIndex(content[pos:])
		if loc == nil {
			break
		}
		start, bodyStart := pos+loc[0], pos+loc[1]
		end := directiveEnd(content, bodyStart)
		if end < 0 {
			unclosed = append(unclosed, start)
			pos = bodyStart
			continue
		}
		body := strings.TrimSpace(content[bodyStart:end])
		id, raw, _ := strings.Cut(body, ":")
		d := IncludeDirective{
			FullMatch:  content[start : end+2],
			TemplateID: strings.TrimSpace(id),
			RawParams:  strings.TrimSpace(raw),
			Position:   start,
		}
		d.Params = ParseVariables(d.RawParams)
		directives = append(directives, d)
		pos = end + 2
	}
	return directives, unclosed
}

// directiveEnd returns the index of the "}}" closing a directive body, or -1.
func directiveEnd(content string, from int) int {
	var quote byte
	valueStart := false
	for i := from; i < len(content); i++ {
		c := content[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case (c == '"' || c == '\'') && valueStart:
			quote = c
		case c == '}' && i+1 < len(content) && content[i+1] == '}':
			return i
		case c == '{':
			return -1
		}
		if c == '=' {
			valueStart = true
		} else if c != ' ' && c != '\t' {
			valueStart = false
		}
	}
	return -1
}

type includeParam struct {
	key, value string
}

// splitParams splits "k=v,k2=\"a, b\"" on commas outside quoted values.
func splitParams(raw string) []includeParam {
	var params []includeParam
	var quote byte
	valueStart := false
	start := 0
	flush := func(end int) {
		piece := strings.TrimSpace(raw[start:end])
		if piece == "" {
			return
		}
		key, value, _ := strings.Cut(piece, "=")
		params = append(params, includeParam{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case (c == '"' || c == '\'') && valueStart:
			quote = c
		case c == ',':
			flush(i)
			start = i + 1
		}
		if c == '=' {
			valueStart = true
		} else if c != ' ' && c != '\t' {
			valueStart = false
		}
	}
	flush(len(raw))
	return params
}

func joinParams(params []includeParam) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, ",")
}

// ParseVariables parses inline include parameters. Values are typed by
// sniffing: quoted strings, true/false, integers, floats, else bare strings.
// Entries without a key are ignored.
func ParseVariables(raw string) map[string]any {
	out := map[string]any{}
	for _, p := range splitParams(raw) {
		if p.key == "" {
			continue
		}
		out[p.key] = sniffValue(p.value)
	}
	return out
}

func sniffValue(v string) any {
	switch {
	case len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0]:
		return unescapeQuoted(v[1 : len(v)-1])
	case v == "true":
		return true
	case v == "false":
		return false
	case intPattern.MatchString(v):
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case floatPattern.MatchString(v):
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}

func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// encodeParam renders a value so that sniffValue reads it back with the same type.
func encodeParam(v any) string {
	switch t := v.(type) {
	case bool, int, int64, float64:
		return FormatValue(t)
	}
	s := FormatValue(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Validate reports malformed directives, duplicates and excessive include counts.
func (r *IncludeResolver) Validate(content string) ValidationResult {
	res := newValidationResult()
	cfg := r.getConfig()
	directives, unclosed := findIncludes(content)
	for _, pos := range unclosed {
		res.addError("Unclosed include directive at line %d", lineOf(content, pos))
	}

	seen := map[string]int{}
	var order []string
	for _, d := range directives {
		line := lineOf(content, d.Position)
		if err := store.ValidateID(d.TemplateID); err != nil {
			res.addError("Invalid include template id '%s' at line %d", d.TemplateID, line)
		}
		for _, p := range splitParams(d.RawParams) {
			if p.key == "" || !strings.Contains(d.RawParams, p.key+"=") {
				res.addWarning("Include parameter '%s' at line %d has no key=value form", p.key, line)
			}
		}
		if seen[d.FullMatch] == 0 {
			order = append(order, d.FullMatch)
		}
		seen[d.FullMatch]++
	}
	for _, full := range order {
		if n := seen[full]; n > 1 {
			res.addWarning("Duplicate include %s appears %d times", full, n)
		}
	}
	if cfg.MaxIncludesWarning > 0 && len(directives) > cfg.MaxIncludesWarning {
		res.addWarning("Template contains %d include directives (more than %d)", len(directives), cfg.MaxIncludesWarning)
	}
	return res
}

// Statistics counts the include directives of content.
func (r *IncludeResolver) Statistics(content string) IncludeStats {
	directives := ExtractIncludes(content)
	st := IncludeStats{Total: len(directives), Templates: []string{}}
	unique := map[string]struct{}{}
	seen := map[string]bool{}
	for _, d := range directives {
		unique[d.TemplateID] = struct{}{}
		if d.RawParams != "" {
			st.WithParams++
		}
		if seen[d.FullMatch] {
			st.Duplicates++
		}
		seen[d.FullMatch] = true
	}
	for id := range unique {
		st.Templates = append(st.Templates, id)
	}
	sort.Strings(st.Templates)
	st.Unique = len(st.Templates)
	return st
}

// Preview walks the include tree of content without rendering anything.
// Missing templates and cycles are reported in the result, not as errors.
// Branches stop at the configured maximum depth, and the walk stops
// descending once MaxInclusions templates have been expanded.
func (r *IncludeResolver) Preview(ctx context.Context, content string, vars map[string]any) (IncludePreview, error) {
	cfg := r.getConfig()
	p := IncludePreview{Missing: []string{}, Circular: []string{}}
	nodes, err := r.previewLevel(ctx, content, nil, vars, 1, cfg, &p)
	if err != nil {
		return IncludePreview{}, err
	}
	p.Includes = nodes
	sort.Strings(p.Missing)
	return p, nil
}

func (r *IncludeResolver) previewLevel(ctx context.Context, content string, chain []string, vars map[string]any, depth int, cfg Config, p *IncludePreview) ([]IncludeNode, error) {
	var nodes []IncludeNode
	for _, d := range ExtractIncludes(content) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := IncludeNode{TemplateID: d.TemplateID, Params: d.Params, Depth: depth}
		p.Total++
		p.MaxDepth = max(p.MaxDepth, depth)

		if containsString(chain, d.TemplateID) {
			node.Circular = true
			p.Circular = append(p.Circular, strings.Join(append(append([]string{}, chain...), d.TemplateID), " -> "))
			nodes = append(nodes, node)
			continue
		}
		tmpl, err := r.reader.Read(ctx, d.TemplateID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("failed to read template %q: %w", d.TemplateID, err)
			}
			if !containsString(p.Missing, d.TemplateID) {
				p.Missing = append(p.Missing, d.TemplateID)
			}
			nodes = append(nodes, node)
			continue
		}
		node.Found = true
		if cfg.MaxDepth > 0 && depth >= cfg.MaxDepth {
			node.Truncated = HasIncludes(tmpl.Content)
			nodes = append(nodes, node)
			continue
		}
		if cfg.MaxInclusions > 0 && p.expanded >= cfg.MaxInclusions {
			node.Truncated = HasIncludes(tmpl.Content)
			p.Truncated = p.Truncated || node.Truncated
			nodes = append(nodes, node)
			continue
		}
		p.expanded++
		next := append(append([]string{}, chain...), d.TemplateID)
		children, err := r.previewLevel(ctx, tmpl.Content, next, mergeVars(vars, d.Params), depth+1, cfg, p)
		if err != nil {
			return nil, err
		}
		node.Children = children
		nodes = append(nodes, node)
	}
	return nodes, nil
}
