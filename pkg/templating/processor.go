package templating

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/CTAG07/Quill/pkg/sandbox"
	"github.com/CTAG07/Quill/pkg/store"
)

// Options override the processor configuration for a single call.
type Options struct {
	// StrictMode overrides Config.StrictMode when non-nil.
	StrictMode *bool `json:"strict_mode,omitempty"`
	// TemplateID seeds the include chain so a template including itself is
	// reported as a cycle. ProcessTemplate sets it automatically.
	TemplateID string `json:"template_id,omitempty"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	// Iterations is the number of pipeline passes run.
	Iterations int `json:"iterations"`
	// HasUnresolvedVariables is set when directives remain in the output.
	HasUnresolvedVariables bool `json:"has_unresolved_variables"`
	Inclusions             int  `json:"inclusions"`
	Depth                  int  `json:"depth"`
	LoopIterations         int  `json:"loop_iterations"`
}

// Result is the output of Process, ProcessTemplate and Preview.
type Result struct {
	Result      string         `json:"result"`
	Variables   map[string]any `json:"variables"`
	Metadata    Metadata       `json:"metadata"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
	Preview     bool           `json:"preview,omitempty"`
}

// Processor runs the full resolution pipeline: comments, loops, includes,
// variables, then scripts. All methods are concurrent-safe; every call owns
// its own context and budgets.
type Processor struct {
	logger   *slog.Logger
	reader   store.Reader
	sandbox  *sandbox.Sandbox
	loops    *LoopEngine
	includes *IncludeResolver
	config   Config
	cache    *lru.Cache
	mu       sync.RWMutex
}

// NewProcessor creates a Processor reading included templates from reader.
// A nil sandbox is replaced with one using sandbox.DefaultConfig.
func NewProcessor(logger *slog.Logger, reader store.Reader, sb *sandbox.Sandbox, config Config) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sb == nil {
		sb = sandbox.New(logger, sandbox.DefaultConfig())
	}
	p := &Processor{
		logger:   logger,
		reader:   reader,
		sandbox:  sb,
		loops:    NewLoopEngine(logger, config),
		includes: NewIncludeResolver(logger, reader, config),
		config:   config,
		cache:    newParseCache(logger, config.CacheSize),
	}
	p.includes.render = p.renderInclude
	return p
}

func newParseCache(logger *slog.Logger, size int) *lru.Cache {
	if size <= 0 {
		return nil
	}
	cache, err := lru.New(size)
	if err != nil {
		logger.Warn("Failed to create parse cache, caching disabled", "error", err)
		return nil
	}
	return cache
}

// Config returns the current configuration.
func (p *Processor) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// SetConfig replaces the configuration of the processor and its loop and
// include engines. Changing CacheSize drops the parse cache.
func (p *Processor) SetConfig(config Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if config.CacheSize != p.config.CacheSize {
		p.cache = newParseCache(p.logger, config.CacheSize)
	}
	p.config = config
	p.loops.SetConfig(config)
	p.includes.SetConfig(config)
	p.logger.Info("Templating config updated", "max_depth", config.MaxDepth, "max_inclusions", config.MaxInclusions, "strict", config.StrictMode)
}

// Sandbox returns the sandbox used for script blocks.
func (p *Processor) Sandbox() *sandbox.Sandbox {
	return p.sandbox
}

// Loops returns the loop engine used by the pipeline.
func (p *Processor) Loops() *LoopEngine {
	return p.loops
}

// Includes returns the include resolver used by the pipeline.
func (p *Processor) Includes() *IncludeResolver {
	return p.includes
}

// Process renders content against vars.
//
// Variable references are substituted before scripts run, including those
// written inside <% %> code, so a script sees the rendered value of
// "{{name}}" rather than the literal text. Script code that needs a literal
// "{{" must not form a complete reference with a later "}}" on the same
// pass; in strict mode such a span fails as an unresolved variable.
func (p *Processor) Process(ctx context.Context, content string, vars map[string]any, opts Options) (*Result, error) {
	return p.execute(ctx, content, vars, opts, false)
}

// Preview renders content exactly like Process but leaves no lasting trace:
// the parse cache is consulted but never populated.
func (p *Processor) Preview(ctx context.Context, content string, vars map[string]any, opts Options) (*Result, error) {
	return p.execute(ctx, content, vars, opts, true)
}

// ProcessTemplate reads the template id from the store and renders it. A
// missing top-level template is always an error.
func (p *Processor) ProcessTemplate(ctx context.Context, id string, vars map[string]any, opts Options) (*Result, error) {
	tmpl, err := p.reader.Read(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: TemplateNotFound, Message: fmt.Sprintf("Template '%s' not found", id), TemplateID: id}
		}
		return nil, fmt.Errorf("failed to read template %q: %w", id, err)
	}
	opts.TemplateID = id
	return p.execute(ctx, tmpl.Content, vars, opts, false)
}

// Validate checks content without rendering it, merging the directive,
// loop and include checks into one result.
func (p *Processor) Validate(content string) ValidationResult {
	res := Validate(content)
	res.merge(p.loops.Validate(content))
	res.merge(p.includes.Validate(content))
	return res
}

func (p *Processor) execute(ctx context.Context, content string, vars map[string]any, opts Options, preview bool) (*Result, error) {
	cfg := p.Config()
	strict := cfg.StrictMode
	if opts.StrictMode != nil {
		strict = *opts.StrictMode
	}
	pc := newProcessingContext(p.logger, vars, strict, preview)
	if opts.TemplateID != "" {
		pc.chain = []string{opts.TemplateID}
	}

	out, passes, err := p.run(ctx, content, pc)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Result:      out,
		Variables:   pc.vars,
		Diagnostics: *pc.diagnostics,
		Preview:     preview,
		Metadata: Metadata{
			Iterations:             passes,
			HasUnresolvedVariables: p.hasDirectives(out, pc),
			Inclusions:             pc.counters.inclusions,
			Depth:                  pc.counters.maxDepth,
			LoopIterations:         pc.counters.iterations,
		},
	}
	p.logger.Debug("Processed template",
		"template", opts.TemplateID,
		"passes", passes,
		"inclusions", res.Metadata.Inclusions,
		"diagnostics", len(res.Diagnostics),
		"preview", preview,
	)
	return res, nil
}

// run repeats the pipeline while its output still changes and still
// contains directives, up to MaxPasses.
func (p *Processor) run(ctx context.Context, content string, pc processingContext) (string, int, error) {
	cfg := p.Config()
	maxPasses := max(cfg.MaxPasses, 1)
	passes := 0
	for passes < maxPasses {
		if err := ctx.Err(); err != nil {
			return "", passes, err
		}
		passes++
		out, err := p.pass(ctx, content, pc, cfg)
		if err != nil {
			return "", passes, err
		}
		done := out == content || !p.hasDirectives(out, pc)
		content = out
		if done {
			break
		}
	}
	return content, passes, nil
}

func (p *Processor) renderInclude(ctx context.Context, content string, pc processingContext) (string, error) {
	out, _, err := p.run(ctx, content, pc)
	return out, err
}

func (p *Processor) pass(ctx context.Context, content string, pc processingContext, cfg Config) (string, error) {
	if strings.Contains(content, "<%#") {
		content = commentPattern.ReplaceAllString(content, "")
	}
	out, err := p.loops.expand(ctx, content, pc)
	if err != nil {
		return "", err
	}
	if out, err = p.includes.process(ctx, out, pc); err != nil {
		return "", err
	}
	if out, err = p.substituteVariables(out, pc); err != nil {
		return "", err
	}
	return p.evaluateScripts(ctx, out, pc, cfg)
}

// substituteVariables replaces every variable reference with its rendered
// value, script code included. Unresolvable references are fatal in strict
// mode and left verbatim otherwise.
func (p *Processor) substituteVariables(content string, pc processingContext) (string, error) {
	if !strings.Contains(content, "{{") {
		return content, nil
	}
	pt := p.parse(content, pc)
	if len(pt.Variables) == 0 {
		return content, nil
	}
	var b strings.Builder
	last := 0
	for _, ref := range pt.Variables {
		b.WriteString(content[last:ref.Position])
		last = ref.Position + len(ref.FullMatch)

		value, found := Resolve(pc.vars, ref.Name)
		out, resolved, unknown := renderVariable(ref, value, found)
		if !resolved {
			e := newError(UnresolvedVariable, "Variable '%s' is not defined", ref.Name)
			if err := pc.fail(e, ref.FullMatch); err != nil {
				return "", err
			}
			b.WriteString(ref.FullMatch)
			continue
		}
		for _, name := range unknown {
			e := newError(UnresolvedVariable, "Unknown filter '%s' in %s", name, ref.FullMatch)
			if err := pc.fail(e, ref.FullMatch); err != nil {
				return "", err
			}
		}
		b.WriteString(out)
	}
	b.WriteString(content[last:])
	return b.String(), nil
}

// evaluateScripts runs each script block in the sandbox. Expressions
// substitute their value; statement blocks substitute what they return.
func (p *Processor) evaluateScripts(ctx context.Context, content string, pc processingContext, cfg Config) (string, error) {
	if !strings.Contains(content, "<%") {
		return content, nil
	}
	pt := p.parse(content, pc)
	if len(pt.Scripts) == 0 {
		return content, nil
	}
	var b strings.Builder
	last := 0
	for _, s := range pt.Scripts {
		b.WriteString(content[last:s.Position])
		last = s.Position + len(s.FullMatch)

		value, err := p.execScript(ctx, s.Code, pc.vars, cfg.ScriptTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			e := fromSandbox(err, s.Code)
			if err = pc.fail(e, s.FullMatch); err != nil {
				return "", err
			}
			b.WriteString(s.FullMatch)
			continue
		}
		if value != nil {
			b.WriteString(FormatValue(value))
		}
	}
	b.WriteString(content[last:])
	return b.String(), nil
}

func (p *Processor) execScript(ctx context.Context, code string, vars map[string]any, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.sandbox.Execute(ctx, code, vars)
}

// parse returns the parsed form of content, using the cache when enabled.
// Preview calls never add entries.
func (p *Processor) parse(content string, pc processingContext) *ParsedTemplate {
	p.mu.RLock()
	cache := p.cache
	p.mu.RUnlock()
	if cache == nil {
		return Parse(content)
	}
	key := sha256.Sum256([]byte(content))
	if v, ok := cache.Get(key); ok {
		return v.(*ParsedTemplate)
	}
	pt := Parse(content)
	if !pc.preview {
		cache.Add(key, pt)
	}
	return pt
}

// hasDirectives reports whether text still contains variables, scripts,
// includes or loops.
func (p *Processor) hasDirectives(text string, pc processingContext) bool {
	if !strings.Contains(text, "{{") && !strings.Contains(text, "<%") {
		return false
	}
	if HasIncludes(text) || loopOpenPattern.MatchString(text) {
		return true
	}
	pt := p.parse(text, pc)
	return len(pt.Variables) > 0 || len(pt.Scripts) > 0
}
