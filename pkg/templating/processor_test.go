package templating

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTAG07/Quill/pkg/store"
)

func newTestStore(t *testing.T, templates map[string]string) *store.MemoryStore {
	t.Helper()
	seed := make([]*store.Template, 0, len(templates))
	for id, content := range templates {
		seed = append(seed, &store.Template{ID: id, Content: content})
	}
	s, err := store.NewMemoryStore(seed...)
	require.NoError(t, err)
	return s
}

func newTestProcessor(t *testing.T, templates map[string]string, mutate ...func(*Config)) *Processor {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewProcessor(nil, newTestStore(t, templates), nil, cfg)
}

func strictness(strict bool) Options {
	return Options{StrictMode: &strict}
}

func TestProcessIdentity(t *testing.T) {
	p := newTestProcessor(t, nil)
	contents := []string{
		"",
		"plain text",
		"braces { like } this and 100% of { them }",
		"line one\nline two\n",
		"single } and { and % > markers",
	}
	for _, content := range contents {
		res, err := p.Process(context.Background(), content, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, content, res.Result)
		assert.Equal(t, 1, res.Metadata.Iterations)
		assert.False(t, res.Metadata.HasUnresolvedVariables)
		assert.Empty(t, res.Diagnostics)
	}
}

func TestProcessIdempotentOutput(t *testing.T) {
	p := newTestProcessor(t, nil)
	vars := map[string]any{"name": "Ada", "age": 36, "tags": []any{"math", "code"}}
	content := "Hello {{name}}, you are {{age}} and like {{tags}}."

	first, err := p.Process(context.Background(), content, vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, you are 36 and like math, code.", first.Result)

	second, err := p.Process(context.Background(), first.Result, vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Result, second.Result)
}

func TestProcessCircularInclude(t *testing.T) {
	templates := map[string]string{
		"a":    "A {{include:b}}",
		"b":    "B {{include:a}}",
		"self": "x {{include:self}}",
	}
	p := newTestProcessor(t, templates)

	for _, strict := range []bool{true, false} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			_, err := p.ProcessTemplate(context.Background(), "a", nil, strictness(strict))
			require.ErrorIs(t, err, ErrCircularInclude)
			assert.Contains(t, err.Error(), "Circular include detected: a -> b -> a")

			_, err = p.ProcessTemplate(context.Background(), "b", nil, strictness(strict))
			require.ErrorIs(t, err, ErrCircularInclude)
			assert.Contains(t, err.Error(), "b -> a -> b")

			_, err = p.Process(context.Background(), "{{include:a}}", nil, strictness(strict))
			require.ErrorIs(t, err, ErrCircularInclude)

			_, err = p.ProcessTemplate(context.Background(), "self", nil, strictness(strict))
			require.ErrorIs(t, err, ErrCircularInclude)
			assert.Contains(t, err.Error(), "self -> self")
		})
	}
}

func TestProcessDepthLimit(t *testing.T) {
	const n = 5
	templates := map[string]string{}
	for i := 1; i < n; i++ {
		templates[fmt.Sprintf("n%d", i)] = fmt.Sprintf("{{include:n%d}}", i+1)
	}
	templates[fmt.Sprintf("n%d", n)] = "leaf"

	for m := 1; m <= n+1; m++ {
		t.Run(fmt.Sprintf("max=%d", m), func(t *testing.T) {
			p := newTestProcessor(t, templates, func(c *Config) { c.MaxDepth = m })
			res, err := p.Process(context.Background(), "{{include:n1}}", nil, Options{})
			if m < n {
				require.ErrorIs(t, err, ErrMaxDepth)
				assert.Contains(t, err.Error(), fmt.Sprintf("Maximum inclusion depth (%d) exceeded", m))
				assert.Equal(t, MaxDepthExceeded, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "leaf", res.Result)
			assert.Equal(t, n, res.Metadata.Depth)
			assert.Equal(t, n, res.Metadata.Inclusions)
		})
	}
}

func TestProcessBranchReuse(t *testing.T) {
	p := newTestProcessor(t, map[string]string{
		"header": "H",
		"page":   "{{include:header}}|body|{{include:header}}",
		"site":   "{{include:page}} / {{include:page}}",
	})
	res, err := p.ProcessTemplate(context.Background(), "page", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "H|body|H", res.Result)
	assert.Equal(t, 2, res.Metadata.Inclusions)

	res, err = p.ProcessTemplate(context.Background(), "site", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "H|body|H / H|body|H", res.Result)
	assert.Equal(t, 6, res.Metadata.Inclusions)
	assert.Equal(t, 2, res.Metadata.Depth)
}

func TestProcessLoopScenarios(t *testing.T) {
	p := newTestProcessor(t, nil)

	res, err := p.Process(context.Background(),
		"{{#each items}}{{@index}}:{{this}} {{/each}}",
		map[string]any{"items": []any{"a", "b", "c"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "0:a 1:b 2:c ", res.Result)
	assert.Equal(t, 3, res.Metadata.LoopIterations)

	res, err = p.Process(context.Background(),
		"{{#each tasks}}{{@index + 1}}. {{this.title}}\n{{/each}}",
		map[string]any{"tasks": []any{
			map[string]any{"title": "Write code"},
			map[string]any{"title": "Write tests"},
		}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "1. Write code\n2. Write tests\n", res.Result)
}

func TestProcessLoopWithGlobals(t *testing.T) {
	p := newTestProcessor(t, nil)
	vars := map[string]any{
		"owner": "Ada",
		"items": []any{map[string]any{"name": "pen", "qty": 2}, map[string]any{"name": "ink", "qty": 3}},
	}
	content := "{{#each items as it}}{{owner}}: {{it.name | upper}} x{{it.qty}}; {{/each}}"

	res, err := p.Process(context.Background(), content, vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Ada: PEN x2; Ada: INK x3; ", res.Result)
}

func TestProcessDefaultAndFilterPrecedence(t *testing.T) {
	p := newTestProcessor(t, nil)
	content := `{{status || "Draft" | upper}}`

	res, err := p.Process(context.Background(), content, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", res.Result)

	res, err = p.Process(context.Background(), content, map[string]any{"status": "final"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "FINAL", res.Result)

	res, err = p.Process(context.Background(), content, map[string]any{"status": ""}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", res.Result)
}

func TestProcessIncludeOverride(t *testing.T) {
	p := newTestProcessor(t, map[string]string{
		"header": "{{title}} by {{author}}",
		"outer":  "[{{include:header}}]",
	})
	vars := map[string]any{"title": "Original", "author": "Ada"}

	res, err := p.Process(context.Background(), "{{include:header:title=Override}}", vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Override by Ada", res.Result)

	// Nested includes see the merged bag as their base context.
	res, err = p.Process(context.Background(), `{{include:outer:title="Nested, too"}} {{title}}`, vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, "[Nested, too by Ada] Original", res.Result)
	assert.Equal(t, "Original", vars["title"])
}

func TestProcessIncludeInsideLoop(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"card": "[{{title}}#{{n}}]"})
	vars := map[string]any{"items": []any{map[string]any{"name": "A"}, map[string]any{"name": "B, C"}}}

	res, err := p.Process(context.Background(), "{{#each items}}{{include:card:title=this.name,n=@index}}{{/each}}", vars, Options{})
	require.NoError(t, err)
	assert.Equal(t, "[A#0][B, C#1]", res.Result)
	assert.Equal(t, 2, res.Metadata.Inclusions)
}

func TestProcessSandboxContainment(t *testing.T) {
	p := newTestProcessor(t, nil)
	attempts := []string{
		"before <% require('fs') %> after",
		"<% eval('1') %>",
		"<% let x = 1; return constructor %>",
		"{{name}} <% process.exit(1) %>",
	}
	for _, content := range attempts {
		for _, strict := range []bool{true, false} {
			_, err := p.Process(context.Background(), content, map[string]any{"name": "n"}, strictness(strict))
			require.ErrorIs(t, err, ErrSandboxViolation, content)
			assert.Equal(t, SandboxViolation, KindOf(err))
		}
	}
}

func TestProcessScripts(t *testing.T) {
	p := newTestProcessor(t, nil)
	vars := map[string]any{"price": 2, "qty": 3, "name": "ada lovelace"}

	testCases := []struct {
		name    string
		content string
		want    string
	}{
		{"expression", "Total: <% price * qty %>", "Total: 6"},
		{"helper", "<% upper(name) %>", "ADA LOVELACE"},
		{"statement with return", `<% let x = qty; if (x > 2) { return "big" } else { return "small" } %>`, "big"},
		{"statement without return", "a<% let x = 1 %>b", "ab"},
		{"variable inside script", `<% "{{name}}" + "!" %>`, "ada lovelace!"},
		{"comment stripped", "a<%# hidden {{name}} %>b", "ab"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := p.Process(context.Background(), tc.content, vars, Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Result)
		})
	}
}

func TestProcessSubstitutesInsideScriptCode(t *testing.T) {
	p := newTestProcessor(t, nil)
	content := `<% "{{" + "x}}" %>`

	_, err := p.Process(context.Background(), content, nil, strictness(true))
	require.ErrorIs(t, err, ErrUnresolvedVariable)
	assert.Contains(t, err.Error(), `Variable '" + "x' is not defined`)

	res, err := p.Process(context.Background(), content, map[string]any{"x": "X"}, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, "X", res.Result)
	assert.Equal(t, 2, res.Metadata.Iterations)

	res, err = p.Process(context.Background(), content, nil, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, "{{x}}", res.Result)
	assert.True(t, res.Metadata.HasUnresolvedVariables)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "UnresolvedVariable", res.Diagnostics[0].Kind)
}

func TestProcessScriptRuntimeError(t *testing.T) {
	p := newTestProcessor(t, nil)
	content := "x <% undefinedHelper(1) %> y"

	_, err := p.Process(context.Background(), content, nil, Options{})
	require.ErrorIs(t, err, ErrSandboxRuntime)

	res, err := p.Process(context.Background(), content, nil, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, content, res.Result)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "SandboxRuntimeError", res.Diagnostics[0].Kind)
	assert.True(t, res.Metadata.HasUnresolvedVariables)
}

func TestProcessNonStrictMissingInclude(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"header": "H"})
	content := "Start {{include:nonexistent}} {{include:header}} end"

	res, err := p.Process(context.Background(), content, nil, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, "Start {{include:nonexistent}} H end", res.Result)
	assert.True(t, res.Metadata.HasUnresolvedVariables)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "TemplateNotFound", res.Diagnostics[0].Kind)
	assert.Equal(t, "{{include:nonexistent}}", res.Diagnostics[0].Text)

	_, err = p.Process(context.Background(), content, nil, strictness(true))
	require.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Contains(t, err.Error(), "Template 'nonexistent' not found")
}

func TestProcessTemplateMissingIsAlwaysFatal(t *testing.T) {
	p := newTestProcessor(t, nil)
	_, err := p.ProcessTemplate(context.Background(), "ghost", nil, strictness(false))
	require.ErrorIs(t, err, ErrTemplateNotFound)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "ghost", e.TemplateID)
}

func TestProcessInclusionBudget(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"leaf": "x"}, func(c *Config) { c.MaxInclusions = 3 })

	res, err := p.Process(context.Background(), strings.Repeat("{{include:leaf}}", 3), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "xxx", res.Result)

	_, err = p.Process(context.Background(), strings.Repeat("{{include:leaf}}", 4), nil, Options{})
	require.ErrorIs(t, err, ErrMaxInclusions)
	assert.Contains(t, err.Error(), "Maximum number of inclusions (3) exceeded")

	// Budgets are per call.
	res, err = p.Process(context.Background(), strings.Repeat("{{include:leaf}}", 3), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metadata.Inclusions)
}

func TestProcessUnresolvedVariables(t *testing.T) {
	p := newTestProcessor(t, nil)
	vars := map[string]any{"name": "Ada"}

	_, err := p.Process(context.Background(), "Hi {{missing}}", vars, Options{})
	require.ErrorIs(t, err, ErrUnresolvedVariable)
	assert.Contains(t, err.Error(), "missing")

	res, err := p.Process(context.Background(), "Hi {{missing}} {{name}}", vars, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, "Hi {{missing}} Ada", res.Result)
	assert.True(t, res.Metadata.HasUnresolvedVariables)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "UnresolvedVariable", res.Diagnostics[0].Kind)

	_, err = p.Process(context.Background(), "{{name | shout}}", vars, Options{})
	require.ErrorIs(t, err, ErrUnresolvedVariable)

	res, err = p.Process(context.Background(), "{{name | shout | upper}}", vars, strictness(false))
	require.NoError(t, err)
	assert.Equal(t, "ADA", res.Result)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "Unknown filter 'shout'")
}

func TestProcessReResolution(t *testing.T) {
	p := newTestProcessor(t, nil)

	res, err := p.Process(context.Background(), "{{greeting}}", map[string]any{"greeting": "Hello {{name}}", "name": "Ada"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", res.Result)
	assert.Equal(t, 2, res.Metadata.Iterations)

	res, err = p.Process(context.Background(), "{{a}}", map[string]any{"a": "{{a}}"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{{a}}", res.Result)
	assert.Equal(t, 1, res.Metadata.Iterations)
	assert.True(t, res.Metadata.HasUnresolvedVariables)

	res, err = p.Process(context.Background(), "{{a}}", map[string]any{"a": "{{b}}", "b": "{{a}}"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxPasses, res.Metadata.Iterations)
	assert.True(t, res.Metadata.HasUnresolvedVariables)
}

func TestPreviewLeavesNoTrace(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"header": "H {{name}}"})
	content := "{{include:header}} <% 1 + 1 %>"
	vars := map[string]any{"name": "Ada"}

	preview, err := p.Preview(context.Background(), content, vars, Options{})
	require.NoError(t, err)
	assert.True(t, preview.Preview)
	assert.Equal(t, "H Ada 2", preview.Result)
	assert.Equal(t, 0, p.cache.Len())

	res, err := p.Process(context.Background(), content, vars, Options{})
	require.NoError(t, err)
	assert.False(t, res.Preview)
	assert.Equal(t, preview.Result, res.Result)
	assert.Positive(t, p.cache.Len())
}

func TestProcessCancelledContext(t *testing.T) {
	p := newTestProcessor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Process(ctx, "{{name}}", map[string]any{"name": "x"}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessorSetConfig(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"leaf": "x"})
	cfg := p.Config()
	cfg.MaxInclusions = 1
	cfg.CacheSize = 0
	p.SetConfig(cfg)

	_, err := p.Process(context.Background(), "{{include:leaf}}{{include:leaf}}", nil, Options{})
	require.ErrorIs(t, err, ErrMaxInclusions)
	assert.Nil(t, p.cache)

	_, err = p.Process(context.Background(), "{{#each items}}{{/each}}", map[string]any{"items": []any{1}}, Options{})
	require.NoError(t, err)
}

func TestProcessorValidateMerges(t *testing.T) {
	p := newTestProcessor(t, nil)

	res := p.Validate("Hello {{name}} {{#each items}}{{this}}{{/each}} {{include:header}}")
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	res = p.Validate("{{#each items}}{{include:bad id}} <% eval('x') %>")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Unclosed {{#each items}} at line 1")
	assert.Contains(t, res.Errors, "Invalid include template id 'bad id' at line 1")
	require.NotEmpty(t, res.Warnings)
}

func TestProcessConcurrentCalls(t *testing.T) {
	p := newTestProcessor(t, map[string]string{"greet": "Hello {{name}}"})
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user%d", i)
			res, err := p.Process(context.Background(), "{{include:greet}} {{#each n}}{{this}}{{/each}}",
				map[string]any{"name": name, "n": []any{i}}, Options{})
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("Hello %s %d", name, i); res.Result != want {
				errs <- fmt.Errorf("got %q, want %q", res.Result, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkProcess(b *testing.B) {
	s, err := store.NewMemoryStore(&store.Template{ID: "row", Content: "<li>{{label | upper}}</li>"})
	require.NoError(b, err)
	p := NewProcessor(nil, s, nil, DefaultConfig())
	items := make([]any, 50)
	for i := range items {
		items[i] = map[string]any{"name": fmt.Sprintf("item %d", i)}
	}
	vars := map[string]any{"items": items, "title": "List"}
	content := "<h1>{{title}}</h1><ul>{{#each items}}{{include:row:label=this.name}}{{/each}}</ul>"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Process(context.Background(), content, vars, Options{}); err != nil {
			b.Fatal(err)
		}
	}
}
