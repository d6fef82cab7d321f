package templating

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopEngineProcessTemplate(t *testing.T) {
	le := NewLoopEngine(nil, DefaultConfig())
	vars := map[string]any{
		"items": []any{"a", "b"},
		"users": []any{
			map[string]any{"name": "ann", "roles": []any{"x", "y"}},
			map[string]any{"name": "bob", "roles": []any{}},
		},
		"cfg":    map[string]any{"b": 2, "a": 1},
		"name":   "Ada",
		"matrix": []any{[]any{1, 2}, []any{3}},
		"words":  []string{"go", "fmt"},
	}

	testCases := []struct {
		name    string
		content string
		want    string
	}{
		{"specials", "{{#each items}}{{@index}}/{{@length}} {{@first}} {{@last}}|{{/each}}", "0/2 true false|1/2 false true|"},
		{"index arithmetic", "{{#each items}}{{@index * 10 + 1}} {{/each}}", "1 11 "},
		{"alias with nested loop", "{{#each users as u}}{{u.name}}{{#each u.roles}}[{{this}}{{u.name}}]{{/each}};{{/each}}", "ann[xann][yann];bob;"},
		{"nested this is innermost", "{{#each matrix}}({{#each this}}{{this}}{{/each}}){{/each}}", "(12)(3)"},
		{"object in sorted key order", "{{#each cfg}}{{@key}}={{this.value}} {{/each}}", "a=1 b=2 "},
		{"object with alias", "{{#each cfg as kv}}{{kv.key}}{{/each}}", "ab"},
		{"scalar iterates once", "{{#each name}}<{{this}}>{{/each}}", "<Ada>"},
		{"string slice", "{{#each words}}{{this | upper}}{{/each}}", "GOFMT"},
		{"globals left for later", "{{#each items}}{{title}}:{{this}} {{/each}}", "{{title}}:a {{title}}:b "},
		{"specials inside nested body belong to inner loop", "{{#each matrix}}{{@index}}[{{#each this}}{{@index}}{{/each}}]{{/each}}", "0[01]1[0]"},
		{"default on item", "{{#each items}}{{this.missing || 'n/a'}} {{/each}}", "n/a n/a "},
		{"no loops", "plain {{name}}", "plain {{name}}"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := le.ProcessTemplate(context.Background(), tc.content, vars, true)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoopEngineTargets(t *testing.T) {
	le := NewLoopEngine(nil, DefaultConfig())

	_, err := le.ProcessTemplate(context.Background(), "{{#each missing}}x{{/each}}", nil, true)
	require.ErrorIs(t, err, ErrUnresolvedVariable)

	got, err := le.ProcessTemplate(context.Background(), "a{{#each missing}}x{{/each}}b", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	got, err = le.ProcessTemplate(context.Background(), "a{{#each empty}}x{{/each}}b", map[string]any{"empty": []any{}}, true)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	cfg := DefaultConfig()
	cfg.StrictScalarLoops = true
	le.SetConfig(cfg)
	_, err = le.ProcessTemplate(context.Background(), "{{#each n}}x{{/each}}", map[string]any{"n": 3}, true)
	require.ErrorIs(t, err, ErrUnresolvedVariable)
	assert.Contains(t, err.Error(), "not a list or object")
}

func TestLoopEngineIterationBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 7
	le := NewLoopEngine(nil, cfg)
	vars := map[string]any{
		"six":    []any{1, 2, 3, 4, 5, 6},
		"nested": []any{[]any{1, 2, 3}, []any{1, 2, 3}},
	}

	_, err := le.ProcessTemplate(context.Background(), "{{#each six}}.{{/each}}", vars, true)
	require.NoError(t, err)

	// 2 outer + 6 inner iterations share one budget.
	_, err = le.ProcessTemplate(context.Background(), "{{#each nested}}{{#each this}}.{{/each}}{{/each}}", vars, true)
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Contains(t, err.Error(), "Loop iteration count exceeds maximum (7)")

	_, err = le.ProcessTemplate(context.Background(), "{{#each six}}.{{/each}}{{#each six}}.{{/each}}", vars, false)
	require.ErrorIs(t, err, ErrMaxIterations)

	cfg.MaxIterations = 8
	le.SetConfig(cfg)
	got, err := le.ProcessTemplate(context.Background(), "{{#each nested}}{{#each this}}.{{/each}}{{/each}}", vars, true)
	require.NoError(t, err)
	assert.Equal(t, "......", got)
}

func TestLoopEngineCancelled(t *testing.T) {
	le := NewLoopEngine(nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := le.ProcessTemplate(ctx, "{{#each items}}x{{/each}}", map[string]any{"items": []any{1}}, true)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFindLoopBlocks(t *testing.T) {
	content := "a {{#each items as it}}{{#each it.tags}}{{this}}{{/each}}{{/each}} b {{ #each  more }}x{{/each}}"
	blocks, err := FindLoopBlocks(content)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "items", blocks[0].Path)
	assert.Equal(t, "it", blocks[0].Alias)
	assert.Equal(t, "{{#each it.tags}}{{this}}{{/each}}", blocks[0].Body)
	assert.Equal(t, 2, blocks[0].Start)
	assert.Equal(t, content[blocks[0].Start:blocks[0].End], blocks[0].FullMatch)

	assert.Equal(t, "more", blocks[1].Path)
	assert.Empty(t, blocks[1].Alias)

	syntaxErrors := []string{
		"{{#each items}}never closed",
		"orphan {{/each}}",
		"{{#each items}}{{#each inner}}{{/each}}",
		"{{#each}}x{{/each}}",
		"{{#each a b c}}x{{/each}}",
	}
	for _, content := range syntaxErrors {
		_, err := FindLoopBlocks(content)
		require.ErrorIs(t, err, ErrSyntax, content)
	}
}

func TestLoopEngineValidate(t *testing.T) {
	le := NewLoopEngine(nil, DefaultConfig())

	res := le.Validate("{{#each items}}{{this}}{{/each}}")
	assert.True(t, res.Valid)
	assert.Empty(t, res.Warnings)

	res = le.Validate("{{#each items}}\n{{/each}}\n{{/each}}\n{{@index}}")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Unexpected {{/each}} at line 3 without a matching {{#each}}")
	assert.Contains(t, res.Warnings, "Empty loop body for 'items' at line 1")
	assert.Contains(t, res.Warnings, "'@index' used outside of a loop at line 4")

	res = le.Validate("{{#each a as this}}x{{/each}}{{#each bad header here}}")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Invalid loop header 'bad header here' at line 1")
	assert.Contains(t, res.Errors, "Unclosed {{#each bad header here}} at line 1")
	assert.Contains(t, res.Warnings, "Loop alias 'this' at line 1 shadows the current item")
}

func TestLoopEngineStatisticsAndPreview(t *testing.T) {
	le := NewLoopEngine(nil, DefaultConfig())
	vars := map[string]any{
		"items": []any{[]any{1}, []any{2, 3}},
		"cfg":   map[string]any{"a": 1, "b": 2, "c": 3},
		"name":  "Ada",
	}
	content := "{{#each items as row}}{{#each row}}{{@index}}{{/each}}{{/each}}{{#each cfg}}{{/each}}{{#each name}}{{/each}}{{#each ghost}}{{/each}}"

	st := le.Statistics(content, vars)
	assert.Equal(t, 5, st.Loops)
	assert.Equal(t, 4, st.TopLevel)
	assert.Equal(t, 2, st.MaxNesting)
	assert.Equal(t, []string{"cfg", "ghost", "items", "name", "row"}, st.Paths)
	assert.Equal(t, []string{"row"}, st.Aliases)
	assert.True(t, st.UsesSpecialVariables)
	assert.Equal(t, 2+3+1, st.EstimatedIterations)

	previews, err := le.PreviewLoop(content, vars)
	require.NoError(t, err)
	require.Len(t, previews, 4)
	assert.Equal(t, LoopPreview{Path: "items", Alias: "row", Type: "array", Count: 2, Nested: 1}, previews[0])
	assert.Equal(t, LoopPreview{Path: "cfg", Type: "object", Count: 3}, previews[1])
	assert.Equal(t, LoopPreview{Path: "name", Type: "scalar", Count: 1}, previews[2])
	assert.Equal(t, LoopPreview{Path: "ghost", Type: "missing"}, previews[3])

	_, err = le.PreviewLoop("{{#each x}}", vars)
	require.ErrorIs(t, err, ErrSyntax)
}
