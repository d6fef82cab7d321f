package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.json", `{"server_config": {"store_backend": "memory", "log_level": "error"}}`)
	page := writeFile(t, dir, "page.txt", "Hello {{name | upper}}{{#each items}}, {{this}}{{/each}}")
	vars := writeFile(t, dir, "vars.yaml", "name: ada\nitems: [x, y]\n")

	out, err := executeRoot(t, "--config", cfgPath, "render", page, "--vars", vars)
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA, x, y", out)

	_, err = executeRoot(t, "--config", cfgPath, "render", "ghost", "--vars", vars)
	assert.ErrorContains(t, err, "Template 'ghost' not found")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.json", `{"server_config": {"store_backend": "memory", "log_level": "error"}}`)
	good := writeFile(t, dir, "good.txt", "Hi {{name}} <% 1 + 1 %>")
	bad := writeFile(t, dir, "bad.txt", "{{#each items}}open")

	out, err := executeRoot(t, "--config", cfgPath, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good+": ok (1 variables, 1 scripts, 0 includes, 0 loops, simple)")

	out, err = executeRoot(t, "--config", cfgPath, "validate", good, bad)
	require.ErrorIs(t, err, errInvalidTemplates)
	assert.Contains(t, out, bad+": error: Unclosed {{#each items}} at line 1")
}

func TestLoadVariables(t *testing.T) {
	dir := t.TempDir()

	vars, err := loadVariables("")
	require.NoError(t, err)
	assert.Empty(t, vars)

	vars, err = loadVariables(writeFile(t, dir, "v.json", `{"user": {"name": "Ada"}, "n": 2}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "Ada"}, "n": 2.0}, vars)

	vars, err = loadVariables(writeFile(t, dir, "v.yml", "user:\n  name: Ada\nn: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "Ada"}, "n": 2}, vars)

	_, err = loadVariables(writeFile(t, dir, "broken.json", "{"))
	assert.Error(t, err)
	_, err = loadVariables(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestTemplateIDFromPath(t *testing.T) {
	assert.Equal(t, "card", templateIDFromPath("/tmp/x/card.tmpl.md"))
	assert.Equal(t, "page", templateIDFromPath("page.txt"))
	assert.Equal(t, "raw.html", templateIDFromPath("raw.html"))
}
