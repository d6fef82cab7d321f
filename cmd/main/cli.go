package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CTAG07/Quill/pkg/templating"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	renderVarsPath    string
	renderStrict      bool
	renderPreview     bool
	renderJSON        bool
	renderTemplateDir string
)

var renderCmd = &cobra.Command{
	Use:   "render <template-id|file>",
	Short: "Render a stored template or a template file",
	Long: `Render a template and print the result.

If the argument names an existing file its content is rendered directly;
otherwise it is read from the configured template store. Includes always
resolve against the store.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check template files for syntax problems",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	renderCmd.Flags().StringVar(&renderVarsPath, "vars", "", "JSON or YAML file with template variables")
	renderCmd.Flags().BoolVar(&renderStrict, "strict", false, "fail on unresolved variables, missing includes and script errors")
	renderCmd.Flags().BoolVar(&renderPreview, "preview", false, "render without populating caches")
	renderCmd.Flags().BoolVar(&renderJSON, "json", false, "print the full result with metadata as JSON")
	renderCmd.Flags().StringVar(&renderTemplateDir, "template-dir", "", "use a directory of template files as the store")
	rootCmd.AddCommand(renderCmd, validateCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if renderTemplateDir != "" {
		cfg.Server.StoreBackend = backendFile
		cfg.Server.TemplateDir = renderTemplateDir
	}
	cfg.Server.WatchTemplates = false

	vars, err := loadVariables(renderVarsPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel, os.Stderr)
	e, err := openEngine(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = e.Close()
	}()

	var opts templating.Options
	if cmd.Flags().Changed("strict") {
		opts.StrictMode = &renderStrict
	}

	target := args[0]
	var res *templating.Result
	if content, readErr := os.ReadFile(target); readErr == nil {
		opts.TemplateID = templateIDFromPath(target)
		if renderPreview {
			res, err = e.processor.Preview(cmd.Context(), string(content), vars, opts)
		} else {
			res, err = e.processor.Process(cmd.Context(), string(content), vars, opts)
		}
	} else if renderPreview {
		tmpl, readErr := e.store.Read(cmd.Context(), target)
		if readErr != nil {
			return fmt.Errorf("failed to read template %q: %w", target, readErr)
		}
		opts.TemplateID = target
		res, err = e.processor.Preview(cmd.Context(), tmpl.Content, vars, opts)
	} else {
		res, err = e.processor.ProcessTemplate(cmd.Context(), target, vars, opts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if renderJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", d.Kind, d.Message)
	}
	_, err = io.WriteString(out, res.Result)
	return err
}

// templateIDFromPath strips the directory and template extensions so a file
// that includes itself is reported as a cycle.
func templateIDFromPath(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".tmpl.md", ".md", ".tmpl", ".txt"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// loadVariables reads a variables file. YAML is chosen by extension, JSON otherwise.
func loadVariables(path string) (map[string]any, error) {
	vars := map[string]any{}
	if path == "" {
		return vars, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &vars)
	default:
		err = json.Unmarshal(data, &vars)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse variables file %s: %w", path, err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

var errInvalidTemplates = errors.New("one or more templates are invalid")

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	// Validation never reads the store, so no backend is opened.
	p := templating.NewProcessor(newLogger(cfg.Server.LogLevel, os.Stderr), nil, nil, *cfg.Templates)

	out := cmd.OutOrStdout()
	failed := false
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		res := p.Validate(string(content))
		for _, msg := range res.Errors {
			fmt.Fprintf(out, "%s: error: %s\n", path, msg)
		}
		for _, msg := range res.Warnings {
			fmt.Fprintf(out, "%s: warning: %s\n", path, msg)
		}
		if res.Valid {
			st := templating.Statistics(string(content))
			fmt.Fprintf(out, "%s: ok (%d variables, %d scripts, %d includes, %d loops, %s)\n",
				path, st.Variables, st.Scripts, st.Includes, st.Loops, st.Complexity)
		} else {
			failed = true
		}
	}
	if failed {
		return errInvalidTemplates
	}
	return nil
}
