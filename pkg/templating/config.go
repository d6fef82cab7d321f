package templating

import "time"

// Config holds all configuration options for the templating engine.
type Config struct {
	// MaxDepth bounds how deeply includes may nest.
	MaxDepth int `json:"max_depth"`

	// MaxInclusions bounds the total number of includes expanded by one call,
	// across all depths.
	MaxInclusions int `json:"max_inclusions"`

	// MaxIterations bounds the total number of loop iterations in one call.
	MaxIterations int `json:"max_iterations"`

	// MaxPasses bounds how many times the pipeline re-runs while its output
	// still contains directives.
	MaxPasses int `json:"max_passes"`

	// MaxIncludesWarning is the number of include directives in one template
	// above which Validate emits a warning.
	MaxIncludesWarning int `json:"max_includes_warning"`

	// StrictMode makes unresolved variables, missing includes and script
	// failures fatal. Options.StrictMode overrides it per call.
	StrictMode bool `json:"strict_mode"`

	// StrictScalarLoops makes a loop over a single scalar value an error
	// instead of a one-element iteration.
	StrictScalarLoops bool `json:"strict_scalar_loops"`

	// ScriptTimeout bounds each script block. Zero leaves only the sandbox's own limit.
	ScriptTimeout time.Duration `json:"script_timeout"`

	// CacheSize is the number of parsed templates kept. Zero disables the cache.
	CacheSize int `json:"cache_size"`
}

// DefaultConfig returns a Config with safe default values.
func DefaultConfig() Config {
	return Config{
		MaxDepth:           10,
		MaxInclusions:      100,
		MaxIterations:      10000,
		MaxPasses:          5,
		MaxIncludesWarning: 20,
		StrictMode:         true,
		StrictScalarLoops:  false,
		ScriptTimeout:      2 * time.Second,
		CacheSize:          256,
	}
}
