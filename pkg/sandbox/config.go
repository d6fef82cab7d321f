package sandbox

import "time"

// Config holds the execution limits of the sandbox.
type Config struct {
	// Timeout bounds the wall-clock time of a single Execute call.
	Timeout time.Duration `json:"timeout"`

	// MaxStatements bounds the number of statements executed by one statement block.
	MaxStatements int `json:"max_statements"`

	// MaxCodeLength rejects fragments longer than this many bytes.
	MaxCodeLength int `json:"max_code_length"`

	// MaxOutputLength bounds the bytes a helper may build and the number of
	// elements seq may produce. Zero disables the check.
	MaxOutputLength int `json:"max_output_length"`
}

// DefaultConfig returns a Config with safe default values.
func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		MaxStatements:   1000,
		MaxCodeLength:   16384,
		MaxOutputLength: 1 << 20,
	}
}
