package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/CTAG07/Quill/pkg/sandbox"
	"github.com/CTAG07/Quill/pkg/templating"
	"github.com/natefinch/atomic"
)

// Store backends selectable in ServerConfig.StoreBackend.
const (
	backendSQLite = "sqlite"
	backendFile   = "file"
	backendMemory = "memory"
)

// ServerConfig holds the configuration for the HTTP server and storage.
type ServerConfig struct {
	ApiAddr         string `json:"api_addr"`
	LogLevel        string `json:"log_level"`
	DataDir         string `json:"data_dir"`
	DatabasePath    string `json:"database_path"`
	StoreBackend    string `json:"store_backend"`
	TemplateDir     string `json:"template_dir"`
	WatchTemplates  bool   `json:"watch_templates"`
	WatchDebounceMs int    `json:"watch_debounce_ms"`
	MaxBodyBytes    int64  `json:"max_body_bytes"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server    *ServerConfig      `json:"server_config"`
	Templates *templating.Config `json:"template_config"`
	Sandbox   *sandbox.Config    `json:"sandbox_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:         ":7380",
		LogLevel:        "info",
		DataDir:         "./data",
		DatabasePath:    "./data/quill.db?_journal_mode=WAL&_busy_timeout=5000",
		StoreBackend:    backendSQLite,
		TemplateDir:     "./data/templates/",
		WatchTemplates:  true,
		WatchDebounceMs: 250,
		MaxBodyBytes:    4 << 20,
	}
}

// DefaultConfig returns a Config with every section at its defaults.
func DefaultConfig() *Config {
	tc := templating.DefaultConfig()
	sc := sandbox.DefaultConfig()
	return &Config{
		Server:    DefaultServerConfig(),
		Templates: &tc,
		Sandbox:   &sc,
	}
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var data []byte
			data, err = json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// The server can still run with defaults.
				fmt.Fprintf(os.Stderr, "warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.fillDefaults()
	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// fillDefaults restores sections a config file set to null.
func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.Server == nil {
		c.Server = defaults.Server
	}
	if c.Templates == nil {
		c.Templates = defaults.Templates
	}
	if c.Sandbox == nil {
		c.Sandbox = defaults.Sandbox
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server == nil || c.Templates == nil || c.Sandbox == nil {
		return errors.New("server_config, template_config and sandbox_config are required")
	}
	switch c.Server.StoreBackend {
	case backendSQLite, backendFile, backendMemory:
	default:
		return fmt.Errorf("unknown store_backend %q", c.Server.StoreBackend)
	}
	if c.Templates.MaxDepth < 1 {
		return errors.New("max_depth must be at least 1")
	}
	if c.Templates.MaxInclusions < 1 {
		return errors.New("max_inclusions must be at least 1")
	}
	if c.Templates.MaxIterations < 1 {
		return errors.New("max_iterations must be at least 1")
	}
	if c.Templates.MaxPasses < 1 {
		return errors.New("max_passes must be at least 1")
	}
	if c.Sandbox.MaxStatements < 1 {
		return errors.New("max_statements must be at least 1")
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigManager handles thread-safe access to configuration and pushes
// engine settings to the processor it manages.
type ConfigManager struct {
	config     *Config
	mu         sync.RWMutex
	configPath string
	logger     *slog.Logger
	processor  *templating.Processor
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stdout before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})),
	}, nil
}

// SetProcessor registers the processor to receive config updates.
func (cm *ConfigManager) SetProcessor(p *templating.Processor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.processor = p
	if p != nil {
		p.SetConfig(*cm.config.Templates)
		p.Sandbox().SetConfig(*cm.config.Sandbox)
	}
}

// SetLogger sets the logger.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.logger = logger
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.clone()
}

// clone copies every section so callers cannot mutate shared state.
func (c *Config) clone() Config {
	server := *c.Server
	templates := *c.Templates
	sb := *c.Sandbox
	return Config{Server: &server, Templates: &templates, Sandbox: &sb}
}

// Update validates and applies the configuration, then saves it to disk.
// Server section changes only take effect after a restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	newConfig.fillDefaults()
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("configuration rejected: %w", err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.processor != nil {
		cm.processor.SetConfig(*newConfig.Templates)
		cm.processor.Sandbox().SetConfig(*newConfig.Sandbox)
	}
	*cm.config = newConfig.clone()

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	cm.logger.Info("Configuration updated", "path", cm.configPath)
	return nil
}
