package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides for the memory budget.
const (
	MemoryLimitEnv         = "KIRO_RECALL_MEMORY_LIMIT_MB"
	MemoryLimitDisabledEnv = "KIRO_RECALL_NO_MEMORY_LIMIT"
)

// DefaultMemoryFraction is the share of physical RAM the index may use when
// no explicit limit is configured.
const DefaultMemoryFraction = 1.0 / 3.0

// CLISourceConfig configures the CLI conversation store.
type CLISourceConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
}

// DatabasePath returns the first existing database path, or "" when none of
// the configured paths exist.
func (c CLISourceConfig) DatabasePath() string {
	for _, p := range c.Paths {
		expanded := ExpandPath(p)
		if _, err := os.Stat(expanded); err == nil {
			return expanded
		}
	}
	return ""
}

// IDESourceConfig configures the IDE chat-document store.
type IDESourceConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

// EmbeddingConfig configures the external embedding model.
type EmbeddingConfig struct {
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	CacheDir string `yaml:"cache_dir"`
}

// CachePath returns the expanded cache directory.
func (c EmbeddingConfig) CachePath() string {
	return ExpandPath(c.CacheDir)
}

// SearchConfig holds search defaults applied when a tool call omits them.
type SearchConfig struct {
	DefaultThreshold     float64 `yaml:"default_threshold"`
	DefaultMaxResults    int     `yaml:"default_max_results"`
	DefaultContextWindow int     `yaml:"default_context_window"`
}

// MemoryConfig bounds the index footprint: an explicit megabyte limit wins
// over the physical-RAM fraction.
type MemoryConfig struct {
	Fraction float64 `yaml:"fraction"`
	LimitMB  int     `yaml:"limit_mb"`
}

// IndexingConfig tunes the loader.
type IndexingConfig struct {
	// MaxContentLength drops messages with longer content to cap embedding
	// cost on pathological inputs. Zero disables the cap.
	MaxContentLength int `yaml:"max_content_length"`
}

// Config is the full user-level configuration document.
type Config struct {
	Sources struct {
		CLI CLISourceConfig `yaml:"cli"`
		IDE IDESourceConfig `yaml:"ide"`
	} `yaml:"sources"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Memory    MemoryConfig    `yaml:"memory"`
	Indexing  IndexingConfig  `yaml:"indexing"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Sources.CLI = CLISourceConfig{
		Enabled: true,
		Paths: []string{
			"~/Library/Application Support/kiro-cli/data.sqlite3",
			"~/.local/share/kiro-cli/data.sqlite3",
			"~/AppData/Roaming/kiro-cli/data.sqlite3",
		},
	}
	cfg.Sources.IDE = IDESourceConfig{
		Enabled: true,
		Patterns: []string{
			"~/Library/Application Support/Kiro/User/globalStorage/kiro.kiroagent/*/*.chat",
			"~/.config/Kiro/User/globalStorage/kiro.kiroagent/*/*.chat",
			"~/AppData/Roaming/Kiro/User/globalStorage/kiro.kiroagent/*/*.chat",
		},
	}
	cfg.Embedding = EmbeddingConfig{
		Model:    "all-minilm",
		Endpoint: "http://localhost:11434",
		CacheDir: "~/.cache/kiro-total-recall",
	}
	cfg.Search = SearchConfig{
		DefaultThreshold:     0.2,
		DefaultMaxResults:    10,
		DefaultContextWindow: 3,
	}
	cfg.Memory = MemoryConfig{
		Fraction: DefaultMemoryFraction,
	}
	cfg.Indexing = IndexingConfig{
		MaxContentLength: 8192,
	}
	return cfg
}

// DefaultPath returns the canonical user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kiro-total-recall", "config.yaml")
}

// Load reads the configuration document at path. An empty path means the
// default location; a missing file yields the built-in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Search.DefaultThreshold < 0 || c.Search.DefaultThreshold > 1 {
		return fmt.Errorf("search.default_threshold must be in [0, 1], got %f", c.Search.DefaultThreshold)
	}
	if c.Search.DefaultMaxResults < 1 {
		return fmt.Errorf("search.default_max_results must be >= 1, got %d", c.Search.DefaultMaxResults)
	}
	if c.Search.DefaultContextWindow < 0 {
		return fmt.Errorf("search.default_context_window must be >= 0, got %d", c.Search.DefaultContextWindow)
	}
	if c.Memory.Fraction <= 0 || c.Memory.Fraction > 1 {
		return fmt.Errorf("memory.fraction must be in (0, 1], got %f", c.Memory.Fraction)
	}
	if c.Memory.LimitMB < 0 {
		return fmt.Errorf("memory.limit_mb must be >= 0, got %d", c.Memory.LimitMB)
	}
	if c.Indexing.MaxContentLength < 0 {
		return fmt.Errorf("indexing.max_content_length must be >= 0, got %d", c.Indexing.MaxContentLength)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model must not be empty")
	}
	if c.Embedding.CacheDir == "" {
		return fmt.Errorf("embedding.cache_dir must not be empty")
	}
	return nil
}

// MemoryLimitBytes resolves the configured memory budget against the given
// physical memory size. Zero means unlimited.
func (c *Config) MemoryLimitBytes(physical uint64) int64 {
	if os.Getenv(MemoryLimitDisabledEnv) != "" {
		return 0
	}
	if v := os.Getenv(MemoryLimitEnv); v != "" {
		if mb, err := strconv.Atoi(v); err == nil {
			return int64(mb) * 1024 * 1024
		}
	}
	if c.Memory.LimitMB > 0 {
		return int64(c.Memory.LimitMB) * 1024 * 1024
	}
	if physical == 0 {
		return 0
	}
	fraction := c.Memory.Fraction
	if fraction <= 0 {
		fraction = DefaultMemoryFraction
	}
	return int64(float64(physical) * fraction)
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if path == "~" || (len(path) >= 2 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
