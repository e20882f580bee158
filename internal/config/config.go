// Package config loads kosmos settings from ~/.kosmos/config.yaml, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all kosmos settings.
type Config struct {
	// DataDir is where .kosmos.md documents live.
	DataDir string `yaml:"data_dir"`
	// DBPath is the SQLite database for run history and audit.
	DBPath string `yaml:"db_path"`
	// Listen is the daemon listen address.
	Listen string `yaml:"listen"`
	// ExecTimeout bounds one sandboxed execution.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// LockTTL is how long a document lock may be held before it expires.
	LockTTL time.Duration `yaml:"lock_ttl"`

	LLM LLMConfig `yaml:"llm"`
	Log LogConfig `yaml:"log"`
}

// LLMConfig configures the OpenAI-compatible text generator.
type LLMConfig struct {
	ServerURL string        `yaml:"server_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Enabled reports whether a generator endpoint is configured.
func (c LLMConfig) Enabled() bool {
	return c.ServerURL != ""
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json, logfmt.
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	dbPath := "kosmos.db"
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".kosmos", "kosmos.db")
	}
	return &Config{
		DataDir:     "./data",
		DBPath:      dbPath,
		Listen:      "127.0.0.1:3014",
		ExecTimeout: 5 * time.Second,
		LockTTL:     2 * time.Minute,
		LLM: LLMConfig{
			Model:   "RICH",
			Timeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns ~/.kosmos/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kosmos", "config.yaml")
}

// Load reads path (a missing file is not an error), then .env from the
// working directory, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables looked up with
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MYDATA"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("KOSMOS_DB"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT must be a number, got %q", v)
		}
		host := "127.0.0.1"
		if i := strings.LastIndex(c.Listen, ":"); i > 0 {
			host = c.Listen[:i]
		}
		c.Listen = host + ":" + v
	}
	if v, ok := lookup("KOSMOS_LISTEN"); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup("KOSMOS_EXEC_TIMEOUT_MS"); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KOSMOS_EXEC_TIMEOUT_MS must be a number, got %q", v)
		}
		c.ExecTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := lookup("LLM_SERVER_URL"); ok {
		c.LLM.ServerURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookup("LLM_API_KEY"); ok {
		c.LLM.APIKey = v
	}
	if v, ok := lookup("LLM_MODEL"); ok && v != "" {
		c.LLM.Model = v
	}
	if v, ok := lookup("KOSMOS_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec_timeout must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be: debug, info, warn, or error", c.Log.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true, "logfmt": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be: text, json, or logfmt", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
