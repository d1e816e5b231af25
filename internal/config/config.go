// Package config handles quilld configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/quilld/config.yaml, /etc/quilld/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quilld", "config.yaml"))
	}

	paths = append(paths, "/etc/quilld/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all quilld configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Models    ModelsConfig            `yaml:"models"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Agent     AgentConfig             `yaml:"agent"`
	Window    WindowConfig            `yaml:"window"`
	Cache     CacheConfig             `yaml:"cache"`
	Quota     QuotaConfig             `yaml:"quota"`
	Warehouse WarehouseConfig         `yaml:"warehouse"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model provider settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig controls the reasoning engine.
type AgentConfig struct {
	MaxIterations     int `yaml:"max_iterations"`
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	MaxTokens         int `yaml:"max_tokens"` // per model reply
}

// WindowConfig controls context window assembly.
type WindowConfig struct {
	MaxTurns        int `yaml:"max_turns"`         // summarize history beyond this
	KeepRecent      int `yaml:"keep_recent"`       // turns kept verbatim when summarizing
	MaxMessageChars int `yaml:"max_message_chars"` // per-message truncation budget
}

// CacheConfig controls the model response cache.
type CacheConfig struct {
	Backend          string `yaml:"backend"` // sqlite (default) or redis
	TTLMinutes       int    `yaml:"ttl_minutes"`
	SweepIntervalMin int    `yaml:"sweep_interval_min"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
}

// QuotaConfig controls per-user token budgets.
type QuotaConfig struct {
	Period       string           `yaml:"period"` // daily or monthly
	DefaultLimit int64            `yaml:"default_limit"`
	Limits       map[string]int64 `yaml:"limits"` // user_id → token limit, overrides default
}

// WarehouseConfig points at the queryable data backend.
type WarehouseConfig struct {
	Path     string `yaml:"path"`      // sqlite database file
	MaxRows  int    `yaml:"max_rows"`  // query result row cap
	MaxCells int    `yaml:"max_cells"` // formatted-output cell cap
}

// PricingEntry holds per-model token pricing in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Environment variables in the
// file (e.g. ${ANTHROPIC_API_KEY}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8600
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.RequestTimeoutSec <= 0 {
		c.Agent.RequestTimeoutSec = 120
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Window.MaxTurns <= 0 {
		c.Window.MaxTurns = 30
	}
	if c.Window.KeepRecent <= 0 {
		c.Window.KeepRecent = 10
	}
	if c.Window.MaxMessageChars <= 0 {
		c.Window.MaxMessageChars = 8000
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "sqlite"
	}
	if c.Cache.TTLMinutes <= 0 {
		c.Cache.TTLMinutes = 60
	}
	if c.Cache.SweepIntervalMin <= 0 {
		c.Cache.SweepIntervalMin = 15
	}
	if c.Quota.Period == "" {
		c.Quota.Period = "daily"
	}
	if c.Warehouse.MaxRows <= 0 {
		c.Warehouse.MaxRows = 200
	}
	if c.Warehouse.MaxCells <= 0 {
		c.Warehouse.MaxCells = 2000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("invalid cache backend %q (want sqlite or redis)", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache backend is redis but redis_addr is empty")
	}
	switch c.Quota.Period {
	case "daily", "monthly":
	default:
		return fmt.Errorf("invalid quota period %q (want daily or monthly)", c.Quota.Period)
	}
	return nil
}
