package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvAddr     = "ZEN_GATEWAY_ADDR"
	EnvDB       = "ZEN_GATEWAY_DB"
	EnvLogLevel = "ZEN_GATEWAY_LOG_LEVEL"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Demo      DemoConfig      `yaml:"demo"`
	Images    ImagesConfig    `yaml:"images"`
	Prompt    PromptConfig    `yaml:"prompt"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers []ProviderSeed  `yaml:"providers,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"` // resolved provider config cache; 0 disables
}

type TimeoutsConfig struct {
	Request    time.Duration `yaml:"request"`     // whole non-streaming call
	StreamIdle time.Duration `yaml:"stream_idle"` // max gap between stream chunks
}

type DemoConfig struct {
	WordDelay time.Duration `yaml:"word_delay"`
}

// ImagesConfig picks the blob store: Dir for a local directory, BaseURL for
// an HTTP bucket. Dir wins when both are set.
type ImagesConfig struct {
	Dir         string `yaml:"dir,omitempty"`
	BaseURL     string `yaml:"base_url,omitempty"`
	Concurrency int    `yaml:"concurrency"`
}

type PromptConfig struct {
	DefaultSystem string `yaml:"default_system"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ProviderSeed declares a provider that serve writes to the store on startup
// when no config with that id exists yet. The credential can come from an
// environment variable so it stays out of the file.
type ProviderSeed struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Endpoint       string            `yaml:"endpoint"`
	Credential     string            `yaml:"credential,omitempty"`
	CredentialEnv  string            `yaml:"credential_env,omitempty"`
	Model          string            `yaml:"model,omitempty"`
	Deployment     string            `yaml:"deployment,omitempty"`
	APIVersion     string            `yaml:"api_version,omitempty"`
	Sampling       ai.SamplingParams `yaml:"sampling,omitempty"`
	SystemPrompt   string            `yaml:"system_prompt,omitempty"`
	SupportsVision bool              `yaml:"supports_vision,omitempty"`
	Disabled       bool              `yaml:"disabled,omitempty"`
	Default        bool              `yaml:"default,omitempty"`
}

// DefaultConfigPath returns the default config path
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./zen-gateway.yaml"
	}
	return filepath.Join(home, ".zen", "zen-gateway", "config.yaml")
}

// DefaultDBPath returns the default SQLite path
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./zen-gateway.db"
	}
	return filepath.Join(home, ".zen", "zen-gateway", "data", "gateway.db")
}

// LoadConfig loads configuration from file. A missing file yields the
// defaults. Blank fields are filled and env overrides applied either way.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config to YAML: %w", err)
	}

	// may hold seeded credentials
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// NewDefaultConfig returns a default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Store:    StoreConfig{Path: DefaultDBPath()},
		Cache:    CacheConfig{TTL: 10 * time.Second},
		Timeouts: TimeoutsConfig{Request: 30 * time.Second, StreamIdle: 60 * time.Second},
		Demo:     DemoConfig{WordDelay: 30 * time.Millisecond},
		Images:   ImagesConfig{Concurrency: 4},
		Prompt:   PromptConfig{DefaultSystem: "You are a helpful assistant."},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             5,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func (c *Config) applyDefaults() {
	def := NewDefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Timeouts.Request <= 0 {
		c.Timeouts.Request = def.Timeouts.Request
	}
	if c.Timeouts.StreamIdle <= 0 {
		c.Timeouts.StreamIdle = def.Timeouts.StreamIdle
	}
	if c.Images.Concurrency <= 0 {
		c.Images.Concurrency = def.Images.Concurrency
	}
	if strings.TrimSpace(c.Prompt.DefaultSystem) == "" {
		c.Prompt.DefaultSystem = def.Prompt.DefaultSystem
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Demo.WordDelay < 0 {
		return fmt.Errorf("demo.word_delay must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool)
	defaults := 0
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if _, err := ai.ParseProviderKind(p.Kind); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if p.Default && !p.Disabled {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one enabled provider may be marked default, found %d", defaults)
	}
	return nil
}

// ProviderConfig converts a seed to a provider config. CredentialEnv, when
// set and present in the environment, wins over an inline credential.
func (p ProviderSeed) ProviderConfig() (ai.ProviderConfig, error) {
	kind, err := ai.ParseProviderKind(p.Kind)
	if err != nil {
		return ai.ProviderConfig{}, err
	}

	credential := p.Credential
	if p.CredentialEnv != "" {
		if v := os.Getenv(p.CredentialEnv); v != "" {
			credential = v
		}
	}

	return ai.ProviderConfig{
		ID:             p.ID,
		Name:           p.Name,
		Kind:           kind,
		Endpoint:       p.Endpoint,
		Credential:     credential,
		Model:          p.Model,
		Deployment:     p.Deployment,
		APIVersion:     p.APIVersion,
		Sampling:       p.Sampling,
		SystemPrompt:   p.SystemPrompt,
		SupportsVision: p.SupportsVision,
		Enabled:        !p.Disabled,
		IsDefault:      p.Default,
	}, nil
}
