// Package config handles planwright configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/planwright/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/planwright/config.yaml, /etc/planwright/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "planwright", "config.yaml"))
	}

	paths = append(paths, "/etc/planwright/config.yaml")
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

// Config holds all planwright configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Models    ModelsConfig            `yaml:"models"`
	Anthropic APIKeyConfig            `yaml:"anthropic"`
	OpenAI    OpenAIConfig            `yaml:"openai"`
	Gemini    APIKeyConfig            `yaml:"gemini"`
	Router    RouterConfig            `yaml:"router"`
	Windows   WindowsConfig           `yaml:"windows"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Pricing   map[string]ModelPricing `yaml:"pricing"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// APIKeyConfig holds a hosted provider credential.
type APIKeyConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig holds OpenAI credentials. BaseURL points the client at
// any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig maps inference tiers to concrete models and each model
// to the provider that serves it.
type ModelsConfig struct {
	Economy   string        `yaml:"economy"`
	Capable   string        `yaml:"capable"`
	OllamaURL string        `yaml:"ollama_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig binds a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai, gemini
}

// RouterConfig holds the tier selection thresholds.
type RouterConfig struct {
	// MaxEntities is the sibling count above which the Capable tier is used.
	MaxEntities int `yaml:"max_entities"`
	// MaxTurns is the history length above which the Capable tier is used.
	MaxTurns int `yaml:"max_turns"`
	// AuditSize bounds the in-memory decision log.
	AuditSize int `yaml:"audit_size"`
}

// WindowsConfig sets the context window size per call site.
type WindowsConfig struct {
	TaskChat    int `yaml:"task_chat"`
	ProjectChat int `yaml:"project_chat"`
	Plan        int `yaml:"plan"`
}

// RateLimitConfig configures outbound throttling of backend calls.
type RateLimitConfig struct {
	// Strategy is one of "memory", "sqlite", "token_bucket", or "" to disable.
	Strategy string        `yaml:"strategy"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

// ModelPricing is the per-million-token cost of a model in USD.
type ModelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig enables publishing orchestrator events to a broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // base topic prefix
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults fill unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration that runs entirely against a local
// Ollama instance.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Economy: "qwen3:4b",
			Capable: "qwen2.5:72b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
				{Name: "qwen2.5:72b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Timeout == 0 {
		c.Models.Timeout = 2 * time.Minute
	}
	if c.Router.MaxEntities == 0 {
		c.Router.MaxEntities = 12
	}
	if c.Router.MaxTurns == 0 {
		c.Router.MaxTurns = 16
	}
	if c.Router.AuditSize == 0 {
		c.Router.AuditSize = 1000
	}
	if c.Windows.TaskChat == 0 {
		c.Windows.TaskChat = 10
	}
	if c.Windows.ProjectChat == 0 {
		c.Windows.ProjectChat = 20
	}
	if c.Windows.Plan == 0 {
		c.Windows.Plan = 30
	}
	if c.RateLimit.Strategy != "" {
		if c.RateLimit.Limit == 0 {
			c.RateLimit.Limit = 30
		}
		if c.RateLimit.Window == 0 {
			c.RateLimit.Window = time.Minute
		}
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "planwright"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "planwright"
	}
}

// ProviderFor returns the configured provider for a model, or "" if the
// model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}

// Validate checks the configuration for errors that would only surface
// at request time otherwise.
func (c *Config) Validate() error {
	var errs []error

	if c.Models.Economy == "" {
		errs = append(errs, errors.New("models.economy is required"))
	}
	if c.Models.Capable == "" {
		errs = append(errs, errors.New("models.capable is required"))
	}
	for _, tier := range []string{c.Models.Economy, c.Models.Capable} {
		if tier == "" {
			continue
		}
		switch p := c.ProviderFor(tier); p {
		case "":
			errs = append(errs, fmt.Errorf("model %q is not listed in models.available", tier))
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q needs anthropic.api_key", tier))
			}
		case "openai":
			if c.OpenAI.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q needs openai.api_key", tier))
			}
		case "gemini":
			if c.Gemini.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q needs gemini.api_key", tier))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q has unknown provider %q", tier, p))
		}
	}

	switch c.RateLimit.Strategy {
	case "", "memory", "sqlite", "token_bucket":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.strategy %q (valid: memory, sqlite, token_bucket)", c.RateLimit.Strategy))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
