package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/toolrelay/relay"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Relay     RelayConfig     `mapstructure:"relay"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// RelayConfig stores tool server and storage settings.
type RelayConfig struct {
	DataDir         string         `mapstructure:"data_dir"`
	Database        DatabaseConfig `mapstructure:"database"`
	DescriptorStore string         `mapstructure:"descriptor_store"` // "sql", "file", "memory"
	DescriptorFile  string         `mapstructure:"descriptor_file"`  // YAML file for the "file" store
	WatchDescriptor bool           `mapstructure:"watch_descriptor"` // reload the YAML file on change
	RuntimeDir      string         `mapstructure:"runtime_dir"`      // embedded script runtime (node/npx)
	ConnectTimeout  time.Duration  `mapstructure:"connect_timeout"`  // bound on a single connect attempt
}

// ProvidersConfig stores backend selection and per-backend settings.
type ProvidersConfig struct {
	Preference    string          `mapstructure:"preference"`     // "auto", "on-device", "ollama", "anthropic"
	ProbeDebounce time.Duration   `mapstructure:"probe_debounce"` // reuse window for probe results
	ProbeTimeout  time.Duration   `mapstructure:"probe_timeout"`  // per-backend probe bound
	Ollama        OllamaConfig    `mapstructure:"ollama"`
	Anthropic     AnthropicConfig `mapstructure:"anthropic"`
	OnDevice      OnDeviceConfig  `mapstructure:"ondevice"`
}

// OllamaConfig configures the local network model server client.
type OllamaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Endpoint          string        `mapstructure:"endpoint"`
	Model             string        `mapstructure:"model"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	FirstTokenTimeout time.Duration `mapstructure:"first_token_timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
}

// AnthropicConfig configures the cloud API client.
type AnthropicConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// OnDeviceConfig configures the in-process llama.cpp backend.
type OnDeviceConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ModelsDir    string  `mapstructure:"models_dir"`    // directory holding <model>.gguf files
	DefaultModel string  `mapstructure:"default_model"` // loaded implicitly on first completion
	ContextSize  int     `mapstructure:"context_size"`
	GPULayers    int     `mapstructure:"gpu_layers"`
	Threads      int     `mapstructure:"threads"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float32 `mapstructure:"temperature"`
}

// HarnessConfig stores orchestration settings.
type HarnessConfig struct {
	// Probe cache
	CacheCapacity int `mapstructure:"cache_capacity"` // LRU capacity for debounced probes

	// Rate limiting of backend calls
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Policies
	MaxIterations  int           `mapstructure:"max_iterations"`  // backend calls per turn
	BackendTimeout time.Duration `mapstructure:"backend_timeout"` // per backend call
	MaxNewTokens   int           `mapstructure:"max_new_tokens"`
	Temperature    float32       `mapstructure:"temperature"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // schema-check tool arguments
	AllowedTools     []string `mapstructure:"allowed_tools"`     // empty allows every catalog tool

	// Telemetry
	EnableTracing     bool `mapstructure:"enable_tracing"`
	MetricsEnabled    bool `mapstructure:"metrics_enabled"`
	TranscriptEnabled bool `mapstructure:"transcript_enabled"` // record turns in the database
}

// LogConfig controls the zerolog root logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(internal.DefaultUserConfigDir)
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("TOOLRELAY")
	// e.g. providers.ollama.endpoint becomes TOOLRELAY_PROVIDERS_OLLAMA_ENDPOINT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("providers.anthropic.api_key", "TOOLRELAY_PROVIDERS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Relay defaults
	v.SetDefault("relay.data_dir", internal.DefaultDataDir)
	v.SetDefault("relay.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("relay.database.type", internal.DefaultDatabaseType)
	v.SetDefault("relay.descriptor_store", "sql")
	v.SetDefault("relay.descriptor_file", filepath.Join(internal.DefaultUserConfigDir, internal.DefaultDescriptorYML))
	v.SetDefault("relay.watch_descriptor", true)
	v.SetDefault("relay.runtime_dir", internal.DefaultRuntimeDir)
	v.SetDefault("relay.connect_timeout", "30s")

	// Provider defaults
	v.SetDefault("providers.preference", "auto")
	v.SetDefault("providers.probe_debounce", "2s")
	v.SetDefault("providers.probe_timeout", "5s")

	v.SetDefault("providers.ollama.enabled", true)
	v.SetDefault("providers.ollama.endpoint", "http://127.0.0.1:11434")
	v.SetDefault("providers.ollama.model", "")
	v.SetDefault("providers.ollama.connection_timeout", "30s")
	v.SetDefault("providers.ollama.first_token_timeout", "60s")
	v.SetDefault("providers.ollama.stream_idle_timeout", "15s")

	v.SetDefault("providers.anthropic.enabled", true)
	v.SetDefault("providers.anthropic.endpoint", "https://api.anthropic.com")
	v.SetDefault("providers.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.max_tokens", 4096)

	v.SetDefault("providers.ondevice.enabled", true)
	v.SetDefault("providers.ondevice.models_dir", internal.DefaultModelsDir)
	v.SetDefault("providers.ondevice.default_model", "")
	v.SetDefault("providers.ondevice.context_size", 4096)
	v.SetDefault("providers.ondevice.gpu_layers", 0) // CPU-only by default
	v.SetDefault("providers.ondevice.threads", 4)
	v.SetDefault("providers.ondevice.max_tokens", 1024)
	v.SetDefault("providers.ondevice.temperature", 0.7)

	// Harness defaults
	v.SetDefault("harness.cache_capacity", 64)
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.max_iterations", 10)
	v.SetDefault("harness.backend_timeout", "60s")
	v.SetDefault("harness.max_new_tokens", 1024)
	v.SetDefault("harness.temperature", 0.7)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.metrics_enabled", false)
	v.SetDefault("harness.transcript_enabled", false)

	// Logging
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.pretty", true)
}

// Validate rejects settings the rest of the system cannot work with.
func (c *Config) Validate() error {
	switch c.Providers.Preference {
	case "auto", "on-device", "ollama", "anthropic":
	default:
		return fmt.Errorf("invalid providers.preference %q", c.Providers.Preference)
	}

	switch c.Relay.DescriptorStore {
	case "sql", "file", "memory":
	default:
		return fmt.Errorf("invalid relay.descriptor_store %q", c.Relay.DescriptorStore)
	}

	if c.Relay.ConnectTimeout <= 0 {
		return fmt.Errorf("relay.connect_timeout must be positive, got %v", c.Relay.ConnectTimeout)
	}
	if c.Harness.BackendTimeout <= 0 {
		return fmt.Errorf("harness.backend_timeout must be positive, got %v", c.Harness.BackendTimeout)
	}
	return nil
}
