package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"talkstream/pkg/ai"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Provider              string       `json:"provider" yaml:"provider"`
	Model                 string       `json:"model" yaml:"model"`
	APIURL                string       `json:"api_url" yaml:"api_url"`
	APIKey                string       `json:"api_key" yaml:"api_key"`
	BackupAPIKey          string       `json:"backup_api_key,omitempty" yaml:"backup_api_key,omitempty"`
	SystemPrompt          string       `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Streaming             bool         `json:"streaming" yaml:"streaming"`
	StreamFallback        bool         `json:"stream_fallback" yaml:"stream_fallback"`
	SearchMode            string       `json:"search_mode" yaml:"search_mode"`
	Thinking              any          `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	MaxOutputTokens       int          `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	Temperature           *float64     `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	HTTPReferer           string       `json:"http_referer,omitempty" yaml:"http_referer,omitempty"`
	XTitle                string       `json:"x_title,omitempty" yaml:"x_title,omitempty"`
	MaxContextTokens      int          `json:"max_context_tokens" yaml:"max_context_tokens"`
	MaxContextMessages    int          `json:"max_context_messages" yaml:"max_context_messages"`
	Retry                 RetryConfig  `json:"retry" yaml:"retry"`
	ConnectTimeoutSeconds int          `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	Markers               MarkerConfig `json:"markers" yaml:"markers"`
	PseudoStreamDelayMS   int          `json:"pseudo_stream_delay_ms" yaml:"pseudo_stream_delay_ms"`
	LogLevel              string       `json:"log_level" yaml:"log_level"`
	LogFormat             string       `json:"log_format" yaml:"log_format"`
	LogFile               string       `json:"log_file" yaml:"log_file"`
}

// RetryConfig holds the per-key retry policy
type RetryConfig struct {
	MaxRetries  int `json:"max_retries" yaml:"max_retries"`
	BaseDelayMS int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// MarkerConfig holds the sentinel markers the model is prompted to emit
type MarkerConfig struct {
	Sentence string `json:"sentence" yaml:"sentence"`
	Segment  string `json:"segment" yaml:"segment"`
}

// Default returns a configuration with default values
func Default() Config {
	return Config{
		Provider:   string(ai.ProviderOpenRouter),
		Model:      "google/gemini-3.0-flash",
		Streaming:  true,
		SearchMode: string(ai.SearchOff),

		MaxContextTokens:   ai.DefaultMaxContextTokens,
		MaxContextMessages: ai.DefaultMaxContextMessages,
		Retry: RetryConfig{
			MaxRetries:  2,
			BaseDelayMS: 1000,
			MaxDelayMS:  8000,
		},
		ConnectTimeoutSeconds: 30,
		Markers: MarkerConfig{
			Sentence: "<SENT>",
			Segment:  "<SEG>",
		},
		PseudoStreamDelayMS: 18,
		LogLevel:            "info",
		LogFormat:           "json",
		LogFile:             defaultLogFilePath(),
	}
}

// Load loads configuration from the specified path. A missing file is
// created with default values. Files ending in .yaml or .yml are decoded as
// YAML, everything else as JSON. Environment variables override file values.
func Load(configPath string) (Config, error) {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return Config{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Save(configPath, cfg); err != nil {
			return Config{}, fmt.Errorf("failed to create default config: %w", err)
		}
		return ApplyEnv(cfg, os.Getenv), nil
	}

	// Fields missing from the file keep their defaults.
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return ApplyEnv(cfg, os.Getenv), nil
}

// Save saves the configuration to the specified path
func Save(configPath string, cfg Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// ApplyEnv overrides config values from TALKSTREAM_* environment variables.
// Invalid numeric or boolean values are ignored.
func ApplyEnv(cfg Config, getenv func(string) string) Config {
	if v := getenv("TALKSTREAM_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := getenv("TALKSTREAM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := getenv("TALKSTREAM_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := getenv("TALKSTREAM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := getenv("TALKSTREAM_BACKUP_API_KEY"); v != "" {
		cfg.BackupAPIKey = v
	}
	if v := getenv("TALKSTREAM_STREAMING"); v != "" {
		if streaming, err := strconv.ParseBool(v); err == nil {
			cfg.Streaming = streaming
		}
	}
	if v := getenv("TALKSTREAM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("TALKSTREAM_CONNECT_TIMEOUT"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			cfg.ConnectTimeoutSeconds = seconds
		}
	}
	return cfg
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if _, ok := ai.ValidateProviderType(c.Provider); !ok {
		return fmt.Errorf("unsupported provider: %q", c.Provider)
	}

	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}

	if strings.TrimSpace(c.APIURL) != "" {
		parsed, err := url.Parse(c.APIURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("api_url must be an absolute URL, got: %q", c.APIURL)
		}
	}

	if strings.TrimSpace(c.APIKey) == "" && strings.TrimSpace(c.BackupAPIKey) == "" {
		return fmt.Errorf("api_key is required (set in config file or TALKSTREAM_API_KEY)")
	}

	switch ai.SearchMode(c.SearchMode) {
	case "", ai.SearchOff, ai.SearchOn:
	default:
		return fmt.Errorf("search_mode must be off or on, got: %q", c.SearchMode)
	}

	if _, err := ai.ParseThinking(c.Thinking); err != nil {
		return fmt.Errorf("invalid thinking setting: %w", err)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got: %f", *c.Temperature)
	}

	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must not be negative, got: %d", c.MaxOutputTokens)
	}

	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive, got: %d", c.MaxContextTokens)
	}

	if c.MaxContextMessages <= 0 {
		return fmt.Errorf("max_context_messages must be positive, got: %d", c.MaxContextMessages)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got: %d", c.Retry.MaxRetries)
	}

	if c.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("connect_timeout_seconds must not be negative, got: %d", c.ConnectTimeoutSeconds)
	}

	if strings.TrimSpace(c.Markers.Sentence) == "" && strings.TrimSpace(c.Markers.Segment) == "" {
		return fmt.Errorf("at least one marker is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", c.LogLevel)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log_format: %q", c.LogFormat)
	}

	return nil
}

// ProviderConfig returns the immutable request snapshot handed to the core.
func (c Config) ProviderConfig() (ai.ProviderConfig, error) {
	thinking, err := ai.ParseThinking(c.Thinking)
	if err != nil {
		return ai.ProviderConfig{}, fmt.Errorf("invalid thinking setting: %w", err)
	}

	var temperature *float64
	if c.Temperature != nil {
		t := *c.Temperature
		temperature = &t
	}

	searchMode := ai.SearchMode(strings.ToLower(strings.TrimSpace(c.SearchMode)))
	if searchMode == "" {
		searchMode = ai.SearchOff
	}

	provider := ai.ProviderType(strings.ToLower(strings.TrimSpace(c.Provider)))
	// An unset api_url follows the provider.
	apiURL := strings.TrimSpace(c.APIURL)
	if apiURL == "" {
		apiURL = ai.DefaultAPIURL(provider)
	}

	return ai.ProviderConfig{
		Provider:        provider,
		Model:           strings.TrimSpace(c.Model),
		APIURL:          apiURL,
		APIKey:          c.APIKey,
		BackupAPIKey:    c.BackupAPIKey,
		SystemPrompt:    c.SystemPrompt,
		Streaming:       c.Streaming,
		SearchMode:      searchMode,
		Thinking:        thinking,
		MaxOutputTokens: c.MaxOutputTokens,
		Temperature:     temperature,
		HTTPReferer:     c.HTTPReferer,
		XTitle:          c.XTitle,
	}, nil
}

// RetryPolicy returns the configured retry policy. Unset delays fall back
// to the defaults.
func (c Config) RetryPolicy() ai.RetryPolicy {
	policy := ai.DefaultRetryPolicy()
	if c.Retry.MaxRetries >= 0 {
		policy.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.BaseDelayMS > 0 {
		policy.BaseDelay = time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
	}
	if c.Retry.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
	}
	return policy
}

// ContextBudget returns the context window limits.
func (c Config) ContextBudget() ai.ContextBudget {
	budget := ai.DefaultContextBudget()
	if c.MaxContextTokens > 0 {
		budget.MaxContextTokens = c.MaxContextTokens
	}
	if c.MaxContextMessages > 0 {
		budget.MaxContextMessages = c.MaxContextMessages
	}
	return budget
}

// ConnectTimeout returns the connect timeout. Zero disables it.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// PseudoStreamDelay returns the base pacing delay for pseudo-streaming.
func (c Config) PseudoStreamDelay() time.Duration {
	return time.Duration(c.PseudoStreamDelayMS) * time.Millisecond
}

// MarkerList returns the configured non-empty markers.
func (c Config) MarkerList() []string {
	var markers []string
	for _, m := range []string{c.Markers.Sentence, c.Markers.Segment} {
		if strings.TrimSpace(m) != "" {
			markers = append(markers, m)
		}
	}
	return markers
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".talkstream", "config.json")
	}
	return filepath.Join(homeDir, ".talkstream", "config.json")
}

func defaultLogFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(homeDir) == "" {
		return filepath.Join(".talkstream", "logs", "talkstream.log")
	}
	return filepath.Join(homeDir, ".talkstream", "logs", "talkstream.log")
}
