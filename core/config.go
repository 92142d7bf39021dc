package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator. It supports
// three-layer priority:
//  1. Default values (lowest)
//  2. Optional YAML config file
//  3. Environment variables
//  4. Functional options (highest)
type Config struct {
	// HTTP server
	Port int `json:"port" yaml:"port" env:"PORT"`

	// Remote-browser session provider
	Provider ProviderConfig `json:"provider" yaml:"provider"`

	// Vision/extraction/analysis LLM
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// External proxy credentials, in resolution-priority order
	Proxy    ProxyConfig `json:"proxy" yaml:"proxy"`
	AltProxy ProxyConfig `json:"alt_proxy" yaml:"alt_proxy"`

	// Captcha solving
	Captcha CaptchaConfig `json:"captcha" yaml:"captcha"`

	// Orchestration knobs
	Search SearchConfig `json:"search" yaml:"search"`

	// Browser viewport
	ViewportWidth  int `json:"viewport_width" yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportHeight int `json:"viewport_height" yaml:"viewport_height" env:"VIEWPORT_HEIGHT"`

	// Fingerprint country, drives locales ("en-<country>")
	CountryCode string `json:"country_code" yaml:"country_code" env:"COUNTRY_CODE"`

	// Optional Redis-backed context cache
	RedisURL string `json:"redis_url" yaml:"redis_url" env:"REDIS_URL"`

	// Telemetry
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ProviderConfig authenticates against the remote-browser provider.
type ProviderConfig struct {
	APIKey    string `json:"-" yaml:"api_key" env:"BROWSERBASE_API_KEY"`
	ProjectID string `json:"project_id" yaml:"project_id" env:"BROWSERBASE_PROJECT_ID"`
	BaseURL   string `json:"base_url" yaml:"base_url" env:"BROWSERBASE_BASE_URL"`
	// UseProviderProxy enables the provider's built-in proxy as the
	// third choice in the proxy resolution order.
	UseProviderProxy bool `json:"use_provider_proxy" yaml:"use_provider_proxy" env:"USE_BROWSERBASE_PROXY"`
}

// LLMConfig selects the vision model used for readiness probing,
// extraction and progressive analysis.
type LLMConfig struct {
	APIKey  string `json:"-" yaml:"api_key" env:"GEMINI_API_KEY"`
	Model   string `json:"model" yaml:"model" env:"GEMINI_MODEL"`
	BaseURL string `json:"base_url" yaml:"base_url" env:"GEMINI_BASE_URL"`
}

// ProxyConfig carries external proxy credentials.
type ProxyConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     string `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// Configured reports whether the proxy has enough credentials to be used.
func (p ProxyConfig) Configured() bool {
	return p.Host != "" && p.Port != ""
}

// CaptchaMode selects who resolves interactive challenges.
type CaptchaMode string

const (
	CaptchaModeAI    CaptchaMode = "ai"    // sidecar-driven solver loop
	CaptchaModeHuman CaptchaMode = "human" // emit captcha_detected and wait
)

// CaptchaConfig configures the captcha delegator.
type CaptchaConfig struct {
	Mode         CaptchaMode   `json:"mode" yaml:"mode" env:"CAPTCHA_MODE"`
	SidecarURL   string        `json:"sidecar_url" yaml:"sidecar_url" env:"CAPTCHA_SIDECAR_URL"`
	MaxIter      int           `json:"max_iter" yaml:"max_iter" env:"MAX_ITER_CAPTCHA"`
	HumanTimeout time.Duration `json:"human_timeout" yaml:"human_timeout" env:"CAPTCHA_HUMAN_TIMEOUT_MS"`
}

// SearchConfig bounds the orchestrator and its workers.
type SearchConfig struct {
	ConcurrencyLimit int           `json:"concurrency_limit" yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
	WorkerDeadline   time.Duration `json:"worker_deadline" yaml:"worker_deadline" env:"WORKER_DEADLINE_MS"`
	WorkerRetries    int           `json:"worker_retries" yaml:"worker_retries" env:"WORKER_RETRIES"`
	MaxIterExtract   int           `json:"max_iter_extract" yaml:"max_iter_extract" env:"MAX_ITER_EXTRACT"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"TELEMETRY_ENABLED"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// Option is a functional configuration option
type Option func(*Config)

// NewConfig creates configuration with the full priority chain applied.
func NewConfig(opts ...Option) (*Config, error) {
	config := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnvironment()

	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Port: 8080,
		Provider: ProviderConfig{
			BaseURL: "https://api.browserbase.com",
		},
		LLM: LLMConfig{
			Model:   "gemini-2.0-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		},
		Captcha: CaptchaConfig{
			Mode:         CaptchaModeAI,
			SidecarURL:   "http://localhost:5001",
			MaxIter:      15,
			HumanTimeout: 5 * time.Minute,
		},
		Search: SearchConfig{
			ConcurrencyLimit: 3,
			WorkerDeadline:   60 * time.Second,
			WorkerRetries:    1,
			MaxIterExtract:   10,
		},
		ViewportWidth:  1440,
		ViewportHeight: 900,
		CountryCode:    "US",
		Telemetry: TelemetryConfig{
			ServiceName: "fareminion",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// loadFromFile merges a YAML config file over the defaults.
func (c *Config) loadFromFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file %q (want .yaml): %w", path, ErrInvalidConfiguration)
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

// applyEnvironment applies environment variables over defaults and file
// values. Every key documented in the README has an effect here.
func (c *Config) applyEnvironment() {
	setString(&c.Provider.APIKey, "BROWSERBASE_API_KEY")
	setString(&c.Provider.ProjectID, "BROWSERBASE_PROJECT_ID")
	setString(&c.Provider.BaseURL, "BROWSERBASE_BASE_URL")
	setBool(&c.Provider.UseProviderProxy, "USE_BROWSERBASE_PROXY")

	setString(&c.LLM.APIKey, "GEMINI_API_KEY")
	setString(&c.LLM.Model, "GEMINI_MODEL")
	setString(&c.LLM.BaseURL, "GEMINI_BASE_URL")

	setString(&c.Proxy.Host, "PROXY_HOST")
	setString(&c.Proxy.Port, "PROXY_PORT")
	setString(&c.Proxy.Username, "PROXY_USERNAME")
	setString(&c.Proxy.Password, "PROXY_PASSWORD")

	setString(&c.AltProxy.Host, "BACKUP_PROXY_HOST")
	setString(&c.AltProxy.Port, "BACKUP_PROXY_PORT")
	setString(&c.AltProxy.Username, "BACKUP_PROXY_USERNAME")
	setString(&c.AltProxy.Password, "BACKUP_PROXY_PASSWORD")

	setString((*string)(&c.Captcha.Mode), "CAPTCHA_MODE")
	setString(&c.Captcha.SidecarURL, "CAPTCHA_SIDECAR_URL")
	setInt(&c.Captcha.MaxIter, "MAX_ITER_CAPTCHA")
	setMillis(&c.Captcha.HumanTimeout, "CAPTCHA_HUMAN_TIMEOUT_MS")

	setInt(&c.Search.ConcurrencyLimit, "CONCURRENCY_LIMIT")
	setMillis(&c.Search.WorkerDeadline, "WORKER_DEADLINE_MS")
	setInt(&c.Search.WorkerRetries, "WORKER_RETRIES")
	setInt(&c.Search.MaxIterExtract, "MAX_ITER_EXTRACT")

	setInt(&c.ViewportWidth, "VIEWPORT_WIDTH")
	setInt(&c.ViewportHeight, "VIEWPORT_HEIGHT")
	setString(&c.CountryCode, "COUNTRY_CODE")
	setString(&c.RedisURL, "REDIS_URL")
	setInt(&c.Port, "PORT")

	setBool(&c.Telemetry.Enabled, "TELEMETRY_ENABLED")
	setString(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate checks that required credentials and bounds are present.
// Failures are Configuration errors: fatal, surfaced immediately.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("BROWSERBASE_API_KEY is required: %w", ErrMissingConfiguration)
	}
	if c.Provider.ProjectID == "" {
		return fmt.Errorf("BROWSERBASE_PROJECT_ID is required: %w", ErrMissingConfiguration)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required: %w", ErrMissingConfiguration)
	}
	if c.Search.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency limit must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Search.WorkerRetries < 0 || c.Search.WorkerRetries > 1 {
		return fmt.Errorf("worker retries must be 0 or 1: %w", ErrInvalidConfiguration)
	}
	if c.Captcha.Mode != CaptchaModeAI && c.Captcha.Mode != CaptchaModeHuman {
		return fmt.Errorf("captcha mode must be %q or %q: %w", CaptchaModeAI, CaptchaModeHuman, ErrInvalidConfiguration)
	}
	if c.ViewportWidth < 1 || c.ViewportHeight < 1 {
		return fmt.Errorf("viewport dimensions must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Functional options

// WithPort sets the HTTP port
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithConcurrencyLimit sets workers per batch
func WithConcurrencyLimit(n int) Option {
	return func(c *Config) { c.Search.ConcurrencyLimit = n }
}

// WithWorkerDeadline sets the per-attempt wall limit
func WithWorkerDeadline(d time.Duration) Option {
	return func(c *Config) { c.Search.WorkerDeadline = d }
}

// WithCaptchaMode selects the captcha resolution path
func WithCaptchaMode(mode CaptchaMode) Option {
	return func(c *Config) { c.Captcha.Mode = mode }
}
