package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedMajor is the config schema major version this build reads.
const SupportedMajor = "v1"

// Config is the on-disk description of a cascade run.
type Config struct {
	Version   string          `json:"version" yaml:"version"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Request   RequestConfig   `json:"request" yaml:"request"`
	Extract   ExtractConfig   `json:"extract" yaml:"extract"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// BackendConfig selects and configures the completion backend.
type BackendConfig struct {
	Kind                 string `json:"kind" yaml:"kind"`
	Model                string `json:"model" yaml:"model"`
	APIKey               string `json:"api_key" yaml:"api_key"`
	BaseURL              string `json:"base_url" yaml:"base_url"`
	EmbeddingModel       string `json:"embedding_model" yaml:"embedding_model"`
	ContextSize          int    `json:"context_size" yaml:"context_size"`
	InferenceContextSize int    `json:"inference_context_size" yaml:"inference_context_size"`
	MaxRetries           int    `json:"max_retries" yaml:"max_retries"`
}

// RequestConfig holds request engine defaults.
type RequestConfig struct {
	RetryAfterFailNTimes    int      `json:"retry_after_fail_n_times" yaml:"retry_after_fail_n_times"`
	IncreaseLimitOnFail     bool     `json:"increase_limit_on_fail" yaml:"increase_limit_on_fail"`
	RequestedResponseTokens int      `json:"requested_response_tokens" yaml:"requested_response_tokens"`
	CachePrompt             bool     `json:"cache_prompt" yaml:"cache_prompt"`
	Temperature             *float64 `json:"temperature" yaml:"temperature"`
	RetryBackoff            Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// ExtractConfig holds URL extraction defaults.
type ExtractConfig struct {
	MaxURLs int `json:"max_urls" yaml:"max_urls"`
}

// TelemetryConfig enables tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	ServiceName  string   `json:"service_name" yaml:"service_name"`
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	Insecure     bool     `json:"insecure" yaml:"insecure"`
	SampleRatio  float64  `json:"sample_ratio" yaml:"sample_ratio"`
	MaskPatterns []string `json:"mask_patterns" yaml:"mask_patterns"`
}

// Duration accepts Go duration strings ("500ms", "2s") in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Normalize trims whitespace and lower-cases enumerations.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Version = strings.TrimSpace(c.Version)
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	c.Backend.Model = strings.TrimSpace(c.Backend.Model)
	c.Backend.APIKey = strings.TrimSpace(c.Backend.APIKey)
	c.Backend.BaseURL = strings.TrimSpace(c.Backend.BaseURL)
	c.Backend.EmbeddingModel = strings.TrimSpace(c.Backend.EmbeddingModel)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
	patterns := c.Telemetry.MaskPatterns[:0]
	for _, p := range c.Telemetry.MaskPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	c.Telemetry.MaskPatterns = patterns
}

// Loader reads, validates and caches a config file.
type Loader struct {
	path      string
	validator Validator
	getenv    func(string) string

	mu   sync.Mutex
	last atomic.Pointer[Config]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// WithEnv overrides the environment lookup used for overrides.
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *Loader) {
		l.getenv = getenv
	}
}

// NewLoader wires a loader for the config file at path.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	loader := &Loader{path: abs}
	for _, opt := range opts {
		opt(loader)
	}
	if loader.validator == nil {
		loader.validator = NewDefaultValidator()
	}
	if loader.getenv == nil {
		loader.getenv = os.Getenv
	}
	return loader, nil
}

// Path returns the absolute config path.
func (l *Loader) Path() string {
	return l.path
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Config, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load parses, overrides from the environment, and validates the file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload attempts to refresh configuration keeping the last good state on error.
func (l *Loader) Reload() (*Config, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found: %w", l.path, err)
		}
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	cfg.SourcePath = l.path
	applyEnv(cfg, l.getenv)
	if l.validator != nil {
		if err := l.validator.Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", l.path, err)
		}
	}
	cfg.SourceHash = computeConfigHash(raw)
	return cfg, nil
}

// Environment variables that override file values when set.
const (
	EnvBackend = "LLMCASCADE_BACKEND"
	EnvModel   = "LLMCASCADE_MODEL"
	EnvBaseURL = "LLMCASCADE_BASE_URL"
	EnvAPIKey  = "LLMCASCADE_API_KEY"
)

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Backend.Kind, EnvBackend)
	set(&cfg.Backend.Model, EnvModel)
	set(&cfg.Backend.BaseURL, EnvBaseURL)
	set(&cfg.Backend.APIKey, EnvAPIKey)
	cfg.Backend.Kind = strings.ToLower(cfg.Backend.Kind)
}

func computeConfigHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Parse decodes YAML or JSON into a normalized Config.
func Parse(data []byte) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	cfg := &Config{}
	if err := decodeMixedYAMLJSON(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	yamlErr := yaml.Unmarshal(data, out)
	if yamlErr == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return fmt.Errorf("config decode failed: %w", yamlErr)
}

func normalizeSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
