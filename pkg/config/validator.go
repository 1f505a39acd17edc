package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"golang.org/x/mod/semver"
)

// Validator enforces constraints on Config.
type Validator interface {
	Validate(*Config) error
}

// DefaultValidator applies structural and range checks.
type DefaultValidator struct {
	maxRetries int
	maxURLs    int
}

// NewDefaultValidator builds the stock validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{
		maxRetries: 100,
		maxURLs:    1000,
	}
}

var knownKinds = map[string]struct{}{
	"openai":    {},
	"google":    {},
	"anthropic": {},
	"local":     {},
}

// Validate checks the version gate and every section.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Version == "" {
		return errors.New("config version is required")
	}
	version := normalizeSemver(cfg.Version)
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid config version %q", cfg.Version)
	}
	if major := semver.Major(version); major != SupportedMajor {
		return fmt.Errorf("unsupported config version %s (this build reads %s.x)", cfg.Version, SupportedMajor)
	}
	if err := v.validateBackend(cfg.Backend); err != nil {
		return err
	}
	if err := v.validateRequest(cfg.Request); err != nil {
		return err
	}
	if cfg.Extract.MaxURLs < 0 || cfg.Extract.MaxURLs > v.maxURLs {
		return fmt.Errorf("extract.max_urls %d out of range [0, %d]", cfg.Extract.MaxURLs, v.maxURLs)
	}
	return validateTelemetry(cfg.Telemetry)
}

func (v *DefaultValidator) validateBackend(b BackendConfig) error {
	if b.Kind == "" {
		return errors.New("backend.kind is required")
	}
	if _, ok := knownKinds[b.Kind]; !ok {
		return fmt.Errorf("backend.kind %q is not one of openai, google, anthropic, local", b.Kind)
	}
	if b.Kind != "local" && b.Model == "" {
		return fmt.Errorf("backend.model is required for %s", b.Kind)
	}
	if b.BaseURL != "" {
		u, err := url.Parse(b.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend.base_url %q is not an absolute url", b.BaseURL)
		}
	}
	if b.ContextSize < 0 || b.InferenceContextSize < 0 {
		return errors.New("backend context sizes must not be negative")
	}
	if b.ContextSize > 0 && b.InferenceContextSize > b.ContextSize {
		return fmt.Errorf("backend.inference_context_size %d exceeds context_size %d", b.InferenceContextSize, b.ContextSize)
	}
	if b.MaxRetries < 0 || b.MaxRetries > v.maxRetries {
		return fmt.Errorf("backend.max_retries %d out of range [0, %d]", b.MaxRetries, v.maxRetries)
	}
	return nil
}

func (v *DefaultValidator) validateRequest(r RequestConfig) error {
	if r.RetryAfterFailNTimes < 0 || r.RetryAfterFailNTimes > v.maxRetries {
		return fmt.Errorf("request.retry_after_fail_n_times %d out of range [0, %d]", r.RetryAfterFailNTimes, v.maxRetries)
	}
	if r.RequestedResponseTokens < 0 {
		return errors.New("request.requested_response_tokens must not be negative")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("request.temperature %v out of range [0, 2]", *r.Temperature)
	}
	if r.RetryBackoff < 0 {
		return errors.New("request.retry_backoff must not be negative")
	}
	return nil
}

func validateTelemetry(t TelemetryConfig) error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio %v out of range [0, 1]", t.SampleRatio)
	}
	for _, p := range t.MaskPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("telemetry.mask_patterns: %w", err)
		}
	}
	return nil
}
