// Package backend constructs one member of the closed set of completion
// backends from a flat configuration.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/model/anthropic"
	"github.com/cexll/llmcascade/pkg/model/local"
	"github.com/cexll/llmcascade/pkg/model/openai"
)

// Config is the union of every variant's settings. Fields a variant does
// not use are ignored.
type Config struct {
	Kind    model.Kind
	Model   string
	APIKey  string
	BaseURL string
	// EmbeddingModel applies to openai and google.
	EmbeddingModel       string
	ContextSize          int
	InferenceContextSize int
	MaxRetries           int
	HTTPClient           *http.Client
	// Getenv resolves API keys when APIKey is empty. Defaults to os.Getenv.
	Getenv func(string) string
}

// ParseKind resolves a case-insensitive kind name.
func ParseKind(name string) (model.Kind, error) {
	kind := model.Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, k := range model.Kinds() {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("backend: unknown kind %q (want one of %v)", name, model.Kinds())
}

// APIKeyEnv names the environment variable holding kind's API key. The
// local backend needs none.
func APIKeyEnv(kind model.Kind) string {
	switch kind {
	case model.KindOpenAI:
		return "OPENAI_API_KEY"
	case model.KindGoogle:
		return "GEMINI_API_KEY"
	case model.KindAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}

// New builds the backend cfg.Kind names. The returned handle is safe to
// share between requests.
func New(ctx context.Context, cfg Config) (model.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		if env := APIKeyEnv(kind); env != "" {
			getenv := cfg.Getenv
			if getenv == nil {
				getenv = os.Getenv
			}
			apiKey = strings.TrimSpace(getenv(env))
			if apiKey == "" {
				return nil, fmt.Errorf("backend: %s requires an api key (set %s)", kind, env)
			}
		}
	}

	var (
		b     model.Backend
		build error
	)
	switch kind {
	case model.KindOpenAI, model.KindGoogle:
		b, build = asBackend(openai.New(openai.Config{
			Kind:                 kind,
			APIKey:               apiKey,
			Model:                cfg.Model,
			BaseURL:              cfg.BaseURL,
			EmbeddingModel:       cfg.EmbeddingModel,
			ContextSize:          cfg.ContextSize,
			InferenceContextSize: cfg.InferenceContextSize,
			MaxRetries:           cfg.MaxRetries,
			HTTPClient:           cfg.HTTPClient,
		}))
	case model.KindAnthropic:
		b, build = asBackend(anthropic.New(anthropic.Config{
			APIKey:               apiKey,
			Model:                cfg.Model,
			BaseURL:              cfg.BaseURL,
			ContextSize:          cfg.ContextSize,
			InferenceContextSize: cfg.InferenceContextSize,
			MaxRetries:           cfg.MaxRetries,
			HTTPClient:           cfg.HTTPClient,
		}))
	default:
		b, build = asBackend(local.New(ctx, local.Config{
			BaseURL:              cfg.BaseURL,
			Model:                cfg.Model,
			ContextSize:          cfg.ContextSize,
			InferenceContextSize: cfg.InferenceContextSize,
			HTTPClient:           cfg.HTTPClient,
		}))
	}
	if build != nil {
		return nil, build
	}
	return b, nil
}

// asBackend drops the concrete type so a failed constructor never yields a
// non-nil interface holding a nil pointer.
func asBackend[B model.Backend](b B, err error) (model.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
