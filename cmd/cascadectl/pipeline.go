package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cexll/llmcascade/pkg/backend"
	"github.com/cexll/llmcascade/pkg/config"
	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/request"
	"github.com/cexll/llmcascade/pkg/server"
	"github.com/cexll/llmcascade/pkg/telemetry"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

// defaultSettingsVersion stamps configs synthesized from the CLI file.
const defaultSettingsVersion = "1.0.0"

var backendFactory = backend.New

// overrides carries command-line values that beat every config source.
type overrides struct {
	settings string
	backend  string
	model    string
	baseURL  string
}

func (o *overrides) register(set *flag.FlagSet) {
	set.StringVar(&o.settings, "settings", "", "Pipeline settings file (YAML or JSON). Overrides the CLI config's settings key.")
	set.StringVar(&o.backend, "backend", "", "Backend kind: openai, google, anthropic or local.")
	set.StringVar(&o.model, "model", "", "Override the model name.")
	set.StringVar(&o.baseURL, "base-url", "", "Override the backend base URL.")
}

// resolveSettings merges the settings file (or the CLI config when there is
// none) with flag overrides. The loader is nil without a settings file.
func resolveSettings(cli cliConfig, ov overrides) (*config.Config, *config.Loader, error) {
	var (
		cfg    config.Config
		loader *config.Loader
	)
	if path := pickString(ov.settings, cli.Settings); path != "" {
		l, err := settingsLoader(path)
		if err != nil {
			return nil, nil, err
		}
		loaded, err := l.Load()
		if err != nil {
			return nil, nil, err
		}
		cfg, loader = *loaded, l
	} else {
		cfg = config.Config{
			Version: defaultSettingsVersion,
			Backend: config.BackendConfig{
				Kind:    pickString(cli.Backend, string(model.KindLocal)),
				Model:   cli.Model,
				APIKey:  cli.APIKey,
				BaseURL: cli.BaseURL,
			},
		}
	}
	applyOverrides(&cfg, ov)
	if err := config.NewDefaultValidator().Validate(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, loader, nil
}

func applyOverrides(cfg *config.Config, ov overrides) {
	cfg.Backend.Kind = pickString(ov.backend, cfg.Backend.Kind)
	cfg.Backend.Model = pickString(ov.model, cfg.Backend.Model)
	cfg.Backend.BaseURL = pickString(ov.baseURL, cfg.Backend.BaseURL)
	cfg.Normalize()
}

// pipeline runs extraction jobs against one shared backend. Each job gets
// its own CompletionRequest.
type pipeline struct {
	backend  model.Backend
	settings *config.Config
	logger   request.Logger
}

var _ server.Runner = (*pipeline)(nil)

func newPipeline(ctx context.Context, cfg *config.Config, logger request.Logger) (*pipeline, error) {
	kind, err := backend.ParseKind(cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	b, err := backendFactory(ctx, backend.Config{
		Kind:                 kind,
		Model:                cfg.Backend.Model,
		APIKey:               cfg.Backend.APIKey,
		BaseURL:              cfg.Backend.BaseURL,
		EmbeddingModel:       cfg.Backend.EmbeddingModel,
		ContextSize:          cfg.Backend.ContextSize,
		InferenceContextSize: cfg.Backend.InferenceContextSize,
		MaxRetries:           cfg.Backend.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &pipeline{backend: b, settings: cfg, logger: logger}, nil
}

func (p *pipeline) newRequest() *request.CompletionRequest {
	rc := p.settings.Request
	opts := []request.Option{
		request.WithLogger(p.logger),
		request.WithIncreaseLimitOnFail(rc.IncreaseLimitOnFail),
	}
	if rc.RetryAfterFailNTimes > 0 {
		opts = append(opts, request.WithRetries(rc.RetryAfterFailNTimes))
	}
	req := request.New(p.backend, opts...)
	req.Config.RequestedResponseTokens = rc.RequestedResponseTokens
	req.Config.CachePrompt = rc.CachePrompt
	req.Config.Temperature = rc.Temperature
	req.Config.RetryBackoff = rc.RetryBackoff.Std()
	return req
}

// Run executes one extraction job.
func (p *pipeline) Run(ctx context.Context, job server.Job) (*extract.Result, error) {
	material := job.Material
	if job.HTML && strings.TrimSpace(material) != "" {
		text, err := extract.TextFromHTML(strings.NewReader(material))
		if err != nil {
			return nil, fmt.Errorf("read html: %w", err)
		}
		material = text
	}
	ex := extract.New(p.newRequest()).WithLogger(p.logger)
	if n := pickInt(job.MaxURLs, p.settings.Extract.MaxURLs); n > 0 {
		ex.WithMaxURLs(n)
	}
	ex.Instruct.SetInstructions(job.Instructions)
	if strings.TrimSpace(material) != "" {
		ex.Instruct.SetSupportingMaterial(material)
	}
	return ex.RunReturnResult(ctx)
}

// setupTelemetry installs a default telemetry manager when enabled and
// returns its shutdown hook.
func setupTelemetry(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	mgr, err := telemetry.NewManager(telemetry.Config{
		ServiceName:    pickString(cfg.ServiceName, "cascadectl"),
		ServiceVersion: version,
		Endpoint:       cfg.Endpoint,
		Insecure:       cfg.Insecure,
		SampleRatio:    cfg.SampleRatio,
		Filter:         telemetry.FilterConfig{Patterns: cfg.MaskPatterns},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	telemetry.SetDefault(mgr)
	return func(ctx context.Context) error {
		telemetry.ClearDefault(mgr)
		return mgr.Shutdown(ctx)
	}, nil
}

func newLogger(w io.Writer, verbose bool) *log.Logger {
	if !verbose || w == nil {
		return log.New(io.Discard, "", 0)
	}
	return log.New(w, "cascadectl ", log.LstdFlags|log.Lmicroseconds)
}

func pickString(primary, fallback string) string {
	primary = strings.TrimSpace(primary)
	if primary != "" {
		return primary
	}
	return strings.TrimSpace(fallback)
}

func pickInt(primary, fallback int) int {
	if primary > 0 {
		return primary
	}
	return fallback
}
