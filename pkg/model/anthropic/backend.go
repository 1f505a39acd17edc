// Package anthropic implements model.Backend on the official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

const defaultMaxTokens = 4096

var _ model.Backend = (*Backend)(nil)

// Config selects the model and endpoint of a Backend.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// ContextSize and InferenceContextSize override the catalog.
	ContextSize          int
	InferenceContextSize int
	// MaxRetries bounds the SDK's own transport retries when positive.
	MaxRetries int
	HTTPClient *http.Client
	Tokenizer  model.Tokenizer
}

// Backend talks the Messages API. Unlike the Chat Completions API it
// reports which stop sequence fired, so stops are matched exactly.
type Backend struct {
	client        anthropicsdk.Client
	model         string
	contextSize   int
	inferenceSize int
	perMessage    int
	tokenizer     model.Tokenizer
}

// New builds a backend from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Backend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		return nil, errors.New("anthropic model name is required")
	}
	b := &Backend{
		model:         name,
		contextSize:   cfg.ContextSize,
		inferenceSize: cfg.InferenceContextSize,
		tokenizer:     cfg.Tokenizer,
	}
	if info, ok := model.LookupModel(name); ok {
		if b.contextSize <= 0 {
			b.contextSize = info.ContextSize
		}
		if b.inferenceSize <= 0 {
			b.inferenceSize = info.InferenceContextSize
		}
		b.perMessage = info.TokensPerMessage
	}
	if b.contextSize <= 0 || b.inferenceSize <= 0 {
		return nil, fmt.Errorf("anthropic: context sizes for model %q are unknown; configure them", name)
	}
	if b.tokenizer == nil {
		b.tokenizer = model.ApproxTokenizer{}
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.MaxRetries))
	}
	reqOpts = append(reqOpts, opts...)
	b.client = anthropicsdk.NewClient(reqOpts...)
	return b, nil
}

func (b *Backend) Kind() model.Kind { return model.KindAnthropic }

// Model returns the configured model id.
func (b *Backend) Model() string { return b.model }

func (b *Backend) ModelContextSize() int     { return b.contextSize }
func (b *Backend) InferenceContextSize() int { return b.inferenceSize }

func (b *Backend) NewPrompt() *model.Prompt { return model.NewPrompt() }

func (b *Backend) CountPromptTokens(_ context.Context, prompt *model.Prompt) (int, error) {
	return model.CountMessageTokens(b.tokenizer, prompt.Messages(), b.perMessage), nil
}

// BuildLogitBias rejects any bias: the Messages API has no logit_bias.
func (b *Backend) BuildLogitBias(_ context.Context, bias *model.LogitBias) error {
	if bias.Empty() {
		return nil
	}
	return &model.BuilderError{Reason: "logit bias is not supported by the anthropic backend"}
}

// Embeddings is unsupported; Anthropic offers no embeddings endpoint.
func (b *Backend) Embeddings(context.Context, model.EmbeddingsRequest) (*model.EmbeddingsResponse, error) {
	return nil, &model.BuilderError{Reason: "embeddings are not supported by the anthropic backend"}
}

// Completion runs one Messages call.
func (b *Backend) Completion(ctx context.Context, req *model.Request) (_ *model.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
			attribute.String("llm.model", b.model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Int("llm.tools_count", len(req.Tools)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.LogitBias) > 0 {
		return nil, &model.BuilderError{Reason: "logit bias is not supported by the anthropic backend"}
	}
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	message, err := b.client.Messages.New(ctx, params)
	if err != nil {
		out := &model.ClientError{Backend: model.KindAnthropic, Err: err}
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			out.StatusCode = apiErr.StatusCode
		}
		return nil, out
	}
	resp, err := convertMessage(req, message)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

func (b *Backend) buildParams(req *model.Request) (anthropicsdk.MessageNewParams, error) {
	system, messages := convertMessages(req.Messages, req.GrammarHint, req.CachePrompt)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(b.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if stops := req.StopSequences.List(); len(stops) > 0 {
		params.StopSequences = stops
	}
	if req.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return params, &model.BuilderError{Reason: "convert tools", Err: err}
		}
		params.Tools = tools
		switch req.ToolChoice {
		case model.ToolChoiceAuto:
			params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{OfAuto: &anthropicsdk.ToolChoiceAutoParam{}}
		case model.ToolChoiceRequired:
			params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{OfAny: &anthropicsdk.ToolChoiceAnyParam{}}
		case model.ToolChoiceNone:
			params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{OfNone: &anthropicsdk.ToolChoiceNoneParam{}}
		}
	}
	return params, nil
}
