// Package openai implements model.Backend on the official OpenAI SDK. The
// same client serves Google models through Gemini's OpenAI-compatible
// endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

// GoogleBaseURL is Gemini's OpenAI-compatible endpoint.
const GoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

const (
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultGoogleEmbeddingModel = "gemini-embedding-001"
)

var _ model.Backend = (*Backend)(nil)

// Config selects the model and endpoint of a Backend.
type Config struct {
	// Kind is model.KindOpenAI (default) or model.KindGoogle.
	Kind    model.Kind
	APIKey  string
	Model   string
	BaseURL string
	// EmbeddingModel overrides the default embeddings model.
	EmbeddingModel string
	// ContextSize and InferenceContextSize override the catalog.
	ContextSize          int
	InferenceContextSize int
	// MaxRetries bounds the SDK's own transport retries when positive.
	MaxRetries int
	HTTPClient *http.Client
	Tokenizer  model.Tokenizer
}

// Backend talks the Chat Completions wire format.
type Backend struct {
	client         openaisdk.Client
	kind           model.Kind
	model          string
	embeddingModel string
	contextSize    int
	inferenceSize  int
	perMessage     int
	tokenizer      model.Tokenizer
}

// New builds a backend from cfg. Extra request options are applied after
// the ones derived from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Backend, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = model.KindOpenAI
	}
	if kind != model.KindOpenAI && kind != model.KindGoogle {
		return nil, fmt.Errorf("openai: unsupported backend kind %q", kind)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is required", kind)
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		return nil, fmt.Errorf("%s model name is required", kind)
	}

	b := &Backend{
		kind:           kind,
		model:          name,
		embeddingModel: strings.TrimSpace(cfg.EmbeddingModel),
		contextSize:    cfg.ContextSize,
		inferenceSize:  cfg.InferenceContextSize,
		tokenizer:      cfg.Tokenizer,
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
		return nil, fmt.Errorf("%s: context sizes for model %q are unknown; configure them", kind, name)
	}
	if b.tokenizer == nil {
		b.tokenizer = model.ApproxTokenizer{}
	}
	if b.embeddingModel == "" {
		b.embeddingModel = defaultOpenAIEmbeddingModel
		if kind == model.KindGoogle {
			b.embeddingModel = defaultGoogleEmbeddingModel
		}
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" && kind == model.KindGoogle {
		baseURL = GoogleBaseURL
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.MaxRetries))
	}
	reqOpts = append(reqOpts, opts...)
	b.client = openaisdk.NewClient(reqOpts...)
	return b, nil
}

func (b *Backend) Kind() model.Kind { return b.kind }

// Model returns the configured model id.
func (b *Backend) Model() string { return b.model }

func (b *Backend) ModelContextSize() int     { return b.contextSize }
func (b *Backend) InferenceContextSize() int { return b.inferenceSize }

func (b *Backend) NewPrompt() *model.Prompt { return model.NewPrompt() }

func (b *Backend) CountPromptTokens(_ context.Context, prompt *model.Prompt) (int, error) {
	return model.CountMessageTokens(b.tokenizer, prompt.Messages(), b.perMessage), nil
}

// BuildLogitBias accepts token-id biases only: the hosted tokenizer is not
// available locally. Google's endpoint does not take logit_bias at all.
func (b *Backend) BuildLogitBias(_ context.Context, bias *model.LogitBias) error {
	if bias.Empty() {
		return nil
	}
	if b.kind == model.KindGoogle {
		return &model.BuilderError{Reason: "logit bias is not supported by the google backend"}
	}
	return bias.Materialize(nil)
}

// Completion runs one Chat Completions call.
func (b *Backend) Completion(ctx context.Context, req *model.Request) (_ *model.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model."+string(b.kind)+".completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", string(b.kind)),
			attribute.String("llm.model", b.model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Int("llm.tools_count", len(req.Tools)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, b.clientError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, model.ErrResponseContentEmpty
	}
	resp, err := convertCompletion(b.kind, req, completion.Choices[0])
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	resp.Usage = model.TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
		CacheTokens:  int(completion.Usage.PromptTokensDetails.CachedTokens),
	}
	return resp, nil
}

func (b *Backend) buildParams(req *model.Request) (openaisdk.ChatCompletionNewParams, error) {
	params := openaisdk.ChatCompletionNewParams{
		Messages: convertMessages(req.Messages, req.GrammarHint),
		Model:    openaisdk.ChatModel(b.model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openaisdk.Float(*req.Temperature)
	}
	if stops := req.StopSequences.List(); len(stops) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{OfStringArray: stops}
	}
	if len(req.LogitBias) > 0 {
		if b.kind == model.KindGoogle {
			return params, &model.BuilderError{Reason: "logit bias is not supported by the google backend"}
		}
		params.LogitBias = convertLogitBias(req.LogitBias)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return params, &model.BuilderError{Reason: "convert tools", Err: err}
		}
		params.Tools = tools
		if req.ToolChoice != "" {
			params.ToolChoice = openaisdk.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaisdk.String(string(req.ToolChoice)),
			}
		}
	}
	return params, nil
}

// Embeddings embeds req.Input with the configured or requested model.
func (b *Backend) Embeddings(ctx context.Context, req model.EmbeddingsRequest) (_ *model.EmbeddingsResponse, err error) {
	name := strings.TrimSpace(req.Model)
	if name == "" {
		name = b.embeddingModel
	}
	ctx, span := telemetry.StartSpan(ctx, "model."+string(b.kind)+".embeddings",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", string(b.kind)),
			attribute.String("llm.model", name),
			attribute.Int("llm.inputs", len(req.Input)),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.Input) == 0 {
		return nil, &model.BuilderError{Reason: "embeddings request has no input"}
	}
	resp, err := b.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model:          openaisdk.EmbeddingModel(name),
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, b.clientError(err)
	}
	if len(resp.Data) != len(req.Input) {
		return nil, &model.ClientError{
			Backend: b.kind,
			Err:     fmt.Errorf("expected %d vectors got %d", len(req.Input), len(resp.Data)),
		}
	}
	out := &model.EmbeddingsResponse{
		Model: name,
		Usage: model.TokenUsage{
			InputTokens: int(resp.Usage.PromptTokens),
			TotalTokens: int(resp.Usage.TotalTokens),
		},
	}
	for _, data := range resp.Data {
		out.Embeddings = append(out.Embeddings, append([]float64(nil), data.Embedding...))
	}
	return out, nil
}

func (b *Backend) clientError(err error) error {
	out := &model.ClientError{Backend: b.kind, Err: err}
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.StatusCode
	}
	return out
}
