// Package local implements model.Backend against a llama.cpp server. It is
// the only backend that enforces GBNF grammars during decoding.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

const (
	defaultBaseURL     = "http://127.0.0.1:8080"
	defaultHTTPTimeout = 5 * time.Minute
	userAgent          = "llmcascade/local"

	completionPath = "/completion"
	tokenizePath   = "/tokenize"
	embeddingPath  = "/embedding"
	propsPath      = "/props"
)

var _ model.Backend = (*Backend)(nil)

// Config points a Backend at a running server.
type Config struct {
	BaseURL string
	// Model is informational; the server serves whatever it loaded.
	Model string
	// ContextSize overrides the n_ctx reported by /props.
	ContextSize int
	// InferenceContextSize defaults to ContextSize.
	InferenceContextSize int
	HTTPClient           *http.Client
}

// Backend is a llama.cpp server client.
type Backend struct {
	client        *http.Client
	baseURL       string
	model         string
	contextSize   int
	inferenceSize int
}

// New connects to the server. When no context size is configured it is
// read from /props, which also verifies the server is reachable.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{
		client:        cfg.HTTPClient,
		baseURL:       sanitizeBaseURL(cfg.BaseURL),
		model:         strings.TrimSpace(cfg.Model),
		contextSize:   cfg.ContextSize,
		inferenceSize: cfg.InferenceContextSize,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if b.contextSize <= 0 {
		props, err := b.Props(ctx)
		if err != nil {
			return nil, err
		}
		b.contextSize = props.DefaultGenerationSettings.NCtx
		if b.contextSize <= 0 {
			return nil, &model.ClientError{Backend: model.KindLocal, Err: errors.New("server reported no context size")}
		}
	}
	if b.inferenceSize <= 0 || b.inferenceSize > b.contextSize {
		b.inferenceSize = b.contextSize
	}
	return b, nil
}

func sanitizeBaseURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return defaultBaseURL
	}
	return trimmed
}

func (b *Backend) Kind() model.Kind { return model.KindLocal }

// Model returns the configured model name, which may be empty.
func (b *Backend) Model() string { return b.model }

func (b *Backend) ModelContextSize() int     { return b.contextSize }
func (b *Backend) InferenceContextSize() int { return b.inferenceSize }

func (b *Backend) NewPrompt() *model.Prompt { return model.NewPrompt() }

// CountPromptTokens tokenizes the rendered prompt on the server.
func (b *Backend) CountPromptTokens(ctx context.Context, prompt *model.Prompt) (int, error) {
	tokens, err := b.Tokenize(ctx, prompt.Render())
	if err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// BuildLogitBias materializes text biases with the server's tokenizer.
func (b *Backend) BuildLogitBias(ctx context.Context, bias *model.LogitBias) error {
	if bias.Empty() {
		return nil
	}
	return bias.Materialize(func(text string) ([]int, error) {
		return b.Tokenize(ctx, text)
	})
}

// Completion renders the prompt and runs one /completion call.
func (b *Backend) Completion(ctx context.Context, req *model.Request) (_ *model.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.local.completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", "local"),
			attribute.String("llm.model", b.model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Bool("llm.grammar", req.Grammar != ""),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.Tools) > 0 {
		return nil, &model.BuilderError{Reason: "tools are not supported by the local backend"}
	}
	payload := completionRequest{
		Prompt:      model.PromptFrom(req.Messages).Render(),
		NPredict:    req.MaxTokens,
		Stop:        req.StopSequences.List(),
		Grammar:     req.Grammar,
		CachePrompt: req.CachePrompt,
		Temperature: req.Temperature,
		LogitBias:   encodeLogitBias(req.LogitBias),
	}
	start := time.Now()
	var out completionResponse
	if err := b.post(ctx, completionPath, payload, &out); err != nil {
		return nil, err
	}
	resp, err := convertCompletion(req, out)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

// Tokenize returns the server's token ids for text.
func (b *Backend) Tokenize(ctx context.Context, text string) ([]int, error) {
	var out tokenizeResponse
	if err := b.post(ctx, tokenizePath, tokenizeRequest{Content: text}, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Embeddings embeds each input with one /embedding call.
func (b *Backend) Embeddings(ctx context.Context, req model.EmbeddingsRequest) (_ *model.EmbeddingsResponse, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.local.embeddings",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("llm.inputs", len(req.Input))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.Input) == 0 {
		return nil, &model.BuilderError{Reason: "embeddings request has no input"}
	}
	out := &model.EmbeddingsResponse{Model: b.model}
	for _, text := range req.Input {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp embeddingResponse
		if err := b.post(ctx, embeddingPath, embeddingRequest{Content: text}, &resp); err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, resp.Embedding)
	}
	return out, nil
}

// Props reads the server's generation settings.
func (b *Backend) Props(ctx context.Context) (*Props, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+propsPath, nil)
	if err != nil {
		return nil, &model.ClientError{Backend: model.KindLocal, Err: err}
	}
	httpReq.Header.Set("User-Agent", userAgent)
	var props Props
	if err := b.do(httpReq, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

func (b *Backend) post(ctx context.Context, path string, payload, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return &model.BuilderError{Reason: "encode " + path + " request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, &buf)
	if err != nil {
		return &model.ClientError{Backend: model.KindLocal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	return b.do(httpReq, out)
}

func (b *Backend) do(httpReq *http.Request, out any) error {
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return &model.ClientError{Backend: model.KindLocal, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &model.ClientError{Backend: model.KindLocal, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// readAPIError classifies a non-2xx reply. 503 means the server is still
// loading its model and is retried; everything else is fatal.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	body = bytes.TrimSpace(body)
	msg := resp.Status
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	} else if len(body) > 0 {
		msg = string(body)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return &model.ServerError{Backend: model.KindLocal, StatusCode: resp.StatusCode, Message: msg}
	}
	return &model.ClientError{Backend: model.KindLocal, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}
