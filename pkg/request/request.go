// Package request executes a single completion against a Backend with
// bounded retry, failure classification and token-budget growth.
package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

const maxRetryBackoff = 30 * time.Second

// Logger receives engine diagnostics.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Option customizes a CompletionRequest.
type Option func(*CompletionRequest)

// WithLogger routes diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(r *CompletionRequest) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetries sets the retry ceiling.
func WithRetries(n int) Option {
	return func(r *CompletionRequest) {
		r.Config.RetryAfterFailNTimes = n
	}
}

// WithIncreaseLimitOnFail grows the budget before retrying limit failures.
func WithIncreaseLimitOnFail(enabled bool) Option {
	return func(r *CompletionRequest) {
		r.Config.IncreaseLimitOnFail = enabled
	}
}

// WithBackOff replaces the delay policy between retryable attempts.
func WithBackOff(b backoff.BackOff) Option {
	return func(r *CompletionRequest) {
		r.backoff = b
	}
}

// CompletionRequest owns one conversation's prompt and stop-sequence state
// and a shared handle to a Backend. It is not safe for concurrent use; the
// Backend is.
type CompletionRequest struct {
	ID            string
	StartTime     time.Time
	StopSequences model.StopSequences
	Grammar       string
	GrammarHint   string
	LogitBias     *model.LogitBias
	Prompt        *model.Prompt
	Config        Config
	Tools         []model.ToolDefinition
	ToolChoice    model.ToolChoice

	backend model.Backend
	backoff backoff.BackOff
	logger  Logger
	errs    []error
}

// New returns a request bound to backend with limits taken from it.
func New(backend model.Backend, opts ...Option) *CompletionRequest {
	r := &CompletionRequest{
		ID:         uuid.NewString(),
		StartTime:  time.Now(),
		Prompt:     backend.NewPrompt(),
		Config:     NewConfig(backend.ModelContextSize(), backend.InferenceContextSize()),
		ToolChoice: model.ToolChoiceAuto,
		backend:    backend,
		logger:     discardLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Backend returns the shared backend handle.
func (r *CompletionRequest) Backend() model.Backend { return r.backend }

// Reset clears prompt, stop sequences, grammar and bias. The backend and
// config are kept.
func (r *CompletionRequest) Reset() {
	r.Prompt.Reset()
	r.StopSequences.Clear()
	r.Grammar = ""
	r.GrammarHint = ""
	r.LogitBias = nil
	r.errs = nil
}

// SetStopSequences installs the step's stop words. Setting either one makes
// a matching stop required.
func (r *CompletionRequest) SetStopSequences(done, noResult string) {
	if done != "" || noResult != "" {
		r.StopSequences.Clear()
		r.StopSequences.Required = true
	}
	if done != "" {
		r.StopSequences.Done = done
	}
	if noResult != "" {
		r.StopSequences.NoResult = noResult
	}
}

// Errors returns the retryable errors logged by the latest Execute.
func (r *CompletionRequest) Errors() []error {
	return append([]error(nil), r.errs...)
}

// Execute runs one completion with the retry protocol:
//   - builder, client and unsupported-stop errors are returned at once;
//   - other errors are logged and retried;
//   - with required stop sequences only a matching stop is accepted;
//   - otherwise a stop-limit finish is retried with a larger budget when
//     IncreaseLimitOnFail is set, and every other finish is accepted.
//
// Hitting the retry ceiling returns *ExceededRetryCountError with the log.
func (r *CompletionRequest) Execute(ctx context.Context) (resp *model.Response, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := telemetry.StartSpan(ctx, "request.execute",
		trace.WithAttributes(
			attribute.String("request.id", r.ID),
			attribute.String("request.backend", string(r.backend.Kind())),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	r.errs = nil
	r.StartTime = time.Now()

	if err := r.backend.BuildLogitBias(ctx, r.LogitBias); err != nil {
		return nil, asBuilderError("build logit bias", err)
	}
	promptTokens, err := r.backend.CountPromptTokens(ctx, r.Prompt)
	if err != nil {
		return nil, asBuilderError("count prompt tokens", err)
	}
	if err := r.Config.SetMaxTokensForRequest(promptTokens); err != nil {
		r.logger.Printf("request %s: %v", r.ID, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("request.prompt_tokens", promptTokens))

	delay := r.retryBackOff()
	attempts := 0
	for {
		if attempts >= r.Config.RetryAfterFailNTimes {
			exceeded := &ExceededRetryCountError{
				Message: fmt.Sprintf("request failed after %d attempts", attempts),
				Errors:  r.Errors(),
			}
			r.logger.Printf("request %s: %v", r.ID, exceeded)
			return nil, exceeded
		}
		if attempts > 0 {
			if err := wait(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("request: %w", err)
		}
		attempts++

		resp, err := r.attempt(ctx, attempts)
		if err != nil {
			if model.IsFatal(err) {
				r.logger.Printf("request %s: attempt %d: fatal: %v", r.ID, attempts, err)
				return nil, err
			}
			r.logger.Printf("request %s: attempt %d: %v", r.ID, attempts, err)
			r.errs = append(r.errs, err)
			continue
		}

		if r.StopSequences.Required {
			if resp.FinishReason.Kind == model.FinishMatchingStop {
				return resp, nil
			}
			var cause error = ErrNoRequiredStopSequence
			if resp.FinishReason.Kind == model.FinishNonMatchingStop && resp.FinishReason.Sequence != "" {
				cause = &NonMatchingStopSequenceError{Sequence: resp.FinishReason.Sequence}
			}
			r.logger.Printf("request %s: attempt %d: %v", r.ID, attempts, cause)
			r.errs = append(r.errs, cause)
			if r.Config.IncreaseLimitOnFail {
				if err := r.Config.IncreaseTokenLimit(promptTokens, 0); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch resp.FinishReason.Kind {
		case model.FinishStopLimit:
			if !r.Config.IncreaseLimitOnFail {
				return resp, nil
			}
			r.logger.Printf("request %s: attempt %d: %v", r.ID, attempts, ErrStopLimitRetry)
			r.errs = append(r.errs, ErrStopLimitRetry)
			if err := r.Config.IncreaseTokenLimit(promptTokens, 0); err != nil {
				return nil, err
			}
			continue
		default:
			return resp, nil
		}
	}
}

func (r *CompletionRequest) attempt(ctx context.Context, n int) (resp *model.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "request.attempt",
		trace.WithAttributes(
			attribute.String("request.id", r.ID),
			attribute.Int("request.attempt", n),
			attribute.Int("request.max_tokens", r.Config.MaxTokens),
		),
	)
	started := time.Now()
	defer func() {
		outcome := "error"
		if resp != nil {
			outcome = resp.FinishReason.Kind.String()
			span.SetAttributes(attribute.String("request.finish_reason", outcome))
		}
		telemetry.RecordAttempt(ctx, telemetry.AttemptData{
			Backend:   string(r.backend.Kind()),
			RequestID: r.ID,
			Attempt:   n,
			Outcome:   outcome,
			Duration:  time.Since(started),
			Error:     err,
		})
		telemetry.EndSpan(span, err)
	}()

	resp, err = r.backend.Completion(ctx, r.snapshot())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, model.ErrResponseContentEmpty
	}
	return resp, nil
}

func (r *CompletionRequest) snapshot() *model.Request {
	return &model.Request{
		Messages:      r.Prompt.Messages(),
		StopSequences: r.StopSequences,
		Grammar:       r.Grammar,
		GrammarHint:   r.GrammarHint,
		LogitBias:     r.LogitBias.Built(),
		MaxTokens:     r.Config.MaxTokens,
		Temperature:   r.Config.Temperature,
		CachePrompt:   r.Config.CachePrompt,
		Tools:         append([]model.ToolDefinition(nil), r.Tools...),
		ToolChoice:    r.ToolChoice,
	}
}

func (r *CompletionRequest) retryBackOff() backoff.BackOff {
	if r.backoff != nil {
		r.backoff.Reset()
		return r.backoff
	}
	if r.Config.RetryBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Config.RetryBackoff
	b.MaxInterval = maxRetryBackoff
	b.Reset()
	return b
}

func wait(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("request: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func asBuilderError(reason string, err error) error {
	if model.IsFatal(err) {
		return err
	}
	return &model.BuilderError{Reason: reason, Err: err}
}

func (r *CompletionRequest) String() string {
	var b strings.Builder
	b.WriteString("CompletionRequest:\n")
	fmt.Fprintf(&b, "  id: %s\n", r.ID)
	fmt.Fprintf(&b, "  backend: %s\n", r.backend.Kind())
	fmt.Fprintf(&b, "  messages:\n%s", r.Prompt)
	fmt.Fprintf(&b, "  stop_sequences: %q (required=%t)\n", r.StopSequences.List(), r.StopSequences.Required)
	if r.Grammar != "" {
		fmt.Fprintf(&b, "  grammar: %q\n", r.Grammar)
	}
	fmt.Fprintf(&b, "  config: %s\n", r.Config)
	if len(r.Tools) > 0 {
		names := make([]string, 0, len(r.Tools))
		for _, tool := range r.Tools {
			names = append(names, tool.Name)
		}
		fmt.Fprintf(&b, "  tools: %v (%s)\n", names, r.ToolChoice)
	}
	return b.String()
}
