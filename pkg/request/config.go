package request

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultRetryAfterFailNTimes = 3
	defaultGrowthPercent        = 50
)

// Config is the per-request token budget and retry policy.
type Config struct {
	ModelContextSize     int
	InferenceContextSize int
	// RequestedResponseTokens caps the budget below the ceilings when set.
	RequestedResponseTokens int
	// MaxTokens is the current output-token budget. Execute recomputes it
	// from the prompt; stop-limit retries grow it.
	MaxTokens            int
	RetryAfterFailNTimes int
	IncreaseLimitOnFail  bool
	CachePrompt          bool
	Temperature          *float64
	// RetryBackoff is the initial delay between retryable attempts. Zero
	// retries immediately.
	RetryBackoff time.Duration
}

// NewConfig returns defaults for a backend with the given limits.
func NewConfig(modelContextSize, inferenceContextSize int) Config {
	return Config{
		ModelContextSize:     modelContextSize,
		InferenceContextSize: inferenceContextSize,
		RetryAfterFailNTimes: defaultRetryAfterFailNTimes,
	}
}

// ceiling is the largest budget the prompt leaves room for.
func (c *Config) ceiling(promptTokens int) int {
	room := c.ModelContextSize - promptTokens
	if c.InferenceContextSize > 0 && c.InferenceContextSize < room {
		room = c.InferenceContextSize
	}
	return room
}

// SetMaxTokensForRequest sets the budget to what the prompt leaves free,
// clamped to the inference ceiling and any requested response size.
func (c *Config) SetMaxTokensForRequest(promptTokens int) error {
	if promptTokens >= c.ModelContextSize {
		return &TokenLimitError{
			PromptTokens: promptTokens,
			ContextSize:  c.ModelContextSize,
			Reason:       "prompt fills the model context",
		}
	}
	budget := c.ceiling(promptTokens)
	if c.RequestedResponseTokens > 0 && c.RequestedResponseTokens < budget {
		budget = c.RequestedResponseTokens
	}
	c.MaxTokens = budget
	return nil
}

// IncreaseTokenLimit grows the budget by `by` tokens, or by half the current
// budget when by is not positive. Growth stops at the ceiling; a budget
// already at the ceiling is a TokenLimitError.
func (c *Config) IncreaseTokenLimit(promptTokens, by int) error {
	limit := c.ceiling(promptTokens)
	if limit <= 0 || c.MaxTokens >= limit {
		return &TokenLimitError{
			PromptTokens: promptTokens,
			ContextSize:  c.ModelContextSize,
			Budget:       c.MaxTokens,
			Ceiling:      limit,
			Reason:       "budget already at the ceiling",
		}
	}
	if by <= 0 {
		by = c.MaxTokens * defaultGrowthPercent / 100
		if by < 1 {
			by = 1
		}
	}
	next := c.MaxTokens + by
	if next > limit {
		next = limit
	}
	c.MaxTokens = next
	return nil
}

func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model_ctx_size=%d inference_ctx_size=%d max_tokens=%d", c.ModelContextSize, c.InferenceContextSize, c.MaxTokens)
	fmt.Fprintf(&b, " retry_after_fail_n_times=%d increase_limit_on_fail=%t cache_prompt=%t", c.RetryAfterFailNTimes, c.IncreaseLimitOnFail, c.CachePrompt)
	if c.Temperature != nil {
		fmt.Fprintf(&b, " temperature=%.2f", *c.Temperature)
	}
	if c.RetryBackoff > 0 {
		fmt.Fprintf(&b, " retry_backoff=%s", c.RetryBackoff)
	}
	return b.String()
}
