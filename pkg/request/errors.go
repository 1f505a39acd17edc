package request

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStopLimitRetry is logged when a stop-limit finish is retried with a
	// larger budget.
	ErrStopLimitRetry = errors.New("stopped at the token limit, retrying with a larger budget")
	// ErrNoRequiredStopSequence is logged when a stop sequence is required
	// but the response did not end on one.
	ErrNoRequiredStopSequence = errors.New("one of the stop sequences is required, but the response has none")
)

// NonMatchingStopSequenceError is logged when a required stop sequence was
// expected but the response stopped on another.
type NonMatchingStopSequenceError struct {
	Sequence string
}

func (e *NonMatchingStopSequenceError) Error() string {
	return fmt.Sprintf("one of the stop sequences is required, but the response stopped on %q", e.Sequence)
}

// TokenLimitError reports a prompt that leaves no room for output, or a
// budget that cannot grow further. It is never retried.
type TokenLimitError struct {
	PromptTokens int
	ContextSize  int
	Budget       int
	Ceiling      int
	Reason       string
}

func (e *TokenLimitError) Error() string {
	if e.Ceiling > 0 || e.Budget > 0 {
		return fmt.Sprintf("token limit: %s (prompt=%d context=%d budget=%d ceiling=%d)",
			e.Reason, e.PromptTokens, e.ContextSize, e.Budget, e.Ceiling)
	}
	return fmt.Sprintf("token limit: %s (prompt=%d context=%d)", e.Reason, e.PromptTokens, e.ContextSize)
}

// ExceededRetryCountError is returned when the retry ceiling is hit. Errors
// holds every retryable error from the loop, in order.
type ExceededRetryCountError struct {
	Message string
	Errors  []error
}

func (e *ExceededRetryCountError) Error() string {
	if len(e.Errors) == 0 {
		return "exceeded retry count: " + e.Message
	}
	parts := make([]string, 0, len(e.Errors))
	for i, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%d: %v", i+1, err))
	}
	return fmt.Sprintf("exceeded retry count: %s [%s]", e.Message, strings.Join(parts, "; "))
}

func (e *ExceededRetryCountError) Unwrap() []error { return e.Errors }
