package model

import (
	"fmt"
	"strings"
	"time"
)

// FinishKind discriminates why generation ended.
type FinishKind int

const (
	// FinishEOS means the model emitted its end-of-sequence token.
	FinishEOS FinishKind = iota
	// FinishStopLimit means the output-token budget was exhausted.
	FinishStopLimit
	// FinishMatchingStop means generation stopped on a listed stop sequence.
	FinishMatchingStop
	// FinishNonMatchingStop means generation stopped on a sequence that is
	// not listed, or the backend could not say which one.
	FinishNonMatchingStop
	// FinishToolsCall means the model requested a tool call.
	FinishToolsCall
)

func (k FinishKind) String() string {
	switch k {
	case FinishEOS:
		return "eos"
	case FinishStopLimit:
		return "stop_limit"
	case FinishMatchingStop:
		return "matching_stop_sequence"
	case FinishNonMatchingStop:
		return "non_matching_stop_sequence"
	case FinishToolsCall:
		return "tools_call"
	default:
		return fmt.Sprintf("finish(%d)", int(k))
	}
}

// FinishReason is the classified end of a completion. Sequence is set for
// FinishMatchingStop and optionally for FinishNonMatchingStop.
type FinishReason struct {
	Kind     FinishKind
	Sequence string
}

func EOS() FinishReason { return FinishReason{Kind: FinishEOS} }

func StopLimit() FinishReason { return FinishReason{Kind: FinishStopLimit} }

func ToolsCall() FinishReason { return FinishReason{Kind: FinishToolsCall} }

func MatchingStop(seq string) FinishReason {
	return FinishReason{Kind: FinishMatchingStop, Sequence: seq}
}

func NonMatchingStop(seq string) FinishReason {
	return FinishReason{Kind: FinishNonMatchingStop, Sequence: seq}
}

func (r FinishReason) String() string {
	if r.Sequence == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s(%q)", r.Kind, r.Sequence)
}

// Response is a completed backend call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
	Duration     time.Duration
}

func (r *Response) String() string {
	if r == nil {
		return "Response: <nil>"
	}
	var b strings.Builder
	b.WriteString("Response:\n")
	fmt.Fprintf(&b, "  content: %q\n", r.Content)
	if len(r.ToolCalls) > 0 {
		names := make([]string, 0, len(r.ToolCalls))
		for _, call := range r.ToolCalls {
			names = append(names, call.Name)
		}
		fmt.Fprintf(&b, "  tool_calls: %v\n", names)
	}
	fmt.Fprintf(&b, "  finish_reason: %s\n", r.FinishReason)
	fmt.Fprintf(&b, "  usage: in=%d out=%d total=%d\n", r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens)
	fmt.Fprintf(&b, "  duration: %s\n", r.Duration)
	return b.String()
}

// TokenUsage counts tokens for one backend call. CacheTokens are prompt
// tokens served from the provider's prompt cache.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CacheTokens  int `json:"cache_tokens"`
}
