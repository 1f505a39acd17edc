package model

import (
	"errors"
	"strings"
	"testing"
)

func TestLookupModel(t *testing.T) {
	t.Parallel()

	info, ok := LookupModel("gpt-4o-mini")
	if !ok || info.ContextSize != 128_000 || info.Kind != KindOpenAI {
		t.Fatalf("unexpected gpt-4o-mini: %+v %v", info, ok)
	}
	info, ok = LookupModel("claude-3-5-haiku-20241022")
	if !ok || info.InferenceContextSize != 8_192 || info.ID != "claude-3-5-haiku-20241022" {
		t.Fatalf("dated id should resolve: %+v %v", info, ok)
	}
	info, ok = LookupModel("gemini-2.5-flash-lite-preview-06-17")
	if !ok || info.CostPerMInputTokens != 0.10 {
		t.Fatalf("longest prefix should win: %+v", info)
	}
	if _, ok := LookupModel("mystery"); ok {
		t.Fatalf("unknown id should not resolve")
	}
	if len(CatalogModels(KindGoogle)) == 0 {
		t.Fatalf("expected google models in catalog")
	}
}

func TestModelInfoCost(t *testing.T) {
	t.Parallel()

	info := ModelInfo{CostPerMInputTokens: 2, CostPerMOutputTokens: 4}
	got := info.Cost(TokenUsage{InputTokens: 500_000, OutputTokens: 250_000})
	if got != 2 {
		t.Fatalf("cost = %v", got)
	}
}

func TestApproxTokenizer(t *testing.T) {
	t.Parallel()

	tok := ApproxTokenizer{}
	if tok.CountTokens("") != 0 || tok.CountTokens("abcde") != 2 {
		t.Fatalf("unexpected counts")
	}
	n := CountMessageTokens(tok, []Message{{Role: RoleUser, Content: "abcd"}}, 0)
	if n != 4 {
		t.Fatalf("message tokens = %d", n)
	}
}

func TestLogitBiasMaterialize(t *testing.T) {
	t.Parallel()

	bias := NewLogitBias().AddText("yes", 5).AddToken(7, -3)
	if err := bias.Materialize(func(text string) ([]int, error) {
		return []int{len(text), 7}, nil
	}); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	built := bias.Built()
	if built[3] != 5 || built[7] != -3 {
		t.Fatalf("token id entry should win: %v", built)
	}

	bad := NewLogitBias().AddToken(1, 101)
	var builderErr *BuilderError
	if err := bad.Materialize(nil); !errors.As(err, &builderErr) {
		t.Fatalf("expected builder error, got %v", err)
	}
	noTok := NewLogitBias().AddText("x", 1)
	if err := noTok.Materialize(nil); err == nil || !strings.Contains(err.Error(), "tokenizer") {
		t.Fatalf("expected tokenizer error, got %v", err)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	if !IsFatal(&ClientError{Backend: KindOpenAI, Err: errors.New("dial")}) {
		t.Fatalf("client error is fatal")
	}
	if !IsFatal(&StopReasonUnsupportedError{Reason: "content_filter"}) {
		t.Fatalf("unsupported stop reason is fatal")
	}
	if IsFatal(ErrResponseContentEmpty) {
		t.Fatalf("empty content is retryable")
	}
}
