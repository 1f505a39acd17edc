package model

import (
	"sort"
	"strings"
)

// ModelInfo describes the limits and pricing of a hosted model.
type ModelInfo struct {
	ID                   string
	Kind                 Kind
	ContextSize          int
	InferenceContextSize int
	CostPerMInputTokens  float64
	CostPerMOutputTokens float64
	TokensPerMessage     int
}

var catalog = []ModelInfo{
	{ID: "gpt-4o", Kind: KindOpenAI, ContextSize: 128_000, InferenceContextSize: 16_384, CostPerMInputTokens: 2.50, CostPerMOutputTokens: 10.00, TokensPerMessage: 3},
	{ID: "gpt-4o-mini", Kind: KindOpenAI, ContextSize: 128_000, InferenceContextSize: 16_384, CostPerMInputTokens: 0.15, CostPerMOutputTokens: 0.60, TokensPerMessage: 3},
	{ID: "gpt-4-turbo", Kind: KindOpenAI, ContextSize: 128_000, InferenceContextSize: 4_096, CostPerMInputTokens: 10.00, CostPerMOutputTokens: 30.00, TokensPerMessage: 3},
	{ID: "gpt-4", Kind: KindOpenAI, ContextSize: 8_192, InferenceContextSize: 4_096, CostPerMInputTokens: 30.00, CostPerMOutputTokens: 60.00, TokensPerMessage: 3},
	{ID: "gpt-3.5-turbo", Kind: KindOpenAI, ContextSize: 16_385, InferenceContextSize: 4_096, CostPerMInputTokens: 0.50, CostPerMOutputTokens: 1.50, TokensPerMessage: 4},
	{ID: "gemini-2.5-pro", Kind: KindGoogle, ContextSize: 1_048_576, InferenceContextSize: 65_536, CostPerMInputTokens: 1.25, CostPerMOutputTokens: 10.00, TokensPerMessage: 3},
	{ID: "gemini-2.5-flash", Kind: KindGoogle, ContextSize: 1_048_576, InferenceContextSize: 65_536, CostPerMInputTokens: 0.30, CostPerMOutputTokens: 2.50, TokensPerMessage: 3},
	{ID: "gemini-2.5-flash-lite", Kind: KindGoogle, ContextSize: 1_048_576, InferenceContextSize: 65_536, CostPerMInputTokens: 0.10, CostPerMOutputTokens: 0.40, TokensPerMessage: 3},
	{ID: "gemini-2.0-flash", Kind: KindGoogle, ContextSize: 1_048_576, InferenceContextSize: 8_192, CostPerMInputTokens: 0.10, CostPerMOutputTokens: 0.40, TokensPerMessage: 3},
	{ID: "gemini-2.0-flash-lite", Kind: KindGoogle, ContextSize: 1_048_576, InferenceContextSize: 8_192, CostPerMInputTokens: 0.075, CostPerMOutputTokens: 0.30, TokensPerMessage: 3},
	{ID: "claude-sonnet-4-5", Kind: KindAnthropic, ContextSize: 200_000, InferenceContextSize: 64_000, CostPerMInputTokens: 3.00, CostPerMOutputTokens: 15.00, TokensPerMessage: 3},
	{ID: "claude-3-7-sonnet", Kind: KindAnthropic, ContextSize: 200_000, InferenceContextSize: 64_000, CostPerMInputTokens: 3.00, CostPerMOutputTokens: 15.00, TokensPerMessage: 3},
	{ID: "claude-3-5-haiku", Kind: KindAnthropic, ContextSize: 200_000, InferenceContextSize: 8_192, CostPerMInputTokens: 0.80, CostPerMOutputTokens: 4.00, TokensPerMessage: 3},
	{ID: "claude-3-opus", Kind: KindAnthropic, ContextSize: 200_000, InferenceContextSize: 4_096, CostPerMInputTokens: 15.00, CostPerMOutputTokens: 75.00, TokensPerMessage: 3},
}

// LookupModel resolves a model id against the catalog. Dated or suffixed
// ids ("claude-3-5-haiku-20241022", "gpt-4o-2024-08-06") match the longest
// catalog id they start with.
func LookupModel(id string) (ModelInfo, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ModelInfo{}, false
	}
	best := -1
	for i, info := range catalog {
		if id == info.ID {
			return info, true
		}
		if strings.HasPrefix(id, info.ID+"-") {
			if best < 0 || len(info.ID) > len(catalog[best].ID) {
				best = i
			}
		}
	}
	if best < 0 {
		return ModelInfo{}, false
	}
	info := catalog[best]
	info.ID = id
	return info, true
}

// CatalogModels lists catalog entries for kind, sorted by id.
func CatalogModels(kind Kind) []ModelInfo {
	var out []ModelInfo
	for _, info := range catalog {
		if info.Kind == kind {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cost returns the dollar cost of usage under info's pricing.
func (info ModelInfo) Cost(usage TokenUsage) float64 {
	return float64(usage.InputTokens)/1e6*info.CostPerMInputTokens +
		float64(usage.OutputTokens)/1e6*info.CostPerMOutputTokens
}
