package local

import (
	"sort"

	"github.com/cexll/llmcascade/pkg/model"
)

type completionRequest struct {
	Prompt      string       `json:"prompt"`
	NPredict    int          `json:"n_predict,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Grammar     string       `json:"grammar,omitempty"`
	CachePrompt bool         `json:"cache_prompt"`
	Temperature *float64     `json:"temperature,omitempty"`
	LogitBias   [][2]float64 `json:"logit_bias,omitempty"`
}

type completionResponse struct {
	Content         string  `json:"content"`
	Stop            bool    `json:"stop"`
	StoppedEOS      bool    `json:"stopped_eos"`
	StoppedLimit    bool    `json:"stopped_limit"`
	StoppedWord     bool    `json:"stopped_word"`
	StoppingWord    string  `json:"stopping_word"`
	TokensPredicted int     `json:"tokens_predicted"`
	TokensEvaluated int     `json:"tokens_evaluated"`
	TokensCached    int     `json:"tokens_cached"`
	Timings         timings `json:"timings"`
}

type timings struct {
	PromptMS    float64 `json:"prompt_ms"`
	PredictedMS float64 `json:"predicted_ms"`
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type embeddingRequest struct {
	Content string `json:"content"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Props is the subset of /props the backend reads.
type Props struct {
	DefaultGenerationSettings struct {
		NCtx  int    `json:"n_ctx"`
		Model string `json:"model"`
	} `json:"default_generation_settings"`
	TotalSlots int `json:"total_slots"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// encodeLogitBias renders the table as the server's [[id, bias], ...] form,
// ordered by token id.
func encodeLogitBias(bias map[int]float64) [][2]float64 {
	if len(bias) == 0 {
		return nil
	}
	ids := make([]int, 0, len(bias))
	for id := range bias {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([][2]float64, 0, len(ids))
	for _, id := range ids {
		out = append(out, [2]float64{float64(id), bias[id]})
	}
	return out
}

// convertCompletion maps the server's stop flags. The server reports the
// exact stopping word, so stops are matched rather than inferred.
func convertCompletion(req *model.Request, out completionResponse) (*model.Response, error) {
	resp := &model.Response{
		Content: out.Content,
		Usage: model.TokenUsage{
			InputTokens:  out.TokensEvaluated,
			OutputTokens: out.TokensPredicted,
			TotalTokens:  out.TokensEvaluated + out.TokensPredicted,
			CacheTokens:  out.TokensCached,
		},
	}
	switch {
	case out.StoppedWord:
		resp.FinishReason = req.StopSequences.Match(out.StoppingWord)
	case out.StoppedLimit:
		resp.FinishReason = model.StopLimit()
	case out.StoppedEOS:
		resp.FinishReason = model.EOS()
	default:
		return nil, &model.StopReasonUnsupportedError{Reason: "server reported no stop condition"}
	}
	if resp.Content == "" && resp.FinishReason.Kind != model.FinishMatchingStop {
		return nil, model.ErrResponseContentEmpty
	}
	return resp, nil
}
