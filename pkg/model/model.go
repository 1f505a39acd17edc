package model

import "context"

// Kind names one member of the closed set of backend variants.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindGoogle    Kind = "google"
	KindAnthropic Kind = "anthropic"
	KindLocal     Kind = "local"
)

// Kinds lists every supported backend variant.
func Kinds() []Kind {
	return []Kind{KindOpenAI, KindGoogle, KindAnthropic, KindLocal}
}

// Backend describes the capability every completion backend must support.
// A single Backend is shared by many requests and must be safe for
// concurrent use; credentials and connection state are fixed at construction.
type Backend interface {
	Kind() Kind
	// Completion runs one completion attempt. Errors are classified: see
	// ClientError, BuilderError and StopReasonUnsupportedError.
	Completion(ctx context.Context, req *Request) (*Response, error)
	Embeddings(ctx context.Context, req EmbeddingsRequest) (*EmbeddingsResponse, error)
	ModelContextSize() int
	InferenceContextSize() int
	// BuildLogitBias materializes text-keyed biases into token ids. A nil
	// bias is a no-op.
	BuildLogitBias(ctx context.Context, bias *LogitBias) error
	NewPrompt() *Prompt
	CountPromptTokens(ctx context.Context, prompt *Prompt) (int, error)
}

// Tokenizer counts tokens in text.
type Tokenizer interface {
	CountTokens(text string) int
}

// Request is the per-attempt snapshot a backend receives.
type Request struct {
	Messages      []Message
	StopSequences StopSequences
	// Grammar is a GBNF grammar; only backends that support constrained
	// decoding enforce it.
	Grammar string
	// GrammarHint is a plain-text rendition of Grammar for backends that
	// cannot enforce it.
	GrammarHint string
	LogitBias   map[int]float64
	MaxTokens   int
	Temperature *float64
	CachePrompt bool
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
}

// ToolDefinition describes a function exposed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoice controls whether the model may, must or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ToolCall is a tool invocation emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// EmbeddingsRequest asks a backend to embed a batch of texts.
type EmbeddingsRequest struct {
	Model string
	Input []string
}

// EmbeddingsResponse carries one vector per input, in order.
type EmbeddingsResponse struct {
	Model      string
	Embeddings [][]float64
	Usage      TokenUsage
}
