// Package modeltest provides a scripted Backend for tests.
package modeltest

import (
	"context"
	"errors"
	"sync"

	"github.com/cexll/llmcascade/pkg/model"
)

// Reply is one scripted completion outcome.
type Reply struct {
	Content string
	Finish  model.FinishReason
	Err     error
}

// Done replies with content that stopped on seq.
func Done(content, seq string) Reply {
	return Reply{Content: content, Finish: model.MatchingStop(seq)}
}

// NoResult replies with the no-result stop word.
func NoResult(seq string) Reply {
	return Reply{Finish: model.MatchingStop(seq)}
}

// Backend replays Replies in order, or delegates to Handler when set. It
// records every request it receives.
type Backend struct {
	Handler       func(req *model.Request) (*model.Response, error)
	ContextSize   int
	InferenceSize int
	Tokenizer     model.Tokenizer

	mu       sync.Mutex
	replies  []Reply
	requests []*model.Request
}

var _ model.Backend = (*Backend)(nil)

// New returns a backend that replays replies.
func New(replies ...Reply) *Backend {
	return &Backend{replies: replies, ContextSize: 8192, InferenceSize: 2048}
}

// Push appends replies to the script.
func (b *Backend) Push(replies ...Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, replies...)
}

// Requests returns the recorded requests.
func (b *Backend) Requests() []*model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*model.Request(nil), b.requests...)
}

// Calls returns the number of completions served.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *Backend) Kind() model.Kind { return model.KindLocal }

func (b *Backend) Completion(_ context.Context, req *model.Request) (*model.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	handler := b.Handler
	if handler == nil && len(b.replies) == 0 {
		b.mu.Unlock()
		return nil, &model.ClientError{Backend: model.KindLocal, Err: errors.New("modeltest: script exhausted")}
	}
	var reply Reply
	if handler == nil {
		reply, b.replies = b.replies[0], b.replies[1:]
	}
	b.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &model.Response{
		Content:      reply.Content,
		FinishReason: reply.Finish,
		Usage:        model.TokenUsage{OutputTokens: len(reply.Content) / 4},
	}, nil
}

func (b *Backend) Embeddings(_ context.Context, req model.EmbeddingsRequest) (*model.EmbeddingsResponse, error) {
	out := &model.EmbeddingsResponse{Model: req.Model}
	for _, text := range req.Input {
		out.Embeddings = append(out.Embeddings, []float64{float64(len(text))})
	}
	return out, nil
}

func (b *Backend) ModelContextSize() int     { return b.ContextSize }
func (b *Backend) InferenceContextSize() int { return b.InferenceSize }

func (b *Backend) BuildLogitBias(_ context.Context, bias *model.LogitBias) error {
	return bias.Materialize(nil)
}

func (b *Backend) NewPrompt() *model.Prompt { return model.NewPrompt() }

func (b *Backend) CountPromptTokens(_ context.Context, prompt *model.Prompt) (int, error) {
	return model.CountMessageTokens(b.Tokenizer, prompt.Messages(), 0), nil
}
