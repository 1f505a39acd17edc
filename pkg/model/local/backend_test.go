package local

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/llmcascade/pkg/model"
)

// fakeServer imitates the llama.cpp endpoints the backend uses.
type fakeServer struct {
	mu         sync.Mutex
	completion completionResponse
	status     int
	last       completionRequest
	calls      map[string]int
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	count := func(path string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.calls == nil {
			f.calls = make(map[string]int)
		}
		f.calls[path]++
	}
	mux.HandleFunc(propsPath, func(w http.ResponseWriter, r *http.Request) {
		count(propsPath)
		_, _ = w.Write([]byte(`{"default_generation_settings":{"n_ctx":2048,"model":"qwen.gguf"},"total_slots":1}`))
	})
	mux.HandleFunc(tokenizePath, func(w http.ResponseWriter, r *http.Request) {
		count(tokenizePath)
		var req tokenizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode tokenize: %v", err)
		}
		// One token per whitespace-separated word, ids by word length.
		tokens := []int{}
		for _, word := range strings.Fields(req.Content) {
			tokens = append(tokens, len(word))
		}
		_ = json.NewEncoder(w).Encode(tokenizeResponse{Tokens: tokens})
	})
	mux.HandleFunc(embeddingPath, func(w http.ResponseWriter, r *http.Request) {
		count(embeddingPath)
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{float64(len(req.Content)), 1}})
	})
	mux.HandleFunc(completionPath, func(w http.ResponseWriter, r *http.Request) {
		count(completionPath)
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&f.last); err != nil {
			t.Errorf("decode completion: %v", err)
		}
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"code":503,"message":"Loading model","type":"unavailable_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(f.completion)
	})
	return mux
}

func (f *fakeServer) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeServer) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func newFake(t *testing.T, completion completionResponse) (*Backend, *fakeServer) {
	t.Helper()
	f := &fakeServer{completion: completion}
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)
	b, err := New(context.Background(), Config{BaseURL: server.URL + "/", Model: "qwen"})
	require.NoError(t, err)
	return b, f
}

func TestNewReadsContextSizeFromProps(t *testing.T) {
	t.Parallel()

	b, f := newFake(t, completionResponse{})
	require.Equal(t, 2048, b.ModelContextSize())
	require.Equal(t, 2048, b.InferenceContextSize())
	require.Equal(t, 1, f.callCount(propsPath))

	sized, err := New(context.Background(), Config{BaseURL: "http://127.0.0.1:1", ContextSize: 4096, InferenceContextSize: 512})
	require.NoError(t, err)
	require.Equal(t, 512, sized.InferenceContextSize())
}

func TestNewUnreachableServer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	_, err := New(context.Background(), Config{BaseURL: url})
	var clientErr *model.ClientError
	require.ErrorAs(t, err, &clientErr)
}

func TestCompletionSendsGrammarAndMatchesStoppingWord(t *testing.T) {
	t.Parallel()

	b, f := newFake(t, completionResponse{
		Content:         "true",
		Stop:            true,
		StoppedWord:     true,
		StoppingWord:    "Done.",
		TokensPredicted: 2,
		TokensEvaluated: 40,
		TokensCached:    30,
	})
	temp := 0.1
	resp, err := b.Completion(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "Is it?"},
			{Role: model.RoleAssistant, Content: "Answer: "},
		},
		StopSequences: model.StopSequences{Done: "Done.", NoResult: "None.", Required: true},
		Grammar:       `root ::= "true" | "false"`,
		LogitBias:     map[int]float64{9: 1.5, 3: -2},
		MaxTokens:     16,
		Temperature:   &temp,
		CachePrompt:   true,
	})
	require.NoError(t, err)
	require.Equal(t, model.MatchingStop("Done."), resp.FinishReason)
	require.Equal(t, "true", resp.Content)
	require.Equal(t, 42, resp.Usage.TotalTokens)
	require.Equal(t, 30, resp.Usage.CacheTokens)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.True(t, strings.HasSuffix(f.last.Prompt, "<|im_start|>assistant\nAnswer: "))
	require.Equal(t, 16, f.last.NPredict)
	require.Equal(t, []string{"Done.", "None."}, f.last.Stop)
	require.Equal(t, `root ::= "true" | "false"`, f.last.Grammar)
	require.True(t, f.last.CachePrompt)
	require.Equal(t, [][2]float64{{3, -2}, {9, 1.5}}, f.last.LogitBias)
}

func TestCompletionStopFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		out  completionResponse
		want model.FinishReason
	}{
		{name: "no result word", out: completionResponse{StoppedWord: true, StoppingWord: "None."}, want: model.MatchingStop("None.")},
		{name: "unlisted word", out: completionResponse{Content: "x", StoppedWord: true, StoppingWord: "\n"}, want: model.NonMatchingStop("\n")},
		{name: "limit", out: completionResponse{Content: "tr", StoppedLimit: true}, want: model.StopLimit()},
		{name: "eos", out: completionResponse{Content: "true", StoppedEOS: true}, want: model.EOS()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, _ := newFake(t, tc.out)
			resp, err := b.Completion(context.Background(), &model.Request{
				Messages:      []model.Message{{Role: model.RoleUser, Content: "q"}},
				StopSequences: model.StopSequences{Done: "Done.", NoResult: "None."},
			})
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.FinishReason)
		})
	}

	b, _ := newFake(t, completionResponse{Content: "x"})
	_, err := b.Completion(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "q"}}})
	var stopErr *model.StopReasonUnsupportedError
	require.ErrorAs(t, err, &stopErr)

	b, _ = newFake(t, completionResponse{StoppedEOS: true})
	_, err = b.Completion(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "q"}}})
	require.ErrorIs(t, err, model.ErrResponseContentEmpty)
}

func TestLoadingServerIsRetryable(t *testing.T) {
	t.Parallel()

	b, f := newFake(t, completionResponse{})
	f.setStatus(http.StatusServiceUnavailable)
	_, err := b.Completion(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "q"}}})
	var serverErr *model.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "Loading model", serverErr.Message)
	require.False(t, model.IsFatal(err))
}

func TestToolsRejected(t *testing.T) {
	t.Parallel()

	b, _ := newFake(t, completionResponse{})
	_, err := b.Completion(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "q"}},
		Tools:    []model.ToolDefinition{{Name: "lookup"}},
	})
	var builderErr *model.BuilderError
	require.ErrorAs(t, err, &builderErr)
}

func TestTokenizerBackedOperations(t *testing.T) {
	t.Parallel()

	b, _ := newFake(t, completionResponse{})
	p := b.NewPrompt()
	p.AddUser("one two three")
	n, err := b.CountPromptTokens(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, len(strings.Fields(p.Render())), n)

	bias := model.NewLogitBias().AddText("yes please", 4)
	require.NoError(t, b.BuildLogitBias(context.Background(), bias))
	require.Equal(t, map[int]float64{3: 4, 6: 4}, bias.Built())
	require.NoError(t, b.BuildLogitBias(context.Background(), nil))
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()

	b, f := newFake(t, completionResponse{})
	resp, err := b.Embeddings(context.Background(), model.EmbeddingsRequest{Input: []string{"ab", "abcd"}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{2, 1}, {4, 1}}, resp.Embeddings)
	require.Equal(t, 2, f.callCount(embeddingPath))

	_, err = b.Embeddings(context.Background(), model.EmbeddingsRequest{})
	var builderErr *model.BuilderError
	require.True(t, errors.As(err, &builderErr))
}

func TestTokenizeHonorsCallerContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	b, err := New(context.Background(), Config{BaseURL: server.URL, ContextSize: 2048})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := b.NewPrompt()
	p.AddUser("count me")
	_, err = b.CountPromptTokens(ctx, p)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = b.BuildLogitBias(ctx, model.NewLogitBias().AddText("yes", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
