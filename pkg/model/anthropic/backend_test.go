package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/cexll/llmcascade/pkg/model"
)

type capture struct {
	mu   sync.Mutex
	path string
	key  string
	body map[string]any
}

func newServer(t *testing.T, status int, payload string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		c.mu.Lock()
		c.path = r.URL.Path
		c.key = r.Header.Get("X-Api-Key")
		c.body = body
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)
	return server, c
}

func messageJSON(text, stopReason, stopSequence string) string {
	content, _ := json.Marshal(text)
	seq := "null"
	if stopSequence != "" {
		raw, _ := json.Marshal(stopSequence)
		seq = string(raw)
	}
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku",` +
		`"content":[{"type":"text","text":` + string(content) + `}],` +
		`"stop_reason":"` + stopReason + `","stop_sequence":` + seq + `,` +
		`"usage":{"input_tokens":10,"output_tokens":2,"cache_read_input_tokens":4}}`
}

func newTestBackend(t *testing.T, server *httptest.Server) *Backend {
	t.Helper()
	b, err := New(Config{APIKey: "ak-test", Model: "claude-3-5-haiku", BaseURL: server.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)
	return b
}

func stops() model.StopSequences {
	return model.StopSequences{Done: "Done.", NoResult: "No qualifying URLs.", Required: true}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "claude-3-opus"})
	require.ErrorContains(t, err, "api key")
	_, err = New(Config{APIKey: "k"})
	require.ErrorContains(t, err, "model name")
	_, err = New(Config{APIKey: "k", Model: "house-claude"})
	require.ErrorContains(t, err, "context sizes")

	b, err := New(Config{APIKey: "k", Model: "claude-3-5-haiku-20241022"})
	require.NoError(t, err)
	require.Equal(t, 200_000, b.ModelContextSize())
	require.Equal(t, 8_192, b.InferenceContextSize())
	require.Equal(t, model.KindAnthropic, b.Kind())
}

func TestCompletionMatchesReportedStopSequence(t *testing.T) {
	t.Parallel()

	server, c := newServer(t, http.StatusOK, messageJSON("https://a.com", "stop_sequence", "Done."))
	b := newTestBackend(t, server)
	resp, err := b.Completion(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "sys"},
			{Role: model.RoleUser, Content: "task"},
			{Role: model.RoleAssistant, Content: "The URL is "},
		},
		StopSequences: stops(),
		GrammarHint:   "Answer with a URL.",
		MaxTokens:     50,
		CachePrompt:   true,
	})
	require.NoError(t, err)
	require.Equal(t, model.MatchingStop("Done."), resp.FinishReason)
	require.Equal(t, "https://a.com", resp.Content)
	require.Equal(t, 12, resp.Usage.TotalTokens)
	require.Equal(t, 4, resp.Usage.CacheTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, "/v1/messages", c.path)
	require.Equal(t, "ak-test", c.key)
	require.EqualValues(t, 50, c.body["max_tokens"])
	require.Equal(t, []any{"Done.", "No qualifying URLs."}, c.body["stop_sequences"])

	system := c.body["system"].([]any)
	require.Len(t, system, 2)
	hint := system[1].(map[string]any)
	require.Equal(t, "Answer with a URL.", hint["text"])
	require.NotNil(t, hint["cache_control"])

	messages := c.body["messages"].([]any)
	require.Len(t, messages, 2)
	prefill := messages[1].(map[string]any)
	require.Equal(t, "assistant", prefill["role"])
	block := prefill["content"].([]any)[0].(map[string]any)
	require.Equal(t, "The URL is", block["text"])
}

func TestCompletionStopReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		payload  string
		optional bool
		want     model.FinishReason
		content  string
		wantErr  func(error) bool
	}{
		{name: "no result", payload: messageJSON("", "stop_sequence", "No qualifying URLs."), want: model.MatchingStop("No qualifying URLs.")},
		{name: "unlisted", payload: messageJSON("x", "stop_sequence", "###"), want: model.NonMatchingStop("###")},
		{name: "end turn credits done", payload: messageJSON("true", "end_turn", ""), want: model.MatchingStop("Done."), content: "true"},
		{name: "end turn echoes done", payload: messageJSON("false Done.", "end_turn", ""), want: model.MatchingStop("Done."), content: "false"},
		{name: "end turn echoes no result", payload: messageJSON("No qualifying URLs.", "end_turn", ""), want: model.MatchingStop("No qualifying URLs.")},
		{name: "end turn optional stops", payload: messageJSON("true", "end_turn", ""), optional: true, want: model.EOS(), content: "true"},
		{name: "max tokens", payload: messageJSON("tru", "max_tokens", ""), want: model.StopLimit()},
		{name: "refusal", payload: messageJSON("no", "refusal", ""), wantErr: func(err error) bool {
			var stopErr *model.StopReasonUnsupportedError
			return errors.As(err, &stopErr)
		}},
		{name: "empty", payload: messageJSON("", "end_turn", ""), optional: true, wantErr: func(err error) bool {
			return errors.Is(err, model.ErrResponseContentEmpty)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server, _ := newServer(t, http.StatusOK, tc.payload)
			b := newTestBackend(t, server)
			seqs := stops()
			seqs.Required = !tc.optional
			resp, err := b.Completion(context.Background(), &model.Request{
				Messages:      []model.Message{{Role: model.RoleUser, Content: "go"}},
				StopSequences: seqs,
			})
			if tc.wantErr != nil {
				if !tc.wantErr(err) {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, resp.FinishReason)
			require.Equal(t, tc.content, resp.Content)
		})
	}
}

func TestCompletionToolUse(t *testing.T) {
	t.Parallel()

	payload := `{"id":"msg_2","type":"message","role":"assistant","model":"claude-3-5-haiku",` +
		`"content":[{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"city":"SF"}}],` +
		`"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":5}}`
	server, c := newServer(t, http.StatusOK, payload)
	b := newTestBackend(t, server)
	resp, err := b.Completion(context.Background(), &model.Request{
		Messages:   []model.Message{{Role: model.RoleUser, Content: "weather"}},
		Tools:      []model.ToolDefinition{{Name: "lookup", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: model.ToolChoiceRequired,
	})
	require.NoError(t, err)
	require.Equal(t, model.ToolsCall(), resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "SF", resp.ToolCalls[0].Arguments["city"])

	c.mu.Lock()
	defer c.mu.Unlock()
	choice := c.body["tool_choice"].(map[string]any)
	require.Equal(t, "any", choice["type"])
}

func TestCompletionAPIError(t *testing.T) {
	t.Parallel()

	server, _ := newServer(t, http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	b := newTestBackend(t, server)
	_, err := b.Completion(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "go"}},
	})
	var clientErr *model.ClientError
	require.ErrorAs(t, err, &clientErr)
	require.Equal(t, http.StatusUnauthorized, clientErr.StatusCode)
	require.True(t, model.IsFatal(err))
}

func TestUnsupportedCapabilities(t *testing.T) {
	t.Parallel()

	b, err := New(Config{APIKey: "k", Model: "claude-3-opus"})
	require.NoError(t, err)
	var builderErr *model.BuilderError
	require.ErrorAs(t, b.BuildLogitBias(context.Background(), model.NewLogitBias().AddToken(1, 1)), &builderErr)
	require.NoError(t, b.BuildLogitBias(context.Background(), nil))
	_, err = b.Embeddings(context.Background(), model.EmbeddingsRequest{Input: []string{"x"}})
	require.ErrorAs(t, err, &builderErr)
}
