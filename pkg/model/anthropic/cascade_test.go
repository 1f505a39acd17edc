package anthropic

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/llmcascade/pkg/cascade"
	"github.com/cexll/llmcascade/pkg/primitive"
	"github.com/cexll/llmcascade/pkg/request"
)

func TestCascadeStepAcceptsEndTurn(t *testing.T) {
	t.Parallel()

	server, c := newServer(t, http.StatusOK, messageJSON("true", "end_turn", ""))
	b := newTestBackend(t, server)
	req := request.New(b, request.WithRetries(3))

	flow := cascade.New("anthropic-end-turn")
	flow.OpenCascade()
	err := flow.NewRound("Is https://a.com used in webdev tutorials?").
		AddInferenceStep(cascade.StepConfig{StepPrefix: "Answer: ", Grammar: primitive.Boolean{}}).
		RunAllSteps(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, flow.CloseCascade())

	got, ok := flow.PrimitiveResult()
	require.True(t, ok)
	require.Equal(t, "true", got)
	require.Empty(t, req.Errors())

	c.mu.Lock()
	defer c.mu.Unlock()
	system := c.body["system"].([]any)
	hint := system[len(system)-1].(map[string]any)
	require.Contains(t, hint["text"], `Finish your answer with "Done."`)
}
