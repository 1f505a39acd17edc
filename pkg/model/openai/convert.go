package openai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"

	"github.com/cexll/llmcascade/pkg/model"
)

// convertMessages maps the prompt log onto chat messages. A grammar hint
// becomes a system message placed ahead of a trailing assistant turn so the
// model reads it before continuing that turn.
func convertMessages(messages []model.Message, hint string) []openaisdk.ChatCompletionMessageParamUnion {
	params := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	insertAt := len(messages)
	if n := len(messages); n > 0 && messages[n-1].Role == model.RoleAssistant {
		insertAt = n - 1
	}
	hint = strings.TrimSpace(hint)
	for idx, msg := range messages {
		if idx == insertAt && hint != "" {
			params = append(params, buildSystemMessage(hint))
		}
		switch msg.Role {
		case model.RoleSystem:
			params = append(params, buildSystemMessage(msg.Content))
		case model.RoleAssistant:
			params = append(params, buildAssistantMessage(msg.Content))
		default:
			params = append(params, buildUserMessage(msg.Content))
		}
	}
	if insertAt == len(messages) && hint != "" {
		params = append(params, buildSystemMessage(hint))
	}
	if len(params) == 0 {
		params = append(params, buildUserMessage(""))
	}
	return params
}

func buildSystemMessage(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionSystemMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfSystem: &msg}
}

func buildUserMessage(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionUserMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfUser: &msg}
}

func buildAssistantMessage(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionAssistantMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func convertTools(tools []model.ToolDefinition) ([]openaisdk.ChatCompletionToolUnionParam, error) {
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(tools))
	for idx, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: missing name", idx)
		}
		fn := openaisdk.FunctionDefinitionParam{Name: name}
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			fn.Description = openaisdk.String(desc)
		}
		if len(tool.Parameters) > 0 {
			fn.Parameters = openaisdk.FunctionParameters(tool.Parameters)
		}
		out = append(out, openaisdk.ChatCompletionToolUnionParam{
			OfFunction: &openaisdk.ChatCompletionFunctionToolParam{Function: fn},
		})
	}
	return out, nil
}

// convertLogitBias rounds biases to the integers the API accepts.
func convertLogitBias(bias map[int]float64) map[string]int64 {
	out := make(map[string]int64, len(bias))
	for id, v := range bias {
		out[strconv.Itoa(id)] = int64(math.Round(v))
	}
	return out
}

// convertCompletion classifies the finish reason. The API strips the stop
// sequence it matched and never says which one fired, so "stop" is resolved
// against the request's sequences.
func convertCompletion(kind model.Kind, req *model.Request, choice openaisdk.ChatCompletionChoice) (*model.Response, error) {
	msg := choice.Message
	resp := &model.Response{Content: msg.Content}
	if resp.Content == "" && strings.TrimSpace(msg.Refusal) != "" {
		resp.Content = msg.Refusal
	}
	for idx, call := range msg.ToolCalls {
		tc, err := convertToolCall(call)
		if err != nil {
			return nil, &model.ClientError{Backend: kind, Err: fmt.Errorf("tool_calls[%d]: %w", idx, err)}
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}

	switch choice.FinishReason {
	case "stop":
		resp.FinishReason, resp.Content = req.StopSequences.Classify(resp.Content)
	case "length":
		resp.FinishReason = model.StopLimit()
	case "tool_calls", "function_call":
		resp.FinishReason = model.ToolsCall()
	default:
		return nil, &model.StopReasonUnsupportedError{Reason: choice.FinishReason}
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 && resp.FinishReason.Kind != model.FinishMatchingStop {
		return nil, model.ErrResponseContentEmpty
	}
	return resp, nil
}

func convertToolCall(call openaisdk.ChatCompletionMessageToolCallUnion) (model.ToolCall, error) {
	if typ := strings.TrimSpace(call.Type); typ != "" && typ != "function" {
		return model.ToolCall{}, fmt.Errorf("unsupported tool_call type %q", typ)
	}
	fn := call.AsFunction()
	if strings.TrimSpace(fn.Function.Name) == "" {
		return model.ToolCall{}, fmt.Errorf("missing function name")
	}
	args, err := decodeArguments(fn.Function.Arguments)
	if err != nil {
		return model.ToolCall{}, err
	}
	return model.ToolCall{ID: fn.ID, Name: fn.Function.Name, Arguments: args}, nil
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}
