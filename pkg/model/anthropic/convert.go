package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cexll/llmcascade/pkg/model"
)

// convertMessages splits system messages out of the log. A trailing
// assistant message is sent as a prefill, which the API rejects when it ends
// in whitespace, so it is right-trimmed.
func convertMessages(messages []model.Message, hint string, cache bool) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var system []anthropicsdk.TextBlockParam
	params := make([]anthropicsdk.MessageParam, 0, len(messages))
	for idx, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, anthropicsdk.TextBlockParam{Text: msg.Content})
			}
		case model.RoleAssistant:
			content := msg.Content
			if idx == len(messages)-1 {
				content = strings.TrimRight(content, " \t\r\n")
			}
			if content == "" {
				continue
			}
			params = append(params, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(content)))
		default:
			content := msg.Content
			if content == "" {
				// The API requires non-empty content.
				content = "."
			}
			params = append(params, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(content)))
		}
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		system = append(system, anthropicsdk.TextBlockParam{Text: hint})
	}
	if cache && len(system) > 0 {
		system[len(system)-1].CacheControl = anthropicsdk.NewCacheControlEphemeralParam()
	}
	if len(params) == 0 {
		params = append(params, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return system, params
}

func convertTools(tools []model.ToolDefinition) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for idx, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: missing name", idx)
		}
		schema, err := convertToolParameters(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("convert parameters for %s: %w", name, err)
		}
		tool := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Description = anthropicsdk.String(desc)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func convertToolParameters(params map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(params) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("marshal schema: %w", err)
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func convertMessage(req *model.Request, msg *anthropicsdk.Message) (*model.Response, error) {
	resp := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheTokens:  int(msg.Usage.CacheReadInputTokens),
		},
	}
	var text []string
	for _, block := range msg.Content {
		switch content := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			text = append(text, content.Text)
		case anthropicsdk.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: decodeToolInput(content.Input),
			})
		}
	}
	resp.Content = strings.Join(text, "")

	switch msg.StopReason {
	case anthropicsdk.StopReasonStopSequence:
		resp.FinishReason = req.StopSequences.Match(msg.StopSequence)
	case anthropicsdk.StopReasonEndTurn:
		// A model that writes the stop word itself, or ends its turn right
		// before it, never triggers stop_sequence.
		if req.StopSequences.Required {
			resp.FinishReason, resp.Content = req.StopSequences.Classify(resp.Content)
		} else {
			resp.FinishReason = model.EOS()
		}
	case anthropicsdk.StopReasonMaxTokens:
		resp.FinishReason = model.StopLimit()
	case anthropicsdk.StopReasonToolUse:
		resp.FinishReason = model.ToolsCall()
	default:
		return nil, &model.StopReasonUnsupportedError{Reason: string(msg.StopReason)}
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 && resp.FinishReason.Kind != model.FinishMatchingStop {
		return nil, model.ErrResponseContentEmpty
	}
	return resp, nil
}

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return map[string]any{}
	}
	if typed, ok := value.(map[string]any); ok {
		return typed
	}
	return map[string]any{"value": value}
}
