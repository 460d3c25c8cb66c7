package openaicompat

import (
	"strconv"

	"github.com/nevindra/penguin"
)

// buildBody maps the engine's stream request onto the wire format.
func buildBody(req penguin.StreamRequest) ChatRequest {
	body := ChatRequest{
		Model:         req.Binding.Model,
		Messages:      mapMessages(req.Messages),
		Tools:         mapTools(req.Tools),
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}
	if v, ok := req.Binding.Params["temperature"]; ok {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			body.Temperature = &t
		}
	}
	if v, ok := req.Binding.Params["max_tokens"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			body.MaxTokens = n
		}
	}
	return body
}

func mapMessages(msgs []penguin.Message) []Message {
	out := make([]Message, 0, len(msgs))
	// ids of calls the API itself issued; only these may be referenced
	// by a role:"tool" result
	native := make(map[string]bool)
	for _, m := range msgs {
		wire := Message{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case penguin.RoleTool:
			if !native[m.ToolCallID] {
				// result of a tag-dispatched call: the endpoint never saw
				// a tool_call with this id and rejects a reference to it,
				// so the result goes back as a user turn
				out = append(out, Message{
					Role:    "user",
					Content: "[tool result] " + m.Content,
				})
				continue
			}
			wire.ToolCallID = m.ToolCallID
		case penguin.RoleAssistant:
			for _, tc := range m.ToolCalls {
				// only provider-native calls echo back as tool_calls;
				// tagged invocations already live in the text
				if tc.Name == "" || len(tc.Args) == 0 {
					continue
				}
				native[tc.ID] = true
				wire.ToolCalls = append(wire.ToolCalls, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
		}
		out = append(out, wire)
	}
	return out
}

func mapTools(defs []penguin.ToolDefinition) []Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		properties := map[string]any{}
		for name, typ := range d.Parameters {
			properties[name] = map[string]any{"type": typ}
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": properties,
				},
			},
		})
	}
	return out
}
