package openaicompat

import (
	"encoding/json"

	"github.com/forgeworks/conduit"
)

// ParseResponse converts an OpenAI-format ChatResponse to a conduit ChatResponse.
// It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (conduit.ChatResponse, error) {
	var out conduit.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = conduit.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			out.Usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to conduit ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []conduit.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]conduit.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		// Validate that arguments is valid JSON; if not, wrap as a JSON string.
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, conduit.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
