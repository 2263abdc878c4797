package transform

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func TestApplyParamMappings(t *testing.T) {
	body := map[string]json.RawMessage{
		"max_tokens":  json.RawMessage(`256`),
		"temperature": json.RawMessage(`0.7`),
	}

	ApplyParamMappings(body, map[string]string{
		"max_tokens": "max_completion_tokens",
		"absent":     "also_absent",
	})

	require.NotContains(t, body, "max_tokens")
	require.Equal(t, json.RawMessage(`256`), body["max_completion_tokens"])
	require.Equal(t, json.RawMessage(`0.7`), body["temperature"])
	require.NotContains(t, body, "also_absent")
}

func TestApplyMessageQuirks_NoQuirksReturnsInput(t *testing.T) {
	msgs := []types.ChatMessage{types.TextMessage("user", "hi")}
	out := ApplyMessageQuirks(msgs, config.SpecialHandling{})
	require.Same(t, &msgs[0], &out[0])
}

func TestFlattenContentParts(t *testing.T) {
	msgs := []types.ChatMessage{
		{
			Role:    "user",
			Content: json.RawMessage(`[{"type":"text","text":"hello "},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"world"}]`),
		},
		types.TextMessage("user", "plain"),
	}

	out := ApplyMessageQuirks(msgs, config.SpecialHandling{FlattenContentParts: true})

	require.Equal(t, "hello world", out[0].TextContent())
	var s string
	require.NoError(t, json.Unmarshal(out[0].Content, &s))
	require.Equal(t, "plain", out[1].TextContent())

	// Input untouched.
	require.Contains(t, string(msgs[0].Content), "image_url")
}

func TestToolCallPlaceholder(t *testing.T) {
	msgs := []types.ChatMessage{
		{
			Role: "assistant",
			ToolCalls: []types.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: types.ToolCallFunction{Name: "f", Arguments: "{}"},
			}},
		},
	}

	out := ApplyMessageQuirks(msgs, config.SpecialHandling{ToolCallPlaceholder: true})
	require.Equal(t, "(tool call)", out[0].TextContent())
	require.Empty(t, msgs[0].Content)
}

func TestToolCallPlaceholder_SkipsNonEmptyAndNonToolTurns(t *testing.T) {
	withContent := types.ChatMessage{
		Role:      "assistant",
		Content:   json.RawMessage(`"thinking..."`),
		ToolCalls: []types.ToolCall{{ID: "call_1"}},
	}
	user := types.TextMessage("user", "hi")
	plainAssistant := types.ChatMessage{Role: "assistant"}

	out := ApplyMessageQuirks(
		[]types.ChatMessage{withContent, user, plainAssistant},
		config.SpecialHandling{ToolCallPlaceholder: true},
	)

	require.Equal(t, "thinking...", out[0].TextContent())
	require.Equal(t, "hi", out[1].TextContent())
	require.Empty(t, out[2].TextContent())
}
