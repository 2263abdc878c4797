// Package transform applies provider quirks to outgoing requests as one
// uniform pass over declarative rules: field renames, multimodal content
// flattening, and placeholder text for tool-call-only turns. There is no
// per-provider code here.
package transform

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// toolCallPlaceholder fills assistant turns that would otherwise have no
// content, for providers that reject contentless messages.
const toolCallPlaceholder = `"(tool call)"`

// ApplyParamMappings renames body fields in place. A mapped source field
// that is absent is skipped; the destination wins if both exist afterward.
func ApplyParamMappings(body map[string]json.RawMessage, mappings map[string]string) {
	for from, to := range mappings {
		if v, ok := body[from]; ok {
			delete(body, from)
			body[to] = v
		}
	}
}

// ApplyMessageQuirks returns a copy of msgs with the configured special
// handling applied. The input slice is never mutated; requests are shared.
func ApplyMessageQuirks(msgs []types.ChatMessage, special config.SpecialHandling) []types.ChatMessage {
	if !special.FlattenContentParts && !special.ToolCallPlaceholder {
		return msgs
	}

	out := make([]types.ChatMessage, len(msgs))
	copy(out, msgs)

	for i := range out {
		if special.FlattenContentParts {
			flattenContent(&out[i])
		}
		if special.ToolCallPlaceholder {
			injectPlaceholder(&out[i])
		}
	}
	return out
}

// flattenContent collapses a multimodal content array into its concatenated
// text parts. Plain string content is left alone.
func flattenContent(msg *types.ChatMessage) {
	if len(msg.Content) == 0 {
		return
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		return
	}

	var parts []types.ContentPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return
	}

	text := ""
	for _, p := range parts {
		if p.Type == "text" {
			text += p.Text
		}
	}

	raw, err := json.Marshal(text)
	if err != nil {
		return
	}
	msg.Content = raw
}

func injectPlaceholder(msg *types.ChatMessage) {
	if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
		return
	}
	if msg.TextContent() != "" {
		return
	}
	msg.Content = json.RawMessage(toolCallPlaceholder)
}
