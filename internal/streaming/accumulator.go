package streaming

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Accumulator folds a sequence of stream chunks into one message. It is
// owned by a single in-flight streaming request and never shared.
//
// Merge rules: identity fields (id, model, created) come from the first
// chunk that carries them; role from the first delta that carries one;
// content is appended in arrival order; usage and finish reason are
// last-write-wins; tool-call fragments merge by index, identity once,
// argument text cumulative.
type Accumulator struct {
	content      strings.Builder
	toolCalls    []toolCallState
	role         string
	finishReason string
	id           string
	model        string
	created      int64
	usage        *types.Usage
}

type toolCallState struct {
	id       string
	callType string
	name     string
	args     strings.Builder
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// ProcessChunk merges one chunk into the accumulated state.
func (a *Accumulator) ProcessChunk(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}

	if a.id == "" && chunk.ID != "" {
		a.id = chunk.ID
	}
	if a.model == "" && chunk.Model != "" {
		a.model = chunk.Model
	}
	if a.created == 0 && chunk.Created != 0 {
		a.created = chunk.Created
	}

	if chunk.Usage != nil {
		usage := *chunk.Usage
		a.usage = &usage
	}

	for _, choice := range chunk.Choices {
		if a.role == "" && choice.Delta.Role != "" {
			a.role = choice.Delta.Role
		}

		a.content.WriteString(choice.Delta.Content)

		for _, delta := range choice.Delta.ToolCalls {
			a.mergeToolCall(delta)
		}

		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
	}
}

func (a *Accumulator) mergeToolCall(delta types.ToolCallDelta) {
	if delta.Index < 0 {
		return
	}

	// Indices may arrive sparsely and out of order; grow without
	// reordering existing entries.
	for len(a.toolCalls) <= delta.Index {
		a.toolCalls = append(a.toolCalls, toolCallState{})
	}

	tc := &a.toolCalls[delta.Index]
	if tc.id == "" && delta.ID != "" {
		tc.id = delta.ID
	}
	if tc.callType == "" && delta.Type != "" {
		tc.callType = delta.Type
	}
	if tc.name == "" && delta.Function.Name != "" {
		tc.name = delta.Function.Name
	}
	tc.args.WriteString(delta.Function.Arguments)
}

// Content returns the text accumulated so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// Role returns the first-seen role, or "".
func (a *Accumulator) Role() string {
	return a.role
}

// FinishReason returns the most recent finish reason, or "".
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}

// Message finalizes the accumulator into one normalized message. A missing
// role defaults to assistant; an empty tool-call set becomes no tool calls.
func (a *Accumulator) Message() types.ChatMessage {
	role := a.role
	if role == "" {
		role = "assistant"
	}

	content, _ := json.Marshal(a.content.String())

	var toolCalls []types.ToolCall
	for _, tc := range a.toolCalls {
		toolCalls = append(toolCalls, types.ToolCall{
			ID:   tc.id,
			Type: tc.callType,
			Function: types.ToolCallFunction{
				Name:      tc.name,
				Arguments: tc.args.String(),
			},
		})
	}

	return types.ChatMessage{
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	}
}

// Response wraps the finalized message in a full normalized response using
// the identity captured from the stream.
func (a *Accumulator) Response() *types.ChatResponse {
	return &types.ChatResponse{
		ID:      a.id,
		Object:  "chat.completion",
		Created: a.created,
		Model:   a.model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      a.Message(),
			FinishReason: a.finishReason,
		}},
		Usage: a.usage,
	}
}
