// Package llmrelay provides unified access to multiple chat-completion
// providers behind one OpenAI-compatible contract, masking transient
// failures and rate limits from the caller.
//
// The core is a dispatch engine with multi-key rotation: each provider can
// carry a pool of API keys under a rotation policy, keys hit by rate limits
// are cooled down and skipped, and retry-after hints from response headers
// gate the next send. Streaming responses can be consumed incrementally or
// folded back into one normalized message.
//
// Basic usage:
//
//	client, err := llmrelay.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.ChatCompletion(ctx, "openai/gpt-4", &llmrelay.ChatRequest{
//	    Messages: []llmrelay.ChatMessage{
//	        llmrelay.TextMessage("user", "Hello!"),
//	    },
//	})
//
// Model identifiers use the form "provider/model" or
// "provider/model/variant" (the variant names e.g. an Azure deployment).
package llmrelay

import (
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/route"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Version is the current version of llmrelay.
const Version = "1.0.0"

// Re-export core request/response types for convenience, so callers can use
// llmrelay.ChatRequest instead of types.ChatRequest.
type (
	// ChatRequest is the normalized chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse is the normalized chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage is a single message in the conversation.
	ChatMessage = types.ChatMessage

	// ContentPart is one element of a multimodal content array.
	ContentPart = types.ContentPart

	// Tool declares a function the model may call.
	Tool = types.Tool

	// ToolCall is a function call made by the model.
	ToolCall = types.ToolCall

	// Usage contains token accounting for a request.
	Usage = types.Usage

	// Choice is a single completion choice.
	Choice = types.Choice

	// StreamChunk is one incremental unit of a streamed response.
	StreamChunk = types.StreamChunk

	// StreamChoice is a choice within a streaming chunk.
	StreamChoice = types.StreamChoice

	// StreamDelta is the partial content added by one chunk.
	StreamDelta = types.StreamDelta

	// ToolCallDelta is an incremental fragment of a tool call.
	ToolCallDelta = types.ToolCallDelta

	// Error is the standardized error for all llmrelay operations.
	Error = errors.Error

	// Route identifies the {provider, model, variant} a request targets.
	Route = route.Route

	// ProviderConfig describes how to reach one provider.
	ProviderConfig = config.ProviderConfig

	// KeyPoolConfig declares a multi-key pool for one provider.
	KeyPoolConfig = config.KeyPoolConfig

	// RateLimitConfig carries quotas and rate-limit header names.
	RateLimitConfig = config.RateLimitConfig

	// SpecialHandling flags provider quirks.
	SpecialHandling = config.SpecialHandling
)

// TextMessage builds a ChatMessage with plain string content.
var TextMessage = types.TextMessage

// ParseRoute parses "provider/model" or "provider/model/variant".
var ParseRoute = route.Parse
