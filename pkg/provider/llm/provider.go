// Package llm defines the Provider interface for language-model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic via the
// any-llm gateway, a local Ollama instance) and exposes a uniform streaming
// interface for the agent loop, without coupling it to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/parley-ai/parley/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and differ between providers for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. 0 uses the
	// provider default.
	Temperature float64

	// MaxTokens caps generated tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before the history on providers with a
	// dedicated system slot; otherwise prepended as a system-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" for post-start stream failures.
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations. Providers
	// assemble streamed deltas and attach the result to the final chunk.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel emitting
	// chunks as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled; callers must drain it. Errors after the stream has
	// started surface as a Chunk with FinishReason "error"; the error return
	// is non-nil only when the stream cannot start at all.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider.
	Capabilities() types.ModelCapabilities
}
