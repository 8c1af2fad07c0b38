// Package types defines the shared types used across all Parley packages.
//
// These types form the lingua franca between providers, the recognition
// pipeline, the agent loop, and the server. Each package defines its own
// domain types; only cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Finals are accumulated into the user turn;
	// partials replace one another.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence or for interim results.
	Confidence float64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// ToolCalls contains tool invocations requested by the assistant, or for
	// Role "tool" a single entry recording which call this result answers.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", carrying the provider-assigned
	// id of the originating call when one was supplied.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the LLM, or the record
// of a completed call when attached to a tool-result message.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call. May be empty;
	// it is carried opaquely when present.
	ID string `json:"id,omitempty"`

	// Name is the tool name.
	Name string `json:"tool_name"`

	// Arguments is the JSON-encoded arguments string (model-produced calls).
	Arguments string `json:"arguments,omitempty"`

	// Content records the normalized result (tool-result messages).
	Content string `json:"content,omitempty"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent represents a voice activity decision for a single audio window.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD state transitions.
type VADEventType int

const (
	// VADStartOfSpeech indicates speech has just begun.
	VADStartOfSpeech VADEventType = iota

	// VADEndOfSpeech indicates speech has just ended.
	VADEndOfSpeech

	// VADContinuing indicates no state change for this window.
	VADContinuing
)

// String returns the wire name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADStartOfSpeech:
		return "START_OF_SPEECH"
	case VADEndOfSpeech:
		return "END_OF_SPEECH"
	case VADContinuing:
		return "CONTINUING"
	default:
		return "UNKNOWN"
	}
}
