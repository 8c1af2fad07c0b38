// Package protocol implements the JSON wire protocol spoken on the client
// WebSocket: a `{type, session_id, data}` envelope around a small set of
// client and server message types, with strict size and enum validation.
//
// The codec never partially emits: Decode either returns a fully validated
// message or a tagged validation error naming the offending field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message type tags.
const (
	TypeClientText       = "client_text"
	TypeClientAudioStart = "client_audio_start"
	TypeClientAudioChunk = "client_audio_chunk"
	TypeClientAudioEnd   = "client_audio_end"

	TypeServerConnected  = "server_connected"
	TypeServerSTT        = "server_stt"
	TypeServerPartial    = "server_partial"
	TypeServerText       = "server_text"
	TypeServerToolCall   = "server_tool_call"
	TypeServerToolResult = "server_tool_result"
	TypeServerError      = "server_error"

	// TypeHeartbeat is the fallback keepalive frame used when a protocol
	// ping cannot be sent. Clients must accept both.
	TypeHeartbeat = "heartbeat"
)

// Size limits for client frames.
const (
	MaxTextBytes       = 4096
	MaxAudioChunkBytes = 16384
)

// Encoding identifies the PCM encoding of an audio stream.
type Encoding string

const (
	EncodingPCM16 Encoding = "PCM16"
	EncodingPCM8  Encoding = "PCM8"
)

// IsValid reports whether the encoding is one of the supported values.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingPCM8
}

// validSampleRates are the sample rates accepted in client_audio_start.
var validSampleRates = map[int]bool{8000: true, 16000: true, 44100: true, 48000: true}

// ValidSampleRate reports whether rate is accepted for audio streams.
func ValidSampleRate(rate int) bool { return validSampleRates[rate] }

// Envelope is the outer frame for every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// ClientText carries a text turn from the client.
type ClientText struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClientAudioStart opens an audio stream on the session.
type ClientAudioStart struct {
	SampleRate int            `json:"sample_rate"`
	Encoding   Encoding       `json:"encoding"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ClientAudioChunk carries one base64-encoded PCM chunk.
type ClientAudioChunk struct {
	Chunk     string  `json:"chunk"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ClientAudioEnd closes the audio stream, optionally flushing a last chunk.
type ClientAudioEnd struct {
	FinalChunk string `json:"final_chunk,omitempty"`
}

// ClientMessage is a decoded, validated client frame. Exactly one of the
// payload pointers is non-nil, matching Type.
type ClientMessage struct {
	Type      string
	SessionID string

	Text       *ClientText
	AudioStart *ClientAudioStart
	AudioChunk *ClientAudioChunk
	AudioEnd   *ClientAudioEnd
}

// DecodeClient parses and validates a raw client frame.
func DecodeClient(raw []byte) (*ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ValidationError("malformed JSON frame: %v", err)
	}
	if env.Type == "" {
		return nil, ValidationError("missing field %q", "type")
	}
	if env.SessionID == "" {
		return nil, ValidationError("missing field %q", "session_id")
	}

	msg := &ClientMessage{Type: env.Type, SessionID: env.SessionID}
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch env.Type {
	case TypeClientText:
		var p ClientText
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ValidationError("client_text data: %v", err)
		}
		if p.Text == "" {
			return nil, ValidationError("field %q must not be empty", "text")
		}
		if len(p.Text) > MaxTextBytes {
			return nil, ValidationError("field %q exceeds %d bytes (got %d)", "text", MaxTextBytes, len(p.Text))
		}
		msg.Text = &p

	case TypeClientAudioStart:
		var p ClientAudioStart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ValidationError("client_audio_start data: %v", err)
		}
		if !ValidSampleRate(p.SampleRate) {
			return nil, ValidationError("field %q must be one of 8000, 16000, 44100, 48000 (got %d)", "sample_rate", p.SampleRate)
		}
		if !p.Encoding.IsValid() {
			return nil, ValidationError("field %q must be PCM16 or PCM8 (got %q)", "encoding", p.Encoding)
		}
		msg.AudioStart = &p

	case TypeClientAudioChunk:
		var p ClientAudioChunk
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ValidationError("client_audio_chunk data: %v", err)
		}
		if p.Chunk == "" {
			return nil, ValidationError("field %q must not be empty", "chunk")
		}
		if _, err := p.Decode(); err != nil {
			return nil, err
		}
		msg.AudioChunk = &p

	case TypeClientAudioEnd:
		var p ClientAudioEnd
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ValidationError("client_audio_end data: %v", err)
		}
		if p.FinalChunk != "" {
			if _, err := decodeChunk(p.FinalChunk, "final_chunk"); err != nil {
				return nil, err
			}
		}
		msg.AudioEnd = &p

	default:
		return nil, ValidationError("unknown message type %q", env.Type)
	}

	return msg, nil
}

// Decode returns the raw PCM bytes of the chunk, enforcing the decoded size
// limit.
func (c *ClientAudioChunk) Decode() ([]byte, error) {
	return decodeChunk(c.Chunk, "chunk")
}

// DecodeFinal returns the decoded final chunk, or nil when absent.
func (c *ClientAudioEnd) DecodeFinal() ([]byte, error) {
	if c.FinalChunk == "" {
		return nil, nil
	}
	return decodeChunk(c.FinalChunk, "final_chunk")
}

func decodeChunk(b64, field string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ValidationError("field %q is not valid base64: %v", field, err)
	}
	if len(raw) > MaxAudioChunkBytes {
		return nil, ValidationError("field %q exceeds %d decoded bytes (got %d)", field, MaxAudioChunkBytes, len(raw))
	}
	return raw, nil
}

// ---- server messages --------------------------------------------------------

// ServerConnected is the first frame after a successful handshake.
type ServerConnected struct {
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata"`
}

// ServerSTT carries a live transcript update.
type ServerSTT struct {
	Text       string   `json:"text"`
	IsFinal    bool     `json:"is_final"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ServerPartial carries one streamed chunk of agent text.
type ServerPartial struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ServerText is the final agent answer for a turn.
type ServerText struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ServerToolCall announces a tool invocation the model requested.
type ServerToolCall struct {
	ToolName   string `json:"tool_name"`
	Arguments  any    `json:"arguments"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Status     string `json:"status"`
}

// Tool result statuses.
const (
	ToolStatusCalling   = "calling"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// ServerToolResult reports the outcome of a tool invocation.
type ServerToolResult struct {
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServerError reports a surfaced failure.
type ServerError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Encode wraps a server payload in an envelope and serializes it.
func Encode(msgType, sessionID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s data: %w", msgType, err)
	}
	raw, err := json.Marshal(Envelope{Type: msgType, SessionID: sessionID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", msgType, err)
	}
	return raw, nil
}

// EncodeError builds a server_error frame from a tagged error.
func EncodeError(sessionID string, e *Error) ([]byte, error) {
	return Encode(TypeServerError, sessionID, ServerError{
		ErrorCode: string(e.Kind),
		Message:   e.Message,
		Retriable: e.Retriable,
	})
}

// Heartbeat is the serialized fallback keepalive frame.
var Heartbeat = []byte(`{"type":"heartbeat"}`)
