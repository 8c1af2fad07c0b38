package protocol

import (
	"errors"
	"fmt"
)

// Kind is the client-visible error code carried in server_error frames.
type Kind string

const (
	KindAuthentication  Kind = "AUTHENTICATION_ERROR"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindSessionNotFound Kind = "SESSION_NOT_FOUND"
	KindAudioProcessing Kind = "AUDIO_PROCESSING_ERROR"
	KindSTT             Kind = "STT_ERROR"
	KindAgent           Kind = "AGENT_ERROR"
	KindConnection      Kind = "CONNECTION_ERROR"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// Error is a domain-tagged error. Components return these locally; the
// connection handler is the single translation layer to server_error frames.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// AuthError reports missing or invalid credentials. Terminal for the connection.
func AuthError(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Retriable: false}
}

// ValidationError reports a malformed frame or out-of-range field. The
// offending frame is dropped; the connection is preserved.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Retriable: false}
}

// SessionNotFoundError reports a reference to an unknown session id.
func SessionNotFoundError(sessionID string) *Error {
	return &Error{Kind: KindSessionNotFound, Message: fmt.Sprintf("session %q not found", sessionID), Retriable: false}
}

// AudioError reports a VAD or buffering failure. Recognition may be torn
// down and recreated, so these are retriable.
func AudioError(msg string, cause error) *Error {
	return &Error{Kind: KindAudioProcessing, Message: msg, Retriable: true, Err: cause}
}

// STTError reports an upstream speech-to-text failure. Transport failures
// are retriable; auth and protocol failures are not.
func STTError(msg string, retriable bool, cause error) *Error {
	return &Error{Kind: KindSTT, Message: msg, Retriable: retriable, Err: cause}
}

// AgentError reports an upstream LLM failure. Surfaced to the client; the
// connection is preserved.
func AgentError(msg string, cause error) *Error {
	return &Error{Kind: KindAgent, Message: msg, Retriable: true, Err: cause}
}

// ConnectionError reports a send failure or broken pipe.
func ConnectionError(msg string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Retriable: true, Err: cause}
}

// InternalError wraps anything unmapped. Reported opaquely, retriable=false.
func InternalError(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Retriable: false, Err: cause}
}

// Classify maps any error to a tagged *Error, passing tagged errors through
// unchanged and wrapping everything else as internal.
func Classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return InternalError(err)
}
