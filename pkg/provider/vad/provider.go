// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a window-level speech scorer and surfaces it as a
// stateful per-stream session. Each session keeps its own recurrent state and
// context buffer so that concurrent audio streams are processed
// independently.
//
// Detection is synchronous: ProcessChunk returns immediately with the
// decisions for the windows it consumed, making it suitable for low-latency
// pipeline stages that gate turn endpointing.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import "github.com/parley-ai/parley/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Supported: 8000 and 16000.
	SampleRate int

	// Threshold is the speech probability at or above which a window counts
	// as speech. Range [0.0, 1.0]; 0.0 classifies every window as speech,
	// 1.0 effectively disables detection. Typical: 0.5.
	Threshold float64
}

// SessionHandle is an active VAD session for a single audio stream. It keeps
// the speaking state and the rolling context across calls; Reset restores
// zero state without closing the session.
type SessionHandle interface {
	// ProcessChunk analyses raw little-endian PCM16 audio and returns one
	// event decision per consumed window. Chunks that are an exact multiple
	// of WindowSize consume every window in order; other chunk sizes consume
	// only the last complete window. Chunks shorter than one window yield no
	// events.
	ProcessChunk(pcm []byte) ([]types.VADEvent, error)

	// WindowSize returns the model's window length in samples
	// (256 at 8 kHz, 512 at 16 kHz).
	WindowSize() int

	// Reset clears the speaking state, the context buffer, and the model's
	// recurrent state.
	Reset()

	// Close releases session resources. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must allow concurrent NewSession calls.
type Engine interface {
	// NewSession creates a session that is immediately ready for audio.
	// Returns an error for unsupported sample rates or thresholds outside
	// [0.0, 1.0].
	NewSession(cfg Config) (SessionHandle, error)
}
