// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens one upstream session per audio stream. The session accepts
// raw PCM chunks and emits interim and final transcripts on a single ordered
// channel, which the recognition pipeline drains until it is closed.
//
// Implementations must be safe for concurrent use across sessions; a single
// SessionHandle is driven by one producer and one consumer goroutine.
package stt

import (
	"context"
	"errors"

	"github.com/parley-ai/parley/pkg/types"
)

// StreamConfig holds the parameters of one transcription stream.
type StreamConfig struct {
	// SampleRate of the PCM audio in Hz (8000, 16000, 44100, 48000).
	SampleRate int

	// Encoding is the PCM encoding ("PCM16" or "PCM8").
	Encoding string

	// Channels is the channel count. Zero means mono.
	Channels int

	// Language is an optional BCP-47 language code.
	Language string
}

// SessionHandle is one live transcription stream.
type SessionHandle interface {
	// SendAudio queues one PCM chunk for the upstream. It blocks only on the
	// session's bounded backpressure and errors once the session is closed.
	SendAudio(chunk []byte) error

	// Results returns the ordered stream of interim and final transcripts.
	// The channel is closed when the upstream ends or the session is closed.
	Results() <-chan types.Transcript

	// Close flushes pending audio upstream, ends the stream, and releases
	// resources. Safe to call more than once.
	Close() error
}

// Provider opens transcription streams.
type Provider interface {
	// StartStream connects to the upstream and returns a live session.
	// The context bounds connection establishment and the session lifetime.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// ErrFatal marks upstream failures that retrying will not fix (bad
// credentials, protocol violations). Transport failures are retriable.
var ErrFatal = errors.New("fatal stt error")

// Retriable reports whether err is worth retrying from the client side.
func Retriable(err error) bool {
	return err != nil && !errors.Is(err, ErrFatal)
}
