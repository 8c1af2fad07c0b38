// Package session owns the per-conversation state: the append-only message
// history, the active audio stream parameters, and the per-session metrics.
// The Store tracks every live session and expires idle ones.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/pkg/types"
)

// Recognizer is the per-session audio pipeline attached between audio_start
// and audio_end. Declared here to avoid a dependency cycle with the
// recognition package.
type Recognizer interface {
	PushAudio(chunk []byte) error
	Stop() error
}

// Session is one logical conversation. The conversation slice is append-only
// from the outside; all mutation goes through methods.
type Session struct {
	ID        string
	AppID     string
	CreatedAt time.Time

	Metrics *metrics.Session

	mu           sync.Mutex
	conversation []types.Message
	lastActivity time.Time

	audioActive     bool
	audioSampleRate int
	audioEncoding   string
	recognition     Recognizer
}

// New creates a Session.
func New(id, appID string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		AppID:        appID,
		CreatedAt:    now,
		Metrics:      metrics.NewSession(id),
		lastActivity: now,
	}
}

// Touch refreshes the idle-expiry clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Append adds messages to the conversation in order.
func (s *Session) Append(msgs ...types.Message) {
	s.mu.Lock()
	s.conversation = append(s.conversation, msgs...)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Conversation returns a copy of the message history.
func (s *Session) Conversation() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.conversation))
	copy(out, s.conversation)
	return out
}

// HasSystemMessage reports whether the history contains a system message.
func (s *Session) HasSystemMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.conversation {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

// Reset clears the conversation history, keeping the session alive.
func (s *Session) Reset() {
	s.mu.Lock()
	s.conversation = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// StartAudio marks an audio stream active and attaches the recognizer.
// At most one stream may be active at a time.
func (s *Session) StartAudio(sampleRate int, encoding string, rec Recognizer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioActive {
		return fmt.Errorf("session %s: audio stream already active", s.ID)
	}
	s.audioActive = true
	s.audioSampleRate = sampleRate
	s.audioEncoding = encoding
	s.recognition = rec
	s.lastActivity = time.Now()
	return nil
}

// Recognition returns the active recognizer, or nil outside an audio stream.
func (s *Session) Recognition() Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audioActive {
		return nil
	}
	return s.recognition
}

// AudioParams returns the active stream's sample rate and encoding.
func (s *Session) AudioParams() (sampleRate int, encoding string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioSampleRate, s.audioEncoding, s.audioActive
}

// EndAudio detaches the recognizer and marks the stream inactive. The caller
// stops the returned recognizer outside the lock.
func (s *Session) EndAudio() Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audioActive {
		return nil
	}
	rec := s.recognition
	s.audioActive = false
	s.recognition = nil
	s.lastActivity = time.Now()
	return rec
}
