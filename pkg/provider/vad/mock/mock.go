// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify sessions are created with the expected Config. Use
// Session to script event decisions and inspect the submitted chunks.
package mock

import (
	"sync"

	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/types"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a fresh default Session is
	// returned instead.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// NewSessionCalls records every NewSession invocation in order.
	NewSessionCalls []NewSessionCall
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session or a default Session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// ProcessChunkCall records a single invocation of Session.ProcessChunk.
type ProcessChunkCall struct {
	Chunk []byte
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// ScriptedEvents is played back one slice per ProcessChunk call. When the
	// script is exhausted (or empty), Events is returned instead.
	ScriptedEvents [][]types.VADEvent

	// Events is the default ProcessChunk result.
	Events []types.VADEvent

	// ProcessChunkErr, if non-nil, is returned by every ProcessChunk call.
	ProcessChunkErr error

	// Window is returned by WindowSize. Zero defaults to 512.
	Window int

	// ProcessChunkCalls records every ProcessChunk invocation in order.
	ProcessChunkCalls []ProcessChunkCall

	// ResetCallCount counts Reset calls.
	ResetCallCount int

	// CloseCallCount counts Close calls.
	CloseCallCount int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessChunk records the call and plays back the scripted events.
func (s *Session) ProcessChunk(pcm []byte) ([]types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	call := len(s.ProcessChunkCalls)
	s.ProcessChunkCalls = append(s.ProcessChunkCalls, ProcessChunkCall{Chunk: cp})

	if s.ProcessChunkErr != nil {
		return nil, s.ProcessChunkErr
	}
	if call < len(s.ScriptedEvents) {
		return s.ScriptedEvents[call], nil
	}
	return s.Events, nil
}

// WindowSize returns Window, defaulting to 512.
func (s *Session) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Window == 0 {
		return 512
	}
	return s.Window
}

// Reset increments ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close increments CloseCallCount.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}
