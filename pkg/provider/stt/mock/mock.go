// Package mock provides a test double for the stt.Provider interface.
//
// The mock never touches the network: tests script the transcripts a session
// should emit and inspect the audio the code under test sent.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// Scripted transcripts delivered by each opened session, in order.
	// Tests may instead push transcripts live via Session.Emit.
	Scripted []types.Transcript

	sessions []*Session
	configs  []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the config and returns a new scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}

	s := &Session{
		results: make(chan types.Transcript, 64),
		done:    make(chan struct{}),
	}
	for _, t := range p.Scripted {
		s.results <- t
	}
	p.sessions = append(p.sessions, s)
	p.configs = append(p.configs, cfg)
	return s, nil
}

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.configs))
	copy(out, p.configs)
	return out
}

// Session is a scripted stt.SessionHandle.
type Session struct {
	mu      sync.Mutex
	audio   [][]byte
	results chan types.Transcript

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	done   chan struct{}
	once   sync.Once
	closed bool
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Results returns the scripted transcript stream.
func (s *Session) Results() <-chan types.Transcript { return s.results }

// Emit pushes a transcript to the session's consumer mid-test.
func (s *Session) Emit(t types.Transcript) {
	s.results <- t
}

// Close marks the session closed and ends the transcript stream.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		close(s.results)
	})
	return nil
}

// Audio returns every chunk received via SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
