// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the agent loop sends correct requests
// and to feed controlled streamed responses without a live backend.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Set the response fields
// before use; zero values return empty results and nil errors.
type Provider struct {
	mu sync.Mutex

	// Scripted turns: StreamCompletion call n emits ScriptedTurns[n]. When
	// the script is exhausted (or empty), StreamChunks is used instead.
	ScriptedTurns [][]llm.Chunk

	// StreamChunks is the default chunk sequence.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned instead of starting a stream.
	StreamErr error

	// CompleteResponse and CompleteErr drive Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back the scripted chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	if p.StreamErr != nil {
		err := p.StreamErr
		p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	call := len(p.StreamCalls)
	if call < len(p.ScriptedTurns) {
		chunks = append(chunks, p.ScriptedTurns[call]...)
	} else {
		chunks = append(chunks, p.StreamChunks...)
	}
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records nothing and returns the configured response.
func (p *Provider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded StreamCompletion calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}
