package resilience

import (
	"context"
	"log/slog"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/types"
)

// LLMFailover is an llm.Provider with automatic failover across backends.
// For streams only the connection attempt participates; mid-stream errors
// surface to the caller as error chunks.
type LLMFailover struct {
	group *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an LLMFailover with primary as the preferred backend.
func NewLLMFailover(primary llm.Provider, name string, breaker BreakerConfig, logger *slog.Logger) *LLMFailover {
	return &LLMFailover{group: NewFailover(primary, name, breaker, logger)}
}

// Add registers a standby LLM backend.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// StreamCompletion opens a completion stream against the first healthy
// backend.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete sends the request to the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities; they are static metadata
// and do not participate in failover.
func (f *LLMFailover) Capabilities() types.ModelCapabilities {
	if len(f.group.backends) > 0 {
		return f.group.backends[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
