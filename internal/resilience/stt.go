package resilience

import (
	"context"
	"log/slog"

	"github.com/parley-ai/parley/pkg/provider/stt"
)

// STTFailover is an stt.Provider that opens streams against the first healthy
// backend. Only stream establishment is covered; an established stream that
// later drops is reported to the caller as usual.
type STTFailover struct {
	group *Failover[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an STTFailover with primary as the preferred backend.
func NewSTTFailover(primary stt.Provider, name string, breaker BreakerConfig, logger *slog.Logger) *STTFailover {
	return &STTFailover{group: NewFailover(primary, name, breaker, logger)}
}

// Add registers a standby STT backend.
func (f *STTFailover) Add(name string, provider stt.Provider) {
	f.group.Add(name, provider)
}

// StartStream opens a transcription stream against the first healthy backend.
func (f *STTFailover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
