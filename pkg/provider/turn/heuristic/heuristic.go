// Package heuristic implements a turn.Detector from surface features of the
// last user utterance: terminal punctuation, trailing conjunctions, and
// filler words. It needs no model file and serves as the default detector.
package heuristic

import (
	"context"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/provider/turn"
	"github.com/parley-ai/parley/pkg/types"
)

// Words that signal the speaker is mid-thought when they end an utterance.
var trailingContinuations = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {},
	"um": {}, "uh": {}, "like": {}, "well": {}, "the": {}, "a": {}, "to": {},
	"with": {}, "for": {}, "of": {}, "in": {}, "i": {},
}

// Option is a functional option for configuring the Detector.
type Option func(*Detector)

// WithThreshold overrides the decision boundary. Defaults to 0.6.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// Detector implements turn.Detector.
type Detector struct {
	threshold float64
	logger    *slog.Logger
}

var _ turn.Detector = (*Detector)(nil)

// New creates a Detector.
func New(logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		threshold: turn.DefaultThreshold,
		logger:    logger.With("component", "turn-detector"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold implements turn.Detector.
func (d *Detector) Threshold() float64 { return d.threshold }

// PredictEndOfTurn implements turn.Detector. Empty or non-user-final history
// scores 0.0.
func (d *Detector) PredictEndOfTurn(ctx context.Context, history []types.Message) float64 {
	if err := ctx.Err(); err != nil {
		d.logger.Warn("end-of-turn prediction skipped", "error", err)
		return 0.0
	}

	prepared := turn.PrepareHistory(history)
	if len(prepared) == 0 {
		return 0.0
	}
	last := prepared[len(prepared)-1]
	if last.Role != "user" {
		return 0.0
	}
	return scoreUtterance(last.Content)
}

// scoreUtterance maps surface features of the utterance to a completion
// probability.
func scoreUtterance(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0.0
	}

	if strings.HasSuffix(text, ",") || strings.HasSuffix(text, "-") {
		return 0.1
	}
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?") {
		return 0.9
	}

	words := strings.Fields(strings.ToLower(text))
	lastWord := strings.Trim(words[len(words)-1], `.,!?;:"'`)
	if _, ok := trailingContinuations[lastWord]; ok {
		return 0.15
	}

	// No terminal punctuation: short fragments are likely unfinished, longer
	// clauses sit near the decision boundary.
	if len(words) <= 2 {
		return 0.3
	}
	return 0.55
}
