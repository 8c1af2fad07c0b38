// Package mock provides a test double for the turn.Detector interface.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/turn"
	"github.com/parley-ai/parley/pkg/types"
)

// PredictCall records a single invocation of PredictEndOfTurn.
type PredictCall struct {
	History []types.Message
}

// Detector is a mock implementation of turn.Detector.
type Detector struct {
	mu sync.Mutex

	// ScriptedScores is played back one score per call. When exhausted (or
	// empty), Score is returned instead.
	ScriptedScores []float64

	// Score is the default prediction.
	Score float64

	// ThresholdValue is returned by Threshold. Zero defaults to 0.6.
	ThresholdValue float64

	// PredictCalls records every invocation in order.
	PredictCalls []PredictCall
}

var _ turn.Detector = (*Detector)(nil)

// PredictEndOfTurn records the call and plays back the scripted score.
func (d *Detector) PredictEndOfTurn(_ context.Context, history []types.Message) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := make([]types.Message, len(history))
	copy(cp, history)
	call := len(d.PredictCalls)
	d.PredictCalls = append(d.PredictCalls, PredictCall{History: cp})

	if call < len(d.ScriptedScores) {
		return d.ScriptedScores[call]
	}
	return d.Score
}

// Threshold returns ThresholdValue, defaulting to 0.6.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ThresholdValue == 0 {
		return turn.DefaultThreshold
	}
	return d.ThresholdValue
}

// Calls returns a copy of the recorded predictions.
func (d *Detector) Calls() []PredictCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PredictCall, len(d.PredictCalls))
	copy(out, d.PredictCalls)
	return out
}
