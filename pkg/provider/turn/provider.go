// Package turn defines the Detector interface for end-of-utterance
// prediction.
//
// A detector looks at the recent conversation and scores the probability that
// the most recent user utterance is complete, so the endpointing layer can
// commit the turn early instead of waiting out the full silence window.
package turn

import (
	"context"
	"strings"

	"github.com/parley-ai/parley/pkg/types"
)

const (
	// MaxTurns is the number of most recent turns a detector considers.
	MaxTurns = 6

	// MaxTokens bounds the prepared history; older tokens are dropped first.
	MaxTokens = 128

	// DefaultThreshold is the probability at or above which an utterance
	// counts as complete.
	DefaultThreshold = 0.6
)

// Detector scores end-of-utterance probability.
//
// PredictEndOfTurn never fails: scoring errors are logged by the
// implementation and surface as 0.0, as does empty input. Threshold returns
// the configured decision boundary.
type Detector interface {
	PredictEndOfTurn(ctx context.Context, history []types.Message) float64
	Threshold() float64
}

// PrepareHistory normalises a conversation for scoring: adjacent same-role
// turns are merged, only the last MaxTurns turns are kept, and the result is
// truncated from the head to at most MaxTokens whitespace tokens. Tool and
// system entries are dropped; only the user/assistant exchange matters for
// endpointing.
func PrepareHistory(history []types.Message) []types.Message {
	var merged []types.Message
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content += " " + content
			continue
		}
		merged = append(merged, types.Message{Role: m.Role, Content: content})
	}

	if len(merged) > MaxTurns {
		merged = merged[len(merged)-MaxTurns:]
	}

	total := 0
	for _, m := range merged {
		total += len(strings.Fields(m.Content))
	}

	// Trim whole tokens from the oldest turns until the budget holds.
	for i := 0; i < len(merged) && total > MaxTokens; i++ {
		fields := strings.Fields(merged[i].Content)
		drop := total - MaxTokens
		if drop >= len(fields) {
			total -= len(fields)
			merged[i].Content = ""
			continue
		}
		merged[i].Content = strings.Join(fields[drop:], " ")
		total -= drop
	}

	out := merged[:0]
	for _, m := range merged {
		if m.Content != "" {
			out = append(out, m)
		}
	}
	return out
}
